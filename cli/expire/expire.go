// Package expire wires internal/expire.Orchestrator into a cobra command.
package expire

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pigsty-io/physback/cli/utils"
	"github.com/pigsty-io/physback/internal/config"
	"github.com/pigsty-io/physback/internal/expire"
	"github.com/pigsty-io/physback/internal/output"
)

var (
	expireRetentionFull int
	expireRetentionDiff int
)

// Cmd prunes expired backups and the WAL segments no surviving backup
// still needs.
var Cmd = &cobra.Command{
	Use:     "expire",
	Aliases: []string{"ex"},
	Short:   "Clean up expired backups and WAL",
	Annotations: utils.AncsAnn(
		"physback expire", "action", "volatile", "restricted", true, "medium", "recommended", "dbsu", 30000,
	),
	RunE: func(cmd *cobra.Command, args []string) error {
		drv, err := utils.ResolveDriver()
		if err != nil {
			return err
		}
		o := &expire.Orchestrator{Storage: drv, Locks: utils.LockManager()}
		retFull := expireRetentionFull
		if retFull <= 0 {
			retFull = utils.RetentionFull()
		}
		report, err := o.Run(expire.Options{
			Stanza:        config.Stanza,
			RetentionFull: retFull,
			RetentionDiff: expireRetentionDiff,
		})
		if config.IsStructuredOutput() {
			if err != nil {
				return handleResult(output.Fail(1, err.Error()))
			}
			return handleResult(output.OK("expire complete", report))
		}
		if err != nil {
			return err
		}
		fmt.Printf("expired %d backups, kept %d, removed %d WAL files\n",
			len(report.ExpiredBackups), len(report.KeptBackups), len(report.RemovedWalDirs))
		return nil
	},
}

func handleResult(r *output.Result) error {
	if err := output.Print(r); err != nil {
		return err
	}
	if !r.Success {
		return fmt.Errorf("%s", r.Message)
	}
	return nil
}

func init() {
	Cmd.Flags().IntVar(&expireRetentionFull, "retention-full", 0, "full backups to keep (0 uses the configured default)")
	Cmd.Flags().IntVar(&expireRetentionDiff, "retention-diff", 0, "diff backups chained to the newest full to keep (0 = unlimited)")
}
