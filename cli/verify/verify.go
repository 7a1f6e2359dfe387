// Package verify wires internal/verify.Orchestrator into a cobra
// command that cross-checks archive WAL and backup manifests against
// the live repository contents.
package verify

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pigsty-io/physback/cli/utils"
	cliworker "github.com/pigsty-io/physback/cli/worker"
	"github.com/pigsty-io/physback/internal/config"
	"github.com/pigsty-io/physback/internal/output"
	"github.com/pigsty-io/physback/internal/verify"
)

var verifySet string

// Cmd checks every archived WAL segment and backup manifest's
// checksums against the repository's stored content.
var Cmd = &cobra.Command{
	Use:     "verify",
	Aliases: []string{"vf"},
	Short:   "Cross-check repository archive and backup integrity",
	Annotations: utils.AncsAnn(
		"physback verify", "query", "idempotent", "safe", true, "low", "none", "dbsu", 120000,
	),
	RunE: func(cmd *cobra.Command, args []string) error {
		drv, err := utils.ResolveDriver()
		if err != nil {
			return err
		}
		o := &verify.Orchestrator{Storage: drv, Dial: cliworker.Dial}
		rpt, err := o.Run(cmd.Context(), verify.Options{
			Set:             verifySet,
			ProcessMax:      utils.ProcessMax(),
			ProtocolTimeout: 30 * time.Second,
		})
		if config.IsStructuredOutput() {
			if err != nil {
				return handleResult(output.Fail(1, err.Error()))
			}
			return handleResult(output.OK("verify complete", rpt))
		}
		if err != nil {
			return err
		}
		for _, a := range rpt.Archives {
			fmt.Printf("archive %s: %d range(s), %d duplicate segment(s)\n", a.ArchiveID, len(a.Ranges), len(a.DuplicateSegments))
		}
		for _, b := range rpt.Backups {
			fmt.Printf("backup %s: %s\n", b.Label, b.Status)
		}
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
	Cmd.Flags().StringVar(&verifySet, "set", "", "restrict verification to a single backup label")
}
