// Package restore wires internal/restore.Orchestrator into a cobra
// command.
package restore

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pigsty-io/physback/cli/utils"
	cliworker "github.com/pigsty-io/physback/cli/worker"
	"github.com/pigsty-io/physback/internal/config"
	"github.com/pigsty-io/physback/internal/output"
	"github.com/pigsty-io/physback/internal/restore"
)

var (
	restoreSet       string
	restoreDataDir   string
	restoreDelta     bool
	restoreForce     bool
	restoreDbInclude []string
	restoreCipher    string
	restoreTargetT   string
	restoreTargetV   string
	restoreLinkAll   bool
)

// Cmd restores a backup to a destination data directory.
var Cmd = &cobra.Command{
	Use:     "restore",
	Aliases: []string{"rt"},
	Short:   "Restore a backup to a destination data directory",
	Annotations: utils.AncsAnn(
		"physback restore", "action", "volatile", "unsafe", false, "critical", "required", "dbsu", 600000,
	),
	Long: `Restore a backup, with optional point-in-time recovery.

Recovery target types: none, default, immediate, xid, time, name, lsn.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		drv, err := utils.ResolveDriver()
		if err != nil {
			return err
		}
		o := &restore.Orchestrator{
			Storage: drv,
			Locks:   utils.LockManager(),
			Cluster: utils.Cluster(),
			Dial:    cliworker.Dial,
		}
		opt := restore.Options{
			Stanza:          config.Stanza,
			Set:             restoreSet,
			DataDir:         restoreDataDir,
			Delta:           restoreDelta,
			Force:           restoreForce,
			DbInclude:       restoreDbInclude,
			LinkAll:         restoreLinkAll,
			Recovery:        restore.RecoveryTarget{Type: restoreTargetT, Value: restoreTargetV},
			CipherPass:      restoreCipher,
			ProcessMax:      utils.ProcessMax(),
			ProtocolTimeout: 30 * time.Second,
		}
		m, err := o.Run(cmd.Context(), opt)
		if config.IsStructuredOutput() {
			if err != nil {
				return handleResult(output.Fail(1, err.Error()))
			}
			return handleResult(output.OK("restore complete", m))
		}
		if err != nil {
			return err
		}
		fmt.Printf("restore complete: %d files\n", len(m.Files))
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
	Cmd.Flags().StringVar(&restoreSet, "set", "", "backup label to restore; empty selects the latest")
	Cmd.Flags().StringVar(&restoreDataDir, "data-dir", "", "destination PostgreSQL data directory")
	Cmd.Flags().BoolVar(&restoreDelta, "delta", false, "restore only files that differ from the destination")
	Cmd.Flags().BoolVar(&restoreForce, "force", false, "allow restoring into a non-empty destination")
	Cmd.Flags().StringSliceVar(&restoreDbInclude, "db-include", nil, "database names/oids to keep in a selective restore")
	Cmd.Flags().StringVar(&restoreCipher, "cipher-pass", "", "AES-256 passphrase; empty disables decryption")
	Cmd.Flags().StringVar(&restoreTargetT, "target-type", "default", "recovery target type: none, default, immediate, xid, time, name, lsn")
	Cmd.Flags().StringVar(&restoreTargetV, "target", "", "recovery target value")
	Cmd.Flags().BoolVar(&restoreLinkAll, "link-all", false, "restore unmapped tablespace links in place instead of dropping them")
	_ = Cmd.MarkFlagRequired("data-dir")
}
