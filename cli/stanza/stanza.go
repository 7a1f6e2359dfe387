// Package stanza wires internal/stanza.Orchestrator's create/upgrade/
// delete lifecycle into three cobra subcommands under "physback stanza".
package stanza

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pigsty-io/physback/cli/utils"
	"github.com/pigsty-io/physback/internal/config"
	"github.com/pigsty-io/physback/internal/output"
	"github.com/pigsty-io/physback/internal/stanza"
)

var (
	stanzaCipher string
	deleteForce  bool
)

// Cmd groups the stanza lifecycle subcommands.
var Cmd = &cobra.Command{
	Use:   "stanza",
	Short: "Manage a repository's stanza (create, upgrade, delete)",
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Initialize a repository for a new PostgreSQL cluster",
	Annotations: utils.AncsAnn(
		"physback stanza create", "action", "volatile", "unsafe", false, "high", "required", "dbsu", 5000,
	),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := orchestrator()
		if err != nil {
			return err
		}
		err = o.Create(cmd.Context(), stanza.CreateOptions{Stanza: config.Stanza, CipherPass: stanzaCipher})
		return report(err, "stanza created", nil)
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Record a new PG history entry after a major-version upgrade",
	Annotations: utils.AncsAnn(
		"physback stanza upgrade", "action", "volatile", "unsafe", false, "high", "required", "dbsu", 5000,
	),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := orchestrator()
		if err != nil {
			return err
		}
		changed, err := o.Upgrade(cmd.Context(), stanza.UpgradeOptions{Stanza: config.Stanza})
		return report(err, "stanza upgraded", changed)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove a stanza's archive and backup data from the repository",
	Annotations: utils.AncsAnn(
		"physback stanza delete", "action", "volatile", "unsafe", false, "critical", "required", "dbsu", 5000,
	),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := orchestrator()
		if err != nil {
			return err
		}
		err = o.Delete(stanza.DeleteOptions{Stanza: config.Stanza, Force: deleteForce})
		return report(err, "stanza deleted", nil)
	},
}

func orchestrator() (*stanza.Orchestrator, error) {
	drv, err := utils.ResolveDriver()
	if err != nil {
		return nil, err
	}
	return &stanza.Orchestrator{Storage: drv, Locks: utils.LockManager(), Cluster: utils.Cluster()}, nil
}

func report(err error, message string, data interface{}) error {
	if config.IsStructuredOutput() {
		if err != nil {
			return handleResult(output.Fail(1, err.Error()))
		}
		return handleResult(output.OK(message, data))
	}
	if err != nil {
		return err
	}
	fmt.Println(message)
	return nil
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
	createCmd.Flags().StringVar(&stanzaCipher, "cipher-pass", "", "AES-256 passphrase; empty leaves the repository unencrypted")
	deleteCmd.Flags().BoolVar(&deleteForce, "force", false, "bypass lock acquisition when the cluster is gone")
	Cmd.AddCommand(createCmd, upgradeCmd, deleteCmd)
}
