// Package backup wires internal/backup.Orchestrator into a cobra
// command: repository driver, lock manager, cluster collaborator, and
// worker pool all resolved from the current repo-path/repo-type/stanza
// configuration.
package backup

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pigsty-io/physback/cli/utils"
	cliworker "github.com/pigsty-io/physback/cli/worker"
	"github.com/pigsty-io/physback/internal/backup"
	"github.com/pigsty-io/physback/internal/config"
	"github.com/pigsty-io/physback/internal/info"
	"github.com/pigsty-io/physback/internal/iofilter"
	"github.com/pigsty-io/physback/internal/output"
)

var (
	backupType      string
	backupDataDir   string
	backupCompress  string
	backupCompLvl   int
	backupCipher    string
	backupStartFast bool
	backupBlockIncr bool
)

// Cmd runs one backup against the configured repository.
var Cmd = &cobra.Command{
	Use:     "backup",
	Aliases: []string{"bk"},
	Short:   "Create a physical backup",
	Annotations: utils.MergeAnn(
		utils.AncsAnn("physback backup", "action", "volatile", "unsafe", true, "high", "recommended", "dbsu", 600000),
		map[string]string{
			"args.type.desc": "backup type: full, diff, incr (auto-detected if omitted)",
			"args.type.type": "enum",
		},
	),
	Long: `Create a physical backup of the running PostgreSQL cluster.

Types:
  (empty) - auto: full if no prior backup exists, else incr
  full    - full backup
  diff    - differential backup (changes since last full)
  incr    - incremental backup (changes since last backup)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		drv, err := utils.ResolveDriver()
		if err != nil {
			return err
		}
		o := &backup.Orchestrator{
			Storage: drv,
			Locks:   utils.LockManager(),
			Cluster: utils.Cluster(),
			Dial:    cliworker.Dial,
		}
		opt := backup.Options{
			Stanza:          config.Stanza,
			Type:            resolveType(backupType),
			DataDir:         backupDataDir,
			Label:           time.Now().Format("20060102-150405"),
			Compress:        resolveCompress(backupCompress),
			CompressLvl:     backupCompLvl,
			CipherPass:      backupCipher,
			StartFast:       backupStartFast,
			BlockIncr:       backupBlockIncr,
			ProcessMax:      utils.ProcessMax(),
			ProtocolTimeout: 30 * time.Second,
		}
		rec, err := o.Run(cmd.Context(), opt)
		if config.IsStructuredOutput() {
			if err != nil {
				return handleResult(output.Fail(1, err.Error()))
			}
			return handleResult(output.OK("backup complete", rec))
		}
		if err != nil {
			return err
		}
		fmt.Printf("backup %s (%s) complete\n", rec.Label, rec.Type)
		return nil
	},
}

func resolveType(t string) info.BackupType {
	switch t {
	case "full":
		return info.BackupFull
	case "diff":
		return info.BackupDiff
	case "incr":
		return info.BackupIncr
	default:
		return ""
	}
}

func resolveCompress(c string) iofilter.CompressType {
	switch c {
	case "gz":
		return iofilter.CompressGzip
	case "zst":
		return iofilter.CompressZstd
	default:
		return iofilter.CompressNone
	}
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
	Cmd.Flags().StringVarP(&backupType, "type", "t", "", "backup type: full, diff, incr")
	Cmd.Flags().StringVar(&backupDataDir, "data-dir", "", "PostgreSQL data directory")
	Cmd.Flags().StringVar(&backupCompress, "compress", "", "compression: none, gz, zst")
	Cmd.Flags().IntVar(&backupCompLvl, "compress-level", 0, "compression level (0 = codec default)")
	Cmd.Flags().StringVar(&backupCipher, "cipher-pass", "", "AES-256 passphrase; empty disables encryption")
	Cmd.Flags().BoolVar(&backupStartFast, "start-fast", false, "request an immediate checkpoint at backup start")
	Cmd.Flags().BoolVar(&backupBlockIncr, "block-incr", false, "use block-level incremental backup for large files")
	_ = Cmd.MarkFlagRequired("data-dir")
}
