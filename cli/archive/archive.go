// Package archive wires internal/archive.Pusher/Getter into the
// "archive-push"/"archive-get" cobra subcommands PostgreSQL's
// archive_command and restore_command invoke per WAL segment.
package archive

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pigsty-io/physback/internal/archive"
	"github.com/pigsty-io/physback/cli/utils"
	"github.com/pigsty-io/physback/internal/config"
	"github.com/pigsty-io/physback/internal/info"
	"github.com/pigsty-io/physback/internal/iofilter"
	"github.com/pigsty-io/physback/internal/lock"
	"github.com/pigsty-io/physback/internal/output"
	"github.com/pigsty-io/physback/internal/storage"
)

var (
	pushCompress string
	pushCompLvl  int
	cipherPass   string
)

var pushCmd = &cobra.Command{
	Use:   "archive-push <wal-file>",
	Short: "Push one WAL segment into the repository",
	Args:  cobra.ExactArgs(1),
	Annotations: utils.AncsAnn(
		"physback archive-push", "action", "volatile", "restricted", true, "medium", "none", "dbsu", 2000,
	),
	RunE: func(cmd *cobra.Command, args []string) error {
		drv, err := utils.ResolveDriver()
		if err != nil {
			return err
		}
		h, err := utils.LockManager().Acquire(config.Stanza, lock.TypeArchive)
		if err != nil {
			return report(err, "", nil)
		}
		defer h.Release()

		arch, err := loadArchive(drv)
		if err != nil {
			return report(err, "", nil)
		}
		current, ok := arch.History.Current()
		if !ok {
			return report(fmt.Errorf("archive.info has no PG history"), "", nil)
		}

		f, err := os.Open(args[0])
		if err != nil {
			return report(err, "", nil)
		}
		defer f.Close()

		p := &archive.Pusher{
			Storage:     drv,
			ArchiveID:   archive.ArchiveID(current.Version, current.ID),
			Compress:    resolveCompress(pushCompress),
			CompressLvl: pushCompLvl,
			CipherPass:  resolveCipherPass(arch),
		}
		name := segmentName(args[0])
		err = p.Push(name, f)
		return report(err, "segment pushed", name)
	},
}

var getCmd = &cobra.Command{
	Use:   "archive-get <wal-name> <destination>",
	Short: "Fetch one WAL segment from the repository",
	Args:  cobra.ExactArgs(2),
	Annotations: utils.AncsAnn(
		"physback archive-get", "action", "idempotent", "restricted", true, "low", "none", "dbsu", 2000,
	),
	RunE: func(cmd *cobra.Command, args []string) error {
		drv, err := utils.ResolveDriver()
		if err != nil {
			return err
		}
		h, err := utils.LockManager().Acquire(config.Stanza, lock.TypeArchive)
		if err != nil {
			return report(err, "", nil)
		}
		defer h.Release()

		arch, err := loadArchive(drv)
		if err != nil {
			return report(err, "", nil)
		}

		ids := make([]string, 0, len(arch.History))
		if current, ok := arch.History.Current(); ok {
			ids = append(ids, archive.ArchiveID(current.Version, current.ID))
		}
		for i := len(arch.History) - 2; i >= 0; i-- {
			e := arch.History[i]
			ids = append(ids, archive.ArchiveID(e.Version, e.ID))
		}

		out, err := os.Create(args[1])
		if err != nil {
			return report(err, "", nil)
		}
		defer out.Close()

		g := &archive.Getter{Storage: drv, ArchiveIDs: ids, CipherPass: resolveCipherPass(arch)}
		err = g.Get(args[0], out)
		return report(err, "segment fetched", args[0])
	},
}

// Cmd groups archive-push and archive-get; cobra registers both at the
// root so PostgreSQL can invoke "physback archive-push %p" directly.
var Cmd = []*cobra.Command{pushCmd, getCmd}

func loadArchive(drv storage.Driver) (*info.Archive, error) {
	doc, err := info.Load(drv, "archive.info")
	if err != nil {
		return nil, err
	}
	return info.ArchiveFromDoc(doc)
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

func resolveCipherPass(arch *info.Archive) string {
	if cipherPass != "" {
		return cipherPass
	}
	return arch.CipherPass
}

func segmentName(path string) string {
	base := path
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' {
			base = base[i+1:]
			break
		}
	}
	return base
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
	if message != "" {
		fmt.Println(message)
	}
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
	pushCmd.Flags().StringVar(&pushCompress, "compress", "", "compression: none, gz, zst")
	pushCmd.Flags().IntVar(&pushCompLvl, "compress-level", 0, "compression level (0 = codec default)")
	pushCmd.Flags().StringVar(&cipherPass, "cipher-pass", "", "override the repository's configured passphrase")
	getCmd.Flags().StringVar(&cipherPass, "cipher-pass", "", "override the repository's configured passphrase")
}
