// Package info reports a stanza's archive.info/backup.info contents:
// PG history, the catalog of backups, and which is newest.
package info

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pigsty-io/physback/cli/utils"
	"github.com/pigsty-io/physback/internal/config"
	"github.com/pigsty-io/physback/internal/info"
	"github.com/pigsty-io/physback/internal/output"
)

// report is what "physback info" prints or emits structured.
type report struct {
	Stanza  string            `json:"stanza"`
	History []info.PgEntry    `json:"history"`
	Backups []info.BackupRecord `json:"backups"`
	Latest  string            `json:"latest,omitempty"`
}

// Cmd lists the backups and PG history recorded for the stanza.
var Cmd = &cobra.Command{
	Use:   "info",
	Short: "Show stanza backup and PG history",
	Annotations: utils.AncsAnn(
		"physback info", "query", "idempotent", "safe", true, "low", "none", "none", 2000,
	),
	RunE: func(cmd *cobra.Command, args []string) error {
		drv, err := utils.ResolveDriver()
		if err != nil {
			return err
		}
		backupDoc, err := info.Load(drv, "backup.info")
		if err != nil {
			return handleErr(err)
		}
		bk, err := info.BackupFromDoc(backupDoc)
		if err != nil {
			return handleErr(err)
		}

		rpt := report{Stanza: config.Stanza, History: bk.History}
		for _, label := range bk.Labels() {
			rpt.Backups = append(rpt.Backups, bk.Current[label])
		}
		if latest, ok := bk.Latest(); ok {
			rpt.Latest = latest.Label
		}

		if config.IsStructuredOutput() {
			return handleResult(output.OK("stanza info", rpt))
		}
		fmt.Printf("stanza: %s\n", rpt.Stanza)
		for _, e := range rpt.History {
			fmt.Printf("  pg history #%d: version=%s systemId=%d\n", e.ID, e.Version, e.SystemID)
		}
		for _, b := range rpt.Backups {
			started := time.Unix(b.TimestampStart, 0).UTC().Format(time.RFC3339)
			fmt.Printf("  %s  %-4s  started=%s  sizeRepo=%d\n", b.Label, b.Type, started, b.SizeRepo)
		}
		if rpt.Latest != "" {
			fmt.Printf("latest: %s\n", rpt.Latest)
		}
		return nil
	},
}

func handleErr(err error) error {
	if config.IsStructuredOutput() {
		return handleResult(output.Fail(1, err.Error()))
	}
	return err
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
