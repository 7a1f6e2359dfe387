// Package pgctl implements internal/pgctl.Cluster against a live
// PostgreSQL instance by shelling out to psql as the database
// superuser through internal/utils.DBSUCommandOutput.
package pgctl

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pigsty-io/physback/internal/pgctl"
	"github.com/pigsty-io/physback/internal/utils"
)

// Cluster drives Postgres via psql -Atc, run as DbSU.
type Cluster struct {
	DbSU     string // superuser to run psql as; defaults to utils.GetDBSU("")
	Database string // database to connect to; defaults to "postgres"
}

func (c *Cluster) dbsu() string {
	if c.DbSU != "" {
		return c.DbSU
	}
	return utils.GetDBSU("")
}

func (c *Cluster) database() string {
	if c.Database != "" {
		return c.Database
	}
	return "postgres"
}

func (c *Cluster) psql(query string) (string, error) {
	args := []string{"psql", "-Atq", "-F", "|", "-d", c.database(), "-c", query}
	out, err := utils.DBSUCommandOutput(c.dbsu(), args)
	if err != nil {
		return "", fmt.Errorf("psql query failed: %w: %s", err, strings.TrimSpace(out))
	}
	return strings.TrimSpace(out), nil
}

// Identify reports the cluster's version, system identifier, and
// on-disk catalog/control versions, compared against the repository's
// PG history by stanza-create/upgrade and the backup orchestrator.
func (c *Cluster) Identify(ctx context.Context) (pgctl.Identity, error) {
	out, err := c.psql(`select current_setting('server_version_num'), ` +
		`(select system_identifier from pg_control_system()), ` +
		`(select catalog_version_no from pg_control_system()), ` +
		`(select pg_control_version from pg_control_system()), ` +
		`current_setting('data_directory')`)
	if err != nil {
		return pgctl.Identity{}, err
	}
	fields := strings.Split(out, "|")
	if len(fields) != 5 {
		return pgctl.Identity{}, fmt.Errorf("unexpected psql output: %q", out)
	}
	systemID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return pgctl.Identity{}, fmt.Errorf("parsing system identifier %q: %w", fields[1], err)
	}
	catalogVersion, err := strconv.Atoi(fields[2])
	if err != nil {
		return pgctl.Identity{}, fmt.Errorf("parsing catalog version %q: %w", fields[2], err)
	}
	controlVersion, err := strconv.Atoi(fields[3])
	if err != nil {
		return pgctl.Identity{}, fmt.Errorf("parsing control version %q: %w", fields[3], err)
	}
	return pgctl.Identity{
		Version:        fields[0],
		SystemID:       systemID,
		CatalogVersion: catalogVersion,
		ControlVersion: controlVersion,
		DataDir:        fields[4],
	}, nil
}

// StartBackup issues pg_backup_start(label, fast) and reports the
// starting LSN and WAL segment.
func (c *Cluster) StartBackup(ctx context.Context, label string, startFast bool) (pgctl.BackupStart, error) {
	out, err := c.psql(fmt.Sprintf(
		`select lsn, pg_walfile_name(lsn), extract(epoch from clock_timestamp())::bigint `+
			`from pg_backup_start('%s', %t) as lsn`,
		utils.EscapeSQLString(label), startFast))
	if err != nil {
		return pgctl.BackupStart{}, err
	}
	fields := strings.Split(out, "|")
	if len(fields) != 3 {
		return pgctl.BackupStart{}, fmt.Errorf("unexpected psql output: %q", out)
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return pgctl.BackupStart{}, fmt.Errorf("parsing timestamp %q: %w", fields[2], err)
	}
	return pgctl.BackupStart{LsnStart: fields[0], SegmentStart: fields[1], Timestamp: ts}, nil
}

// StopBackup issues pg_backup_stop() and reports the stopping LSN and
// WAL segment.
func (c *Cluster) StopBackup(ctx context.Context) (pgctl.BackupStop, error) {
	out, err := c.psql(`select lsn, pg_walfile_name(lsn), extract(epoch from clock_timestamp())::bigint ` +
		`from pg_backup_stop()`)
	if err != nil {
		return pgctl.BackupStop{}, err
	}
	fields := strings.Split(out, "|")
	if len(fields) != 3 {
		return pgctl.BackupStop{}, fmt.Errorf("unexpected psql output: %q", out)
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return pgctl.BackupStop{}, fmt.Errorf("parsing timestamp %q: %w", fields[2], err)
	}
	return pgctl.BackupStop{LsnStop: fields[0], SegmentStop: fields[1], Timestamp: ts}, nil
}

// IsRunning checks dataDir/postmaster.pid and signals the recorded pid
// with signal 0 to test whether the process is alive.
func (c *Cluster) IsRunning(ctx context.Context, dataDir string) (bool, error) {
	data, err := os.ReadFile(dataDir + "/postmaster.pid")
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading postmaster.pid: %w", err)
	}
	lines := strings.SplitN(string(data), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return false, fmt.Errorf("parsing postmaster pid: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, nil
	}
	return true, nil
}
