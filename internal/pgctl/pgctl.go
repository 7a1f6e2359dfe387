// Package pgctl declares the narrow collaborator interface orchestrators
// use to talk to a live PostgreSQL cluster. The database client wire
// protocol itself stays out of this engine's core; this package is the
// seam a real libpq-backed implementation plugs into.
package pgctl

import "context"

// Identity is what stanza-create/upgrade and the backup orchestrator
// compare against the repository's PG history.
type Identity struct {
	Version        string
	SystemID       int64
	CatalogVersion int
	ControlVersion int
	DataDir        string
}

// BackupStart is the result of issuing the PG start-backup equivalent.
type BackupStart struct {
	LsnStart     string
	SegmentStart string
	Timestamp    int64
}

// BackupStop is the result of issuing the PG stop-backup equivalent.
type BackupStop struct {
	LsnStop     string
	SegmentStop string
	Timestamp   int64
}

// Cluster is the collaborator a running orchestrator binds to. A real
// implementation dials the cluster's client protocol; tests and
// dry-run modes can substitute a fake.
type Cluster interface {
	Identify(ctx context.Context) (Identity, error)
	StartBackup(ctx context.Context, label string, startFast bool) (BackupStart, error)
	StopBackup(ctx context.Context) (BackupStop, error)
	// IsRunning reports whether a postmaster.pid-equivalent lock is held
	// at dataDir, the precondition restore checks before writing.
	IsRunning(ctx context.Context, dataDir string) (bool, error)
}
