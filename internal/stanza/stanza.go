// Package stanza implements the create/upgrade/delete lifecycle that
// binds a repository path to one PostgreSQL cluster.
package stanza

import (
	"context"
	"fmt"

	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/info"
	"github.com/pigsty-io/physback/internal/lock"
	"github.com/pigsty-io/physback/internal/pgctl"
	"github.com/pigsty-io/physback/internal/storage"
)

// Orchestrator runs the stanza lifecycle commands against a repository.
type Orchestrator struct {
	Storage storage.Driver
	Locks   *lock.Manager
	Cluster pgctl.Cluster
}

// CreateOptions configures stanza-create.
type CreateOptions struct {
	Stanza     string
	CipherPass string // empty leaves the repository unencrypted
}

// Create verifies the repository is empty of a prior stanza, connects
// to the live cluster, and writes the initial archive.info/backup.info
// pair with a one-entry PG history.
func (o *Orchestrator) Create(ctx context.Context, opt CreateOptions) error {
	archH, err := o.Locks.Acquire(opt.Stanza, lock.TypeArchive)
	if err != nil {
		return err
	}
	defer archH.Release()
	backupH, err := o.Locks.Acquire(opt.Stanza, lock.TypeBackup)
	if err != nil {
		return err
	}
	defer backupH.Release()

	if err := o.assertRepositoryEmpty(); err != nil {
		return err
	}

	id, err := o.Cluster.Identify(ctx)
	if err != nil {
		return errkind.New(errkind.KindConfig, "stanza.Create", err)
	}

	history := info.PgHistory{{
		ID:             1,
		Version:        id.Version,
		SystemID:       id.SystemID,
		CatalogVersion: id.CatalogVersion,
		ControlVersion: id.ControlVersion,
	}}

	arch := &info.Archive{History: history, CipherPass: opt.CipherPass}
	archDoc, err := arch.ToDoc()
	if err != nil {
		return err
	}
	if err := info.Save(o.Storage, "archive.info", archDoc); err != nil {
		return err
	}

	bk := info.NewBackup()
	bk.History = history
	bkDoc, err := bk.ToDoc()
	if err != nil {
		return err
	}
	return info.Save(o.Storage, "backup.info", bkDoc)
}

// assertRepositoryEmpty enforces that neither archive.info nor
// backup.info loads from the repository: either one present means a
// stanza was created here before. Other repository files are not
// checked.
func (o *Orchestrator) assertRepositoryEmpty() error {
	for _, name := range []string{"archive.info", "backup.info"} {
		if _, err := info.Load(o.Storage, name); err == nil {
			return errkind.New(errkind.KindPathExists, "stanza.assertRepositoryEmpty",
				fmt.Errorf("%s already exists; stanza appears to already be created", name))
		}
	}
	return nil
}

// UpgradeOptions configures stanza-upgrade.
type UpgradeOptions struct {
	Stanza string
}

// Upgrade appends a new PG history entry to both info files when the
// live cluster's version or systemId no longer matches the current
// entry. It is a no-op (returns false, nil) when nothing changed.
func (o *Orchestrator) Upgrade(ctx context.Context, opt UpgradeOptions) (changed bool, err error) {
	archH, err := o.Locks.Acquire(opt.Stanza, lock.TypeArchive)
	if err != nil {
		return false, err
	}
	defer archH.Release()
	backupH, err := o.Locks.Acquire(opt.Stanza, lock.TypeBackup)
	if err != nil {
		return false, err
	}
	defer backupH.Release()

	archDoc, err := info.Load(o.Storage, "archive.info")
	if err != nil {
		return false, err
	}
	arch, err := info.ArchiveFromDoc(archDoc)
	if err != nil {
		return false, err
	}
	backupDoc, err := info.Load(o.Storage, "backup.info")
	if err != nil {
		return false, err
	}
	bk, err := info.BackupFromDoc(backupDoc)
	if err != nil {
		return false, err
	}
	if err := arch.MatchesBackupHistory(bk.History); err != nil {
		return false, err
	}

	current, ok := arch.History.Current()
	if !ok {
		return false, errkind.New(errkind.KindFormatError, "stanza.Upgrade", fmt.Errorf("archive.info has no history"))
	}

	id, err := o.Cluster.Identify(ctx)
	if err != nil {
		return false, errkind.New(errkind.KindConfig, "stanza.Upgrade", err)
	}

	if id.Version == current.Version && id.SystemID == current.SystemID {
		return false, nil
	}

	next := info.PgEntry{
		ID:             current.ID + 1,
		Version:        id.Version,
		SystemID:       id.SystemID,
		CatalogVersion: id.CatalogVersion,
		ControlVersion: id.ControlVersion,
	}
	arch.History = append(arch.History, next)
	bk.History = append(bk.History, next)

	newArchDoc, err := arch.ToDoc()
	if err != nil {
		return false, err
	}
	if err := info.Save(o.Storage, "archive.info", newArchDoc); err != nil {
		return false, err
	}
	newBackupDoc, err := bk.ToDoc()
	if err != nil {
		return false, err
	}
	if err := info.Save(o.Storage, "backup.info", newBackupDoc); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteOptions configures stanza-delete.
type DeleteOptions struct {
	Stanza string
	Force  bool // bypass lock acquisition when the cluster is gone
}

// Delete removes the entire stanza path (archive/, backup/, both info
// file pairs) from the repository.
func (o *Orchestrator) Delete(opt DeleteOptions) error {
	if !opt.Force {
		archH, err := o.Locks.Acquire(opt.Stanza, lock.TypeArchive)
		if err != nil {
			return err
		}
		defer archH.Release()
		backupH, err := o.Locks.Acquire(opt.Stanza, lock.TypeBackup)
		if err != nil {
			return err
		}
		defer backupH.Release()
	}

	for _, path := range []string{"archive", "backup", "archive.info", "archive.info.copy", "backup.info", "backup.info.copy"} {
		if err := o.Storage.PathRemove(path, storage.PathRemoveOptions{Recurse: true}); err != nil {
			return err
		}
	}
	return nil
}
