package utils

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/pigsty-io/physback/cli/pgctl"
	"github.com/pigsty-io/physback/internal/config"
	"github.com/pigsty-io/physback/internal/lock"
	pgctlif "github.com/pigsty-io/physback/internal/pgctl"
)

// ProcessMax returns the configured worker pool size for a single
// backup/restore/verify run.
func ProcessMax() int {
	n := viper.GetInt("process-max")
	if n <= 0 {
		return config.DefaultProcessMax
	}
	return n
}

// RetentionFull returns the configured number of full backups to keep.
func RetentionFull() int {
	n := viper.GetInt("retention-full")
	if n <= 0 {
		return config.DefaultRetentionFull
	}
	return n
}

// LockManager returns the lock manager rooted at PHYSBACK_LOCK_DIR, or
// config.ConfigDir/locks by default.
func LockManager() *lock.Manager {
	dir := os.Getenv("PHYSBACK_LOCK_DIR")
	if dir == "" {
		dir = filepath.Join(config.ConfigDir, "locks")
	}
	return lock.New(dir)
}

// Cluster returns the psql-shelling Cluster implementation, reading its
// DBSU/database overrides from the environment.
func Cluster() pgctlif.Cluster {
	return &pgctl.Cluster{
		DbSU:     os.Getenv("PHYSBACK_DBSU"),
		Database: os.Getenv("PHYSBACK_DATABASE"),
	}
}
