package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pigsty-io/physback/cli/archive"
	"github.com/pigsty-io/physback/cli/backup"
	"github.com/pigsty-io/physback/cli/expire"
	"github.com/pigsty-io/physback/cli/info"
	"github.com/pigsty-io/physback/cli/restore"
	"github.com/pigsty-io/physback/cli/stanza"
	"github.com/pigsty-io/physback/cli/verify"
	cliworker "github.com/pigsty-io/physback/cli/worker"
	"github.com/pigsty-io/physback/internal/ancs"
	"github.com/pigsty-io/physback/internal/config"
	"github.com/pigsty-io/physback/internal/metrics"
	"github.com/pigsty-io/physback/internal/utils"
)

var (
	logLevel     string
	logPath      string
	repoPath     string
	repoType     string
	stanzaName   string
	debug        bool
	logFile      *os.File
	outputFormat string
	metricsAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "physback",
	Short: "Physical backup and restore for PostgreSQL",
	Long:  `physback - block-incremental physical backup, restore and WAL archiving for PostgreSQL`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initAll()
	},
}

func initAll() error {
	if debug {
		logLevel = "debug"
	}
	if err := initLogger(logLevel, logPath); err != nil {
		return err
	}
	config.InitConfig(repoPath, stanzaName)
	if repoType != "" {
		config.RepoType = repoType
	}
	initOutputFormat()
	if metricsAddr != "" {
		startMetricsServer(metricsAddr)
	}
	return nil
}

func validateOutputFormat(format string) string {
	normalized := strings.ToLower(strings.TrimSpace(format))
	for _, valid := range config.ValidOutputFormats {
		if normalized == valid {
			return normalized
		}
	}
	return config.OUTPUT_TEXT
}

func initOutputFormat() {
	validated := validateOutputFormat(outputFormat)
	if validated != strings.ToLower(outputFormat) && outputFormat != "" {
		logrus.Warnf("invalid output format %q, using %q", outputFormat, validated)
	}
	config.OutputFormat = validated
}

func initLogger(level string, path string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
		logrus.Warnf("invalid log level %q, using INFO", level)
	}
	logrus.SetLevel(lvl)

	if path != "" {
		if logFile != nil {
			logFile.Close()
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		logFile = f
		logrus.SetOutput(f)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logrus.Debugf("file logger initialized at level %s", lvl.String())
	} else {
		logrus.SetOutput(os.Stderr)
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "15:04:05", FullTimestamp: true})
		logrus.Debugf("stderr logger initialized at level %s", lvl.String())
	}
	return nil
}

// startMetricsServer exposes the executor/worker gauges over /metrics
// in the background; a bind failure is logged, not fatal.
func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logrus.WithError(err).Warn("metrics server stopped")
		}
	}()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("command execution failed")
		os.Exit(utils.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug mode")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error, fatal, panic")
	rootCmd.PersistentFlags().StringVar(&logPath, "log-path", "", "log file path, terminal by default")
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo-path", "", "repository root path")
	rootCmd.PersistentFlags().StringVar(&repoType, "repo-type", "", "repository driver: posix, s3, sftp, remote")
	rootCmd.PersistentFlags().StringVarP(&stanzaName, "stanza", "s", "", "stanza name")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, yaml, json, json-pretty")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "bind address for a /metrics endpoint (disabled if empty)")

	ancs.SetupHelp(rootCmd)

	rootCmd.AddGroup(
		&cobra.Group{ID: "lifecycle", Title: "Stanza Lifecycle"},
		&cobra.Group{ID: "data", Title: "Backup and Restore"},
	)
	rootCmd.AddCommand(
		stanza.Cmd,
		backup.Cmd,
		restore.Cmd,
		expire.Cmd,
		verify.Cmd,
		info.Cmd,
		cliworker.Cmd,
	)
	rootCmd.AddCommand(archive.Cmd...)
}
