// Package worker provides the "local-worker" subprocess entry point and
// the Dial helper that spawns and connects a pool of them, the
// transport backup/restore/verify orchestrators dispatch jobs over.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/pigsty-io/physback/cli/utils"
	"github.com/pigsty-io/physback/internal/config"
	"github.com/pigsty-io/physback/internal/parallel"
	"github.com/pigsty-io/physback/internal/protocol"
	"github.com/pigsty-io/physback/internal/worker"
)

const serviceName = "worker"

// Cmd is the hidden "local-worker" subcommand: it never gets invoked by
// a human directly, only re-exec'd by Dial with its stdio piped to a
// protocol.Client in the parent process.
var Cmd = &cobra.Command{
	Use:    "local-worker",
	Short:  "Run a single worker protocol server over stdio (internal)",
	Hidden: true,
	Annotations: utils.AncsAnn(
		"physback local-worker", "action", "volatile", "unsafe", false, "low", "none", "dbsu", 0,
	),
	RunE: func(cmd *cobra.Command, args []string) error {
		drv, err := utils.ResolveDriver()
		if err != nil {
			return err
		}
		greeting := protocol.Greeting{Name: "physback", Service: serviceName, Version: config.Version}
		srv := worker.NewServer(greeting, drv)
		return srv.Serve(stdio{})
	},
}

// stdio adapts the process's own stdin/stdout into an io.ReadWriter for
// protocol.Server.Serve.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// pipe wraps a child process's Stdin/Stdout pipes as a single
// io.ReadWriter, and terminates the process on Close.
type pipe struct {
	io.Reader
	io.Writer
	cmd *exec.Cmd
}

func (p *pipe) Close() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

// Dial spawns n "physback local-worker" subprocesses, each inheriting
// the current repository configuration, and connects a parallel.Worker
// to each over its piped stdio.
func Dial(ctx context.Context, n int) ([]*parallel.Worker, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own executable path: %w", err)
	}

	workers := make([]*parallel.Worker, 0, n)
	for i := 0; i < n; i++ {
		cmd := exec.CommandContext(ctx, self, "local-worker",
			"--repo-type", config.RepoType,
			"--repo-path", config.RepoPath,
		)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			closeAll(workers)
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			closeAll(workers)
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			closeAll(workers)
			return nil, fmt.Errorf("starting worker subprocess: %w", err)
		}

		rw := &pipe{Reader: stdout, Writer: stdin, cmd: cmd}
		client, err := protocol.Connect(rw, "physback", serviceName, config.Version, 30*time.Second)
		if err != nil {
			rw.Close()
			closeAll(workers)
			return nil, fmt.Errorf("connecting to worker subprocess: %w", err)
		}
		workers = append(workers, &parallel.Worker{Client: client, Close: func() error {
			_ = client.Exit()
			return rw.Close()
		}})
	}
	return workers, nil
}

func closeAll(workers []*parallel.Worker) {
	for _, w := range workers {
		_ = w.Close()
	}
}
