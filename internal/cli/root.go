// Package cli implements kdiskmark-helperctl, a small operator client for the
// privileged helper. Each invocation opens its own session, so polkit may
// prompt every time and the helper exits again once the command finishes.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonmagon/kdiskmark/helper/internal/config"
	"github.com/jonmagon/kdiskmark/helper/internal/helper"
	"github.com/jonmagon/kdiskmark/helper/internal/process"
	"github.com/jonmagon/kdiskmark/helper/internal/version"
)

// stopGrace bounds the stop request sent when a run is interrupted.
const stopGrace = 30 * time.Second

var (
	socketPath  string
	callTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "kdiskmark-helperctl",
	Short:         "Drive the KDiskMark privileged helper",
	Long:          "Talks to kdiskmark-helper over its Unix socket: list volumes, prepare the scratch file, run fio benchmarks and flush the page cache.",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocketPath, "helper socket path")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 10*time.Minute, "overall deadline, including the polkit prompt and the run itself")
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// withClient connects to the helper, runs fn and hangs up.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *helper.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	c, err := helper.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, c)
}

// awaitTask waits for the next completion and prints its output.
func awaitTask(ctx context.Context, cmd *cobra.Command, c *helper.Client) error {
	var done process.Completion
	select {
	case ev, ok := <-c.Events():
		if !ok {
			return helper.ErrClientClosed
		}
		done = ev
	case <-ctx.Done():
		return fmt.Errorf("waiting for task: %w", ctx.Err())
	}

	if done.Stdout != "" {
		fmt.Fprint(cmd.OutOrStdout(), done.Stdout)
	}
	if done.ExitCode != 0 {
		return fmt.Errorf("%s failed (exit code %d): %s", done.Task, done.ExitCode, done.Stderr)
	}
	return nil
}
