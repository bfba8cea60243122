package cli

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jonmagon/kdiskmark/helper/internal/fio"
	"github.com/jonmagon/kdiskmark/helper/internal/helper"
)

var (
	prepareOpts fio.PrepareOptions
	benchOpts   fio.BenchmarkOptions
)

func init() {
	rootCmd.AddCommand(storagesCmd, prepareCmd, runCmd, flushCmd, removeCmd, stopCmd)

	prepareCmd.Flags().IntVar(&prepareOpts.SizeMB, "size", 1024, "file size in MiB")
	prepareCmd.Flags().BoolVar(&prepareOpts.ZeroFill, "zero", false, "fill with zeros instead of random data")

	runCmd.Flags().IntVar(&benchOpts.DurationSec, "duration", 5, "measuring time in seconds")
	runCmd.Flags().IntVar(&benchOpts.SizeMB, "size", 1024, "file size in MiB")
	runCmd.Flags().IntVar(&benchOpts.RandomReadPct, "read-pct", 70, "read share of a mixed workload, in percent")
	runCmd.Flags().BoolVar(&benchOpts.ZeroFill, "zero", false, "write zeros instead of random data")
	runCmd.Flags().IntVar(&benchOpts.BlockSizeKB, "bs", 1024, "block size in KiB")
	runCmd.Flags().IntVar(&benchOpts.QueueDepth, "qd", 8, "queue depth")
	runCmd.Flags().IntVar(&benchOpts.Threads, "threads", 1, "number of jobs")
	runCmd.Flags().StringVar(&benchOpts.Mode, "mode", "read", "fio rw mode (read, write, randread, randwrite, randrw, ...)")
}

var storagesCmd = &cobra.Command{
	Use:   "storages",
	Short: "List writable volumes a benchmark can target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *helper.Client) error {
			volumes, err := c.ListStorages(ctx)
			if err != nil {
				return err
			}

			mounts := make([]string, 0, len(volumes))
			for m := range volumes {
				mounts = append(mounts, m)
			}
			sort.Strings(mounts)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MOUNT\tTOTAL\tAVAILABLE")
			for _, m := range mounts {
				fmt.Fprintf(w, "%s\t%d\t%d\n", m, volumes[m][0], volumes[m][1])
			}
			return w.Flush()
		})
	},
}

var prepareCmd = &cobra.Command{
	Use:   "prepare <path>",
	Short: "Create the scratch file and wait for fio to finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prepareOpts.Path = args[0]
		return withClient(cmd, func(ctx context.Context, c *helper.Client) error {
			if err := c.PrepareFile(ctx, prepareOpts); err != nil {
				return err
			}
			return awaitTask(ctx, cmd, c)
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run <path>",
	Short: "Run one fio benchmark against the scratch file and print its JSON report",
	Long:  "Runs one benchmark job. Interrupting the command stops the job on the helper before exiting.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		benchOpts.Path = args[0]
		return withClient(cmd, func(ctx context.Context, c *helper.Client) error {
			if err := c.StartTest(ctx, benchOpts); err != nil {
				return err
			}
			err := awaitTask(ctx, cmd, c)
			if ctx.Err() != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
				defer cancel()
				c.StopCurrentTask(stopCtx)
			}
			return err
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drop the kernel page cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *helper.Client) error {
			res, err := c.FlushPageCache(ctx)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("flush failed: %s", res.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "page cache flushed")
			return nil
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Delete the scratch file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *helper.Client) error {
			removed, err := c.RemoveFile(ctx, args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%s was not removed", args[0])
			}
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running benchmark",
	Long:  "Stops the benchmark of the current session. Since every invocation opens its own session this only succeeds while no other client holds the helper.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *helper.Client) error {
			return c.StopCurrentTask(ctx)
		})
	},
}
