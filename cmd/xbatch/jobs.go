package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/xbatch/internal/job"
	"github.com/antonkrylov/xbatch/internal/slurm"
)

type recordFunc func(cmd *cobra.Command, engine *job.Engine, rec job.Record) error

// recordCommand wires the shared --record flag and hands run a ready engine
// and the loaded record. These commands never ping the host first. configure,
// when set, adjusts the engine options.
func recordCommand(root *rootOptions, use, short string, configure func(*job.Options), run recordFunc) *cobra.Command {
	var recordPath string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := job.LoadRecord(recordPath)
			if err != nil {
				return err
			}
			opts, release, err := root.session(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			if configure != nil {
				configure(&opts)
			}
			return run(cmd, job.New(opts), rec)
		},
	}
	cmd.Flags().StringVar(&recordPath, "record", "", "job record file written by xbatch run --record-out (required)")
	_ = cmd.MarkFlagRequired("record")
	return cmd
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	var clean bool
	cmd := recordCommand(root, "status", "Show the live scheduler state of a job", nil, func(cmd *cobra.Command, engine *job.Engine, rec job.Record) error {
		state, err := engine.Status(cmd.Context(), rec, clean)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", rec.JobID, state, slurm.Classify(state))
		return nil
	})
	cmd.Flags().BoolVar(&clean, "clean", false, "run cleanup when the job has finished")
	return cmd
}

func newCancelCmd(root *rootOptions) *cobra.Command {
	return recordCommand(root, "cancel", "Cancel a scheduled job", nil, func(cmd *cobra.Command, engine *job.Engine, rec job.Record) error {
		if err := engine.Cancel(cmd.Context(), rec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", rec.JobID)
		return nil
	})
}

func newLogsCmd(root *rootOptions) *cobra.Command {
	return recordCommand(root, "logs", "Print the stdout and stderr files of a job", nil, func(cmd *cobra.Command, engine *job.Engine, rec job.Record) error {
		return engine.Logs(cmd.Context(), rec, cmd.OutOrStdout())
	})
}

func newCleanCmd(root *rootOptions) *cobra.Command {
	return recordCommand(root, "clean", "Delete everything in the job directory except logs and outputs", nil, func(cmd *cobra.Command, engine *job.Engine, rec job.Record) error {
		rep, err := engine.Clean(cmd.Context(), rec)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, p := range rep.Deleted {
			fmt.Fprintf(out, "deleted %s\n", p)
		}
		for _, p := range rep.Escaped {
			fmt.Fprintf(out, "kept outside job dir %s\n", p)
		}
		for _, w := range rep.Warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
		}
		fmt.Fprintf(out, "%d files deleted from %s\n", len(rep.Deleted), rep.Dir)
		return nil
	})
}

func newFetchCmd(root *rootOptions) *cobra.Command {
	var dest string
	configure := func(o *job.Options) {
		if dest != "" {
			o.LocalArtifactRoot = dest
		}
	}
	cmd := recordCommand(root, "fetch", "Copy a training run's artifact directory back", configure, func(cmd *cobra.Command, engine *job.Engine, rec job.Record) error {
		path, err := engine.FetchArtifacts(cmd.Context(), rec)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	})
	cmd.Flags().StringVar(&dest, "artifact-root", "", "local directory receiving artifacts (default logs)")
	return cmd
}
