package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/xbatch/internal/bundle"
	"github.com/antonkrylov/xbatch/internal/job"
	"github.com/antonkrylov/xbatch/internal/slurm"
)

type runFlags struct {
	module   string
	function string
	args     string
	kwargs   string
	codeDir  string

	queue      string
	account    string
	partition  string
	nodes      int
	cpus       int
	gpus       int
	exclusive  bool
	envModules []string

	requirements     []string
	requirementsFile string
	interpreter      string
	venv             string
	venvLock         bool
	forceInstall     bool

	direct        bool
	watch         bool
	cleanup       bool
	outputs       []string
	executionType string
	artifactDir   string
	artifactRoot  string

	codec        string
	exclude      []string
	pollInterval time.Duration
	deadline     time.Duration
	recordOut    string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run --module pkg.mod --function main",
		Short: "Ship code, prepare its environment and submit (or run) a job",
		Example: `  xbatch run --module train.main --function fit --kwargs '{"epochs": 3}' \
    --partition gpu --gpus 1 --requirement torch==2.3.1 --watch --cleanup`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := f.spec()
			if err != nil {
				return err
			}
			codec, err := bundle.ParseCodec(f.codec)
			if err != nil {
				return err
			}
			opts, release, err := root.session(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			opts.Codec = codec
			opts.Exclude = f.exclude
			opts.VenvLock = f.venvLock
			opts.Deadline = f.deadline
			if f.pollInterval > 0 {
				opts.PollInterval = f.pollInterval
			}
			if f.artifactRoot != "" {
				opts.LocalArtifactRoot = f.artifactRoot
			}

			engine, err := job.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			res, runErr := engine.Run(cmd.Context(), spec)
			if res == nil {
				return runErr
			}
			// Errors after submission still come with the record.
			if err := printRecord(cmd.OutOrStdout(), res.Record); err != nil {
				return errors.Join(runErr, err)
			}
			if f.recordOut != "" {
				if err := job.SaveRecord(f.recordOut, res.Record); err != nil {
					return errors.Join(runErr, fmt.Errorf("write record: %w", err))
				}
			}
			if runErr != nil {
				return runErr
			}
			return resultError(res)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.module, "module", "", "dotted import path of the module holding the function (required)")
	fl.StringVar(&f.function, "function", "", "function to call (required)")
	fl.StringVar(&f.args, "args", "", "positional arguments as a JSON array")
	fl.StringVar(&f.kwargs, "kwargs", "", "keyword arguments as a JSON object")
	fl.StringVar(&f.codeDir, "code-dir", "", "local directory to ship (defaults to the module's top-level package)")

	fl.StringVar(&f.queue, "queue", "", "scheduler QOS")
	fl.StringVar(&f.account, "account", "", "scheduler account")
	fl.StringVar(&f.partition, "partition", "", "scheduler partition (default from context or "+slurm.DefaultPartition+")")
	fl.IntVar(&f.nodes, "nodes", 1, "node count")
	fl.IntVar(&f.cpus, "cpus", 1, "cpus per task")
	fl.IntVar(&f.gpus, "gpus", 0, "gpus per node")
	fl.BoolVar(&f.exclusive, "exclusive", false, "request exclusive nodes")
	fl.StringSliceVar(&f.envModules, "env-module", nil, "environment module to load before running; repeatable")

	fl.StringArrayVar(&f.requirements, "requirement", nil, "requirement as name or name==version; repeatable")
	fl.StringVarP(&f.requirementsFile, "requirements-file", "r", "", "file with one requirement (name or name==version) per line")
	fl.StringVar(&f.interpreter, "interpreter", "", "command that runs the entry script (default python)")
	fl.StringVar(&f.venv, "venv", "", "virtual environment path on the host (default inside the job directory)")
	fl.BoolVar(&f.venvLock, "venv-lock", false, "serialise installs into a shared venv with flock")
	fl.BoolVar(&f.forceInstall, "force-install", false, "reinstall every requirement before checking what is missing")

	fl.BoolVar(&f.direct, "direct", false, "run with a blocking remote command instead of sbatch")
	fl.BoolVar(&f.watch, "watch", false, "follow the job until it finishes, tailing its logs")
	fl.BoolVar(&f.cleanup, "cleanup", false, "delete everything but logs and outputs once the job finishes")
	fl.StringSliceVar(&f.outputs, "output", nil, "path relative to the job directory kept by cleanup; repeatable")
	fl.StringVar(&f.executionType, "execution-type", job.ExecDefault, "default_script|training_model")
	fl.StringVar(&f.artifactDir, "artifact-dir", "", "directory fetched back after a training run")
	fl.StringVar(&f.artifactRoot, "artifact-root", "", "local directory receiving fetched artifacts (default logs)")

	fl.StringVar(&f.codec, "codec", string(bundle.Gzip), "archive compression: gzip|zstd")
	fl.StringSliceVar(&f.exclude, "exclude", []string{"__pycache__", "*.pyc", ".git"}, "base-name globs left out of the archive")
	fl.DurationVar(&f.pollInterval, "poll-interval", 0, "status poll interval while watching (default from context or 5s)")
	fl.DurationVar(&f.deadline, "deadline", 0, "give up watching after this long and cancel the job")
	fl.StringVar(&f.recordOut, "record-out", "", "also write the job record to this file")

	_ = cmd.MarkFlagRequired("module")
	_ = cmd.MarkFlagRequired("function")
	return cmd
}

func (f *runFlags) spec() (job.Spec, error) {
	spec := job.Spec{
		Module:        f.module,
		Function:      f.function,
		CodeDir:       f.codeDir,
		Queue:         f.queue,
		Account:       f.account,
		Partition:     f.partition,
		Nodes:         f.nodes,
		CPUs:          f.cpus,
		GPUs:          f.gpus,
		Exclusive:     f.exclusive,
		EnvModules:    f.envModules,
		Requirements:  f.requirements,
		Interpreter:   f.interpreter,
		VenvPath:      f.venv,
		ForceInstall:  f.forceInstall,
		Direct:        f.direct,
		Watch:         f.watch,
		Cleanup:       f.cleanup,
		Outputs:       f.outputs,
		ExecutionType: f.executionType,
		ArtifactDir:   f.artifactDir,
	}
	if strings.TrimSpace(f.args) != "" {
		if err := json.Unmarshal([]byte(f.args), &spec.Args); err != nil {
			return job.Spec{}, fmt.Errorf("--args must be a JSON array: %w", err)
		}
	}
	if strings.TrimSpace(f.kwargs) != "" {
		if err := json.Unmarshal([]byte(f.kwargs), &spec.Kwargs); err != nil {
			return job.Spec{}, fmt.Errorf("--kwargs must be a JSON object: %w", err)
		}
	}
	if f.requirementsFile != "" {
		lines, err := readRequirementsFile(f.requirementsFile)
		if err != nil {
			return job.Spec{}, err
		}
		spec.Requirements = append(spec.Requirements, lines...)
	}
	return spec, nil
}

// readRequirementsFile returns the non-blank, non-comment lines of path.
func readRequirementsFile(path string) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("requirements file: %w", err)
	}
	defer fh.Close()
	var out []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func printRecord(w io.Writer, rec job.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

// resultError turns a watched job that failed or was interrupted into a
// non-zero exit. Diagnostics alone do not fail the command.
func resultError(res *job.Result) error {
	if res.Interrupted {
		return fmt.Errorf("job %s interrupted and cancelled", res.Record.JobName)
	}
	if res.State != "" && slurm.Classify(slurm.State(res.State)) == slurm.PhaseFailed {
		return fmt.Errorf("job %s finished in state %s", res.Record.JobName, res.State)
	}
	return nil
}
