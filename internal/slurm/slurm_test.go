package slurm

import (
	"context"
	"strings"
	"testing"

	"github.com/antonkrylov/xbatch/internal/remote/remotetest"
)

func TestParseJobID(t *testing.T) {
	cases := []struct {
		out  string
		want string
	}{
		{"Submitted batch job 12345\n", "12345"},
		{"sbatch: notice\nSubmitted batch job 777\nextra", "777"},
		{"sbatch: error: Batch job submission failed\n", UnknownJobID},
		{"", UnknownJobID},
		{"Submitted batch job", UnknownJobID},
	}
	for _, tc := range cases {
		if got := ParseJobID(tc.out); got != tc.want {
			t.Fatalf("ParseJobID(%q) = %q, want %q", tc.out, got, tc.want)
		}
	}
}

func TestParseStateAndClassify(t *testing.T) {
	cases := []struct {
		out   string
		state State
		phase Phase
	}{
		{"", StateDone, PhaseUnknown},
		{"  \n", StateDone, PhaseUnknown},
		{"RUNNING\n", StateRunning, PhaseActive},
		{"PENDING", StatePending, PhaseActive},
		{"COMPLETED\n", StateCompleted, PhaseSucceeded},
		{"CANCELLED by 1000\n", StateCancelled, PhaseFailed},
		{"TIMEOUT", StateTimeout, PhaseFailed},
		{"FAILED", StateFailed, PhaseFailed},
		{"COMPLETING", State("COMPLETING"), PhaseActive},
	}
	for _, tc := range cases {
		got := ParseState(tc.out)
		if got != tc.state {
			t.Fatalf("ParseState(%q) = %q, want %q", tc.out, got, tc.state)
		}
		if p := Classify(got); p != tc.phase {
			t.Fatalf("Classify(%q) = %v, want %v", got, p, tc.phase)
		}
	}
}

func TestRender(t *testing.T) {
	script, err := Render(Script{
		JobName:   "job_20240101_120000_abcdef",
		Queue:     "acc_debug",
		Account:   "bsc99",
		GPUs:      2,
		Exclusive: true,
		OutFile:   "/jobs/j/j.out",
		ErrFile:   "/jobs/j/j.err",
		Modules:   []string{"python/3.12", "cuda/12"},
		VenvPath:  "/jobs/j/venv",
		ExecLine:  "python /jobs/j/entry_script.py pkg.mod main '[]' '{}'",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		"#!/bin/bash\n",
		"#SBATCH --job-name=job_20240101_120000_abcdef\n",
		"#SBATCH --qos=acc_debug\n",
		"#SBATCH --account=bsc99\n",
		"#SBATCH --partition=debug\n",
		"#SBATCH --nodes=1\n",
		"#SBATCH --cpus-per-task=1\n",
		"#SBATCH --gres=gpu:2\n",
		"#SBATCH --exclusive\n",
		"#SBATCH --output=/jobs/j/j.out\n",
		"#SBATCH --error=/jobs/j/j.err\n",
		"module load python/3.12\nmodule load cuda/12\n",
		"source '/jobs/j/venv/bin/activate'",
		"python /jobs/j/entry_script.py pkg.mod main '[]' '{}'\n",
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}
}

func TestRenderOmitsOptionalDirectives(t *testing.T) {
	script, err := Render(Script{JobName: "j", Partition: "gpp", Nodes: 4, CPUs: 8, OutFile: "o", ErrFile: "e", ExecLine: "true"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, absent := range []string{"--qos", "--account", "--gres", "--exclusive", "module load", "activate"} {
		if strings.Contains(script, absent) {
			t.Fatalf("script should not contain %q:\n%s", absent, script)
		}
	}
	if !strings.Contains(script, "--partition=gpp") || !strings.Contains(script, "--nodes=4") || !strings.Contains(script, "--cpus-per-task=8") {
		t.Fatalf("unexpected script:\n%s", script)
	}
}

func TestRenderRejectsBadInput(t *testing.T) {
	if _, err := Render(Script{JobName: "j", OutFile: "o", ErrFile: "e"}); err == nil {
		t.Fatalf("expected error for empty exec line")
	}
	if _, err := Render(Script{JobName: "j", OutFile: "o", ErrFile: "e", ExecLine: "x", Modules: []string{"a; rm -rf /"}}); err == nil {
		t.Fatalf("expected error for unsafe module name")
	}
}

func TestClientCommands(t *testing.T) {
	sh := remotetest.New().
		On("sbatch", remotetest.Reply{Stdout: "Submitted batch job 4242\n"}).
		On("squeue", remotetest.Reply{Stdout: "RUNNING\n"}, remotetest.Reply{Stdout: ""})
	c := &Client{Shell: sh}
	ctx := context.Background()

	sub, err := c.Submit(ctx, "/jobs/j", "/jobs/j/j.slurm")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.JobID != "4242" {
		t.Fatalf("job id = %q", sub.JobID)
	}
	if !sh.Ran("cd '/jobs/j' && sbatch '/jobs/j/j.slurm'") {
		t.Fatalf("unexpected commands %v", sh.Commands())
	}

	for _, want := range []State{StateRunning, StateDone} {
		got, err := c.State(ctx, "4242")
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if got != want {
			t.Fatalf("state = %q, want %q", got, want)
		}
	}
	if !sh.Ran("squeue --job='4242' -o '%T' --noheader") {
		t.Fatalf("unexpected commands %v", sh.Commands())
	}

	if _, err := c.Cancel(ctx, "4242"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !sh.Ran("scancel '4242'") {
		t.Fatalf("scancel not issued: %v", sh.Commands())
	}
}
