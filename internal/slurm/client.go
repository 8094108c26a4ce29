package slurm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/antonkrylov/xbatch/internal/remote"
)

// State is the scheduler's job state string as printed by squeue %T.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateTimeout   State = "TIMEOUT"
	// StateDone means squeue no longer lists the job; the outcome is unknown.
	StateDone State = "DONE"
)

// UnknownJobID is recorded when sbatch output carries no recognisable id.
const UnknownJobID = "unknown"

const submittedMarker = "Submitted batch job"

// Phase groups states by what the caller should do next.
type Phase int

const (
	PhaseActive Phase = iota
	PhaseSucceeded
	PhaseFailed
	PhaseUnknown
)

func (p Phase) String() string {
	switch p {
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	case PhaseUnknown:
		return "unknown"
	default:
		return "active"
	}
}

// Classify maps a state onto its phase. Anything not explicitly terminal is
// active, including states this package has never heard of.
func Classify(s State) Phase {
	switch s {
	case StateCompleted:
		return PhaseSucceeded
	case StateFailed, StateCancelled, StateTimeout:
		return PhaseFailed
	case StateDone:
		return PhaseUnknown
	default:
		return PhaseActive
	}
}

func (s State) Terminal() bool { return Classify(s) != PhaseActive }

// ParseJobID returns the trailing token of the first line that announces a
// submitted job, or UnknownJobID.
func ParseJobID(sbatchOutput string) string {
	for _, line := range strings.Split(sbatchOutput, "\n") {
		if !strings.Contains(line, submittedMarker) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			break
		}
		id := fields[len(fields)-1]
		if id == "job" {
			break
		}
		return id
	}
	return UnknownJobID
}

// ParseState reads squeue output. Empty output means the job left the queue.
func ParseState(squeueOutput string) State {
	out := strings.TrimSpace(squeueOutput)
	if out == "" {
		return StateDone
	}
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	// Older releases print e.g. "CANCELLED by 1000".
	if fields := strings.Fields(line); len(fields) > 0 {
		line = fields[0]
	}
	return State(strings.ToUpper(line))
}

// Client issues scheduler commands over a remote shell.
type Client struct {
	Shell  remote.Shell
	Logger *slog.Logger
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return discardLogger
	}
	return c.Logger
}

// Submission is the outcome of one sbatch call.
type Submission struct {
	JobID  string
	Output string
	Stderr string
}

// Submit runs sbatch from dir. A missing id is not an error: the job may still
// have been queued, so the caller records UnknownJobID and moves on.
func (c *Client) Submit(ctx context.Context, dir, scriptPath string) (Submission, error) {
	cmd := fmt.Sprintf("cd %s && sbatch %s", remote.Quote(dir), remote.Quote(scriptPath))
	out, errOut, err := c.Shell.Run(ctx, cmd)
	if err != nil {
		return Submission{}, err
	}
	sub := Submission{JobID: ParseJobID(out), Output: strings.TrimSpace(out), Stderr: strings.TrimSpace(errOut)}
	if remote.Dirty(errOut) {
		c.logger().Warn("sbatch reported errors", "component", "slurm", "stderr", sub.Stderr)
	}
	if sub.JobID == UnknownJobID {
		c.logger().Warn("sbatch output has no job id", "component", "slurm", "output", sub.Output)
	}
	return sub, nil
}

// State queries squeue for id.
func (c *Client) State(ctx context.Context, id string) (State, error) {
	out, _, err := c.Shell.Run(ctx, StateCommand(id))
	if err != nil {
		return "", err
	}
	return ParseState(out), nil
}

// Cancel runs scancel. Its stderr is returned for the caller to report.
func (c *Client) Cancel(ctx context.Context, id string) (string, error) {
	_, errOut, err := c.Shell.Run(ctx, "scancel "+remote.Quote(id))
	if err != nil {
		return "", err
	}
	if remote.Dirty(errOut) {
		c.logger().Warn("scancel reported errors", "component", "slurm", "job_id", id, "stderr", strings.TrimSpace(errOut))
	}
	return strings.TrimSpace(errOut), nil
}

func StateCommand(id string) string {
	return fmt.Sprintf("squeue --job=%s -o '%%T' --noheader", remote.Quote(id))
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
