// Package monitor follows a scheduled job until it leaves the active states,
// tailing its stdout and stderr files as they grow.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/antonkrylov/xbatch/internal/slurm"
)

// DefaultInterval is the pause between two polls.
const DefaultInterval = 5 * time.Second

// ErrDeadline is returned when Deadline elapses before a terminal state.
var ErrDeadline = errors.New("monitor deadline exceeded")

// StateSource reports the scheduler state of a job.
type StateSource interface {
	State(ctx context.Context, jobID string) (slurm.State, error)
}

// FileSource reads a remote file from a byte offset.
type FileSource interface {
	ReadFrom(ctx context.Context, path string, offset int64) ([]byte, error)
}

// Poll describes one iteration of the loop.
type Poll struct {
	JobID     string
	Seq       int
	State     slurm.State
	Elapsed   time.Duration
	OutOffset int64
	ErrOffset int64
}

// Outcome is the final poll of a completed watch.
type Outcome struct {
	State     slurm.State
	Phase     slurm.Phase
	Polls     int
	Elapsed   time.Duration
	OutOffset int64
	ErrOffset int64
}

// Monitor polls and tails one job at a time. It is single-threaded: state query,
// stdout tail, stderr tail, status line, then sleep.
type Monitor struct {
	States StateSource
	Files  FileSource
	// Interval defaults to DefaultInterval.
	Interval time.Duration
	// Deadline bounds the whole watch; zero polls until a terminal state.
	Deadline time.Duration
	// Output receives tailed log data and the status line; nil discards both.
	Output io.Writer
	// OnPoll, when set, is called after every poll.
	OnPoll func(Poll)
	Logger *slog.Logger

	now func() time.Time
}

func (m *Monitor) interval() time.Duration {
	if m.Interval <= 0 {
		return DefaultInterval
	}
	return m.Interval
}

func (m *Monitor) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

func (m *Monitor) logger() *slog.Logger {
	if m.Logger == nil {
		return discardLogger
	}
	return m.Logger.With("component", "monitor")
}

// Watch blocks until jobID reaches a terminal state, ctx ends or the deadline
// passes. Offsets only move forward; a failed read leaves its offset as is.
func (m *Monitor) Watch(ctx context.Context, jobID, outFile, errFile string) (Outcome, error) {
	out := m.Output
	if out == nil {
		out = io.Discard
	}
	w := &statusWriter{dst: out, overwrite: isTerminal(out)}
	log := m.logger().With("job_id", jobID)
	start := m.clock()
	var outOff, errOff int64
	seq := 0

	for {
		seq++
		state, err := m.States.State(ctx, jobID)
		if err != nil {
			w.finish()
			return Outcome{Polls: seq, OutOffset: outOff, ErrOffset: errOff}, fmt.Errorf("query job %s: %w", jobID, err)
		}
		outOff = m.tail(ctx, w, outFile, outOff, "out")
		errOff = m.tail(ctx, w, errFile, errOff, "err")
		now := m.clock()
		elapsed := now.Sub(start)
		w.status(fmt.Sprintf("[job %s][%s] Status: %s - Time execution: %s", jobID, now.Format("2006-01-02 15:04:05"), state, elapsed.Round(time.Second)))

		poll := Poll{JobID: jobID, Seq: seq, State: state, Elapsed: elapsed, OutOffset: outOff, ErrOffset: errOff}
		if m.OnPoll != nil {
			m.OnPoll(poll)
		}
		log.Debug("poll", "seq", seq, "state", string(state), "out_offset", outOff, "err_offset", errOff)

		if state.Terminal() {
			w.finish()
			return Outcome{State: state, Phase: slurm.Classify(state), Polls: seq, Elapsed: elapsed, OutOffset: outOff, ErrOffset: errOff}, nil
		}
		if m.Deadline > 0 && elapsed >= m.Deadline {
			w.finish()
			log.Warn("deadline exceeded", "deadline", m.Deadline, "state", string(state))
			return Outcome{State: state, Phase: slurm.PhaseActive, Polls: seq, Elapsed: elapsed, OutOffset: outOff, ErrOffset: errOff}, ErrDeadline
		}

		t := time.NewTimer(m.interval())
		select {
		case <-ctx.Done():
			t.Stop()
			w.finish()
			return Outcome{State: state, Phase: slurm.PhaseActive, Polls: seq, Elapsed: elapsed, OutOffset: outOff, ErrOffset: errOff}, ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Monitor) tail(ctx context.Context, w *statusWriter, path string, offset int64, tag string) int64 {
	if path == "" {
		return offset
	}
	data, err := m.Files.ReadFrom(ctx, path, offset)
	if err != nil {
		// The file may not exist until the job starts.
		return offset
	}
	if len(data) == 0 {
		return offset
	}
	w.chunk(tag, data)
	return offset + int64(len(data))
}

// statusWriter interleaves log chunks with a status line that is rewritten in
// place on a terminal and printed once per poll otherwise.
type statusWriter struct {
	dst       io.Writer
	overwrite bool
	pending   bool
}

func (s *statusWriter) chunk(tag string, data []byte) {
	if s.pending {
		fmt.Fprintln(s.dst)
		s.pending = false
	}
	fmt.Fprintf(s.dst, "[job.%s] %s", tag, data)
	if data[len(data)-1] != '\n' {
		fmt.Fprintln(s.dst)
	}
}

func (s *statusWriter) status(line string) {
	if s.overwrite {
		fmt.Fprintf(s.dst, "\r%s", line)
		s.pending = true
		return
	}
	fmt.Fprintln(s.dst, line)
}

func (s *statusWriter) finish() {
	if s.pending {
		fmt.Fprintln(s.dst)
		s.pending = false
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
