package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/antonkrylov/xbatch/internal/events"
	"github.com/antonkrylov/xbatch/internal/remote"
	"github.com/antonkrylov/xbatch/internal/retention"
	"github.com/antonkrylov/xbatch/internal/slurm"
)

// Status queries the live scheduler state of rec. A direct run is always
// reported as DONE. With clean set, a terminal job's directory is cleaned.
func (e *Engine) Status(ctx context.Context, rec Record, clean bool) (slurm.State, error) {
	var state slurm.State
	switch rec.JobID {
	case DirectRunID:
		state = slurm.StateDone
	case "", UnknownJobID:
		return "", ErrNoSchedulerID
	default:
		s, err := e.scheduler.State(ctx, rec.JobID)
		if err != nil {
			return "", err
		}
		state = s
	}
	e.logger.Info("job status", "job_id", rec.JobID, "state", string(state))
	if clean && state.Terminal() {
		rep, err := e.Clean(ctx, rec)
		if err != nil {
			if errors.Is(err, remote.ErrConnection) {
				return state, err
			}
			e.logger.Warn("cleanup after status failed", "job_name", rec.JobName, "err", err)
		}
		for _, w := range rep.Warnings {
			e.logger.Warn("cleanup reported errors", "job_name", rec.JobName, "message", w)
		}
	}
	return state, nil
}

// Cancel asks the scheduler to kill rec's job.
func (e *Engine) Cancel(ctx context.Context, rec Record) error {
	if !rec.Scheduled() {
		return fmt.Errorf("%w: %q", ErrNoSchedulerID, rec.JobID)
	}
	stderr, err := e.scheduler.Cancel(ctx, rec.JobID)
	if err != nil {
		return err
	}
	if stderr != "" {
		return fmt.Errorf("scancel %s: %s", rec.JobID, stderr)
	}
	e.logger.Info("job cancelled", "job_id", rec.JobID)
	e.publish(ctx, events.New(events.TypeCancelled, rec.JobName, rec.JobID))
	return nil
}

// Logs writes both log files of rec to w. Unreadable files are replaced by a
// placeholder line rather than failing.
func (e *Engine) Logs(ctx context.Context, rec Record, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Logs of job %s (%s)\n", rec.JobID, rec.JobName); err != nil {
		return err
	}
	return e.writeLogs(ctx, rec, w, false)
}

func (e *Engine) printLogs(ctx context.Context, rec Record, skipEmpty bool) {
	if err := e.writeLogs(ctx, rec, e.opts.Output, skipEmpty); err != nil {
		e.logger.Warn("print logs", "job_name", rec.JobName, "err", err)
	}
}

func (e *Engine) writeLogs(ctx context.Context, rec Record, w io.Writer, skipEmpty bool) error {
	for _, f := range []struct{ title, path string }{{"STDOUT", rec.OutFile}, {"STDERR", rec.ErrFile}} {
		text := e.shell.ReadFile(ctx, f.path)
		if skipEmpty && text == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "=== %s (%s) ===\n%s\n", f.title, f.path, text); err != nil {
			return err
		}
	}
	return nil
}

// Clean runs the retention cleaner over rec's directory, keeping its outputs.
func (e *Engine) Clean(ctx context.Context, rec Record) (retention.Report, error) {
	rep, err := e.cleaner.Clean(ctx, rec.RemoteJobDir, rec.Outputs)
	if err != nil {
		return rep, err
	}
	evt := events.New(events.TypeCleaned, rec.JobName, rec.JobID)
	evt.Message = fmt.Sprintf("%d files deleted", len(rep.Deleted))
	e.publish(ctx, evt)
	return rep, nil
}

// FetchArtifacts copies rec's artifact directory to
// <LocalArtifactRoot>/<job name> and returns that local path.
func (e *Engine) FetchArtifacts(ctx context.Context, rec Record) (string, error) {
	if rec.ArtifactDir == "" {
		return "", errors.New("record has no artifact directory")
	}
	dest := filepath.Join(e.opts.LocalArtifactRoot, rec.JobName)
	if err := e.transfer.Fetch(ctx, remoteArtifactPath(rec), dest); err != nil {
		return "", err
	}
	evt := events.New(events.TypeFetched, rec.JobName, rec.JobID)
	evt.Message = dest
	e.publish(ctx, evt)
	return dest, nil
}
