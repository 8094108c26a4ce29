package job

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/antonkrylov/xbatch/internal/envsync"
	"github.com/antonkrylov/xbatch/internal/events"
	"github.com/antonkrylov/xbatch/internal/monitor"
	"github.com/antonkrylov/xbatch/internal/remote"
	"github.com/antonkrylov/xbatch/internal/slurm"
)

// Run ships spec's code and executes it. The steps run strictly in order:
// ship, environment, submit (or direct execution), optional watch, optional
// cleanup, optional artifact fetch.
//
// Local packaging errors, transport failures, upload failures and a failed
// install of missing requirements are returned. Any other remote error is
// logged, attached to the result as a Diagnostic, and the pipeline continues.
// Once the job has been submitted or run, the result is returned along with
// any later error so its record is never lost.
func (e *Engine) Run(ctx context.Context, spec Spec) (*Result, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	reqs, err := envsync.ParseRequirements(spec.Requirements)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	name := NewJobName(e.now())
	dir := JobDir(e.opts.RemoteBasePath, name)
	res := &Result{Record: Record{
		JobName:      name,
		RemoteJobDir: dir,
		OutFile:      path.Join(dir, name+".out"),
		ErrFile:      path.Join(dir, name+".err"),
		Outputs:      spec.outputs(),
	}}
	if spec.training() {
		res.Record.ArtifactDir = spec.ArtifactDir
	}
	log := e.logger.With("job_name", name)

	ctx, span := e.startSpan(ctx, "job.run",
		attribute.String("job.name", name),
		attribute.String("job.module", spec.Module),
		attribute.Bool("job.direct", spec.Direct),
	)
	var runErr error
	defer func() { endSpan(span, runErr) }()

	if runErr = e.ship(ctx, res, spec); runErr != nil {
		return nil, runErr
	}

	venv := spec.VenvPath
	if venv == "" {
		venv = path.Join(dir, name)
	}
	if len(reqs) > 0 {
		if runErr = e.prepareEnv(ctx, res, venv, reqs, spec.ForceInstall); runErr != nil {
			return nil, runErr
		}
	}

	line, err := ExecLine(spec.interpreter(), dir, spec.Module, spec.Function, spec.Args, spec.Kwargs)
	if err != nil {
		runErr = err
		return nil, err
	}

	terminal := false
	if spec.Direct {
		if runErr = e.runDirect(ctx, res, venv, line, spec.Watch); runErr != nil {
			return nil, runErr
		}
		log.Info("job finished in direct mode", "job_id", res.Record.JobID, "remote_job_dir", dir)
		terminal = true
	} else {
		if runErr = e.submit(ctx, res, spec, venv, line); runErr != nil {
			return nil, runErr
		}
		log.Info("job submitted", "job_id", res.Record.JobID, "remote_job_dir", dir)
		if spec.Watch && res.Record.JobID != UnknownJobID {
			terminal, runErr = e.watch(ctx, res)
			if runErr != nil {
				return res, runErr
			}
		} else if spec.Watch {
			e.diagnose(ctx, res, StageMonitor, "no job id to watch; check the sbatch output")
		}
	}

	// A cancelled context must not stop the cleanup that follows an interrupt.
	after := ctx
	if ctx.Err() != nil {
		after = context.WithoutCancel(ctx)
	}
	if spec.Cleanup && terminal {
		if runErr = e.cleanup(after, res); runErr != nil {
			return res, runErr
		}
	}
	if spec.training() && terminal {
		e.fetchArtifacts(after, res)
	}
	return res, nil
}

func (e *Engine) ship(ctx context.Context, res *Result, spec Spec) (err error) {
	ctx, span := e.startSpan(ctx, "job.ship")
	defer func() { endSpan(span, err) }()

	dir := res.Record.RemoteJobDir
	shipped, err := e.transfer.Ship(ctx, spec.codeDir(), dir)
	if err != nil {
		return err
	}
	for _, w := range shipped.Warnings {
		e.diagnose(ctx, res, StageShip, w)
	}
	if err := e.transfer.Put(ctx, EntryScript(), path.Join(dir, ShimName)); err != nil {
		return fmt.Errorf("stage entry script: %w", err)
	}
	evt := events.New(events.TypeShipped, res.Record.JobName, "")
	evt.Message = dir
	e.publish(ctx, evt)
	return nil
}

func (e *Engine) prepareEnv(ctx context.Context, res *Result, venv string, reqs []envsync.Requirement, force bool) (err error) {
	ctx, span := e.startSpan(ctx, "job.environment", attribute.String("venv", venv), attribute.Int("requirements", len(reqs)))
	defer func() { endSpan(span, err) }()

	rep, err := e.envs.Reconcile(ctx, venv, reqs, force)
	for _, w := range rep.Warnings {
		e.diagnose(ctx, res, StageVenv, w)
	}
	return err
}

func (e *Engine) submit(ctx context.Context, res *Result, spec Spec, venv, line string) (err error) {
	ctx, span := e.startSpan(ctx, "job.submit")
	defer func() { endSpan(span, err) }()

	rec := &res.Record
	partition := spec.Partition
	if partition == "" {
		partition = e.opts.DefaultPartition
	}
	script, err := slurm.Render(slurm.Script{
		JobName:   rec.JobName,
		Queue:     spec.Queue,
		Account:   spec.Account,
		Partition: partition,
		Nodes:     spec.Nodes,
		CPUs:      spec.CPUs,
		GPUs:      spec.GPUs,
		Exclusive: spec.Exclusive,
		OutFile:   rec.OutFile,
		ErrFile:   rec.ErrFile,
		Modules:   spec.EnvModules,
		VenvPath:  venv,
		ExecLine:  line,
	})
	if err != nil {
		return err
	}
	scriptPath := path.Join(rec.RemoteJobDir, rec.JobName+".slurm")
	if err := e.transfer.Put(ctx, []byte(script), scriptPath); err != nil {
		return fmt.Errorf("stage batch script: %w", err)
	}
	sub, err := e.scheduler.Submit(ctx, rec.RemoteJobDir, scriptPath)
	if err != nil {
		return err
	}
	rec.JobID = sub.JobID
	span.SetAttributes(attribute.String("job.id", rec.JobID))
	if remote.Dirty(sub.Stderr) {
		e.diagnose(ctx, res, StageSubmit, sub.Stderr)
	}
	if rec.JobID == UnknownJobID {
		e.diagnose(ctx, res, StageSubmit, "sbatch printed no job id: "+sub.Output)
	}
	e.meters.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "scheduled")))
	e.publish(ctx, events.New(events.TypeSubmitted, rec.JobName, rec.JobID))
	return nil
}

// watch blocks on the monitor. An interrupt or deadline cancels the job and
// still counts as terminal so cleanup runs.
func (e *Engine) watch(ctx context.Context, res *Result) (bool, error) {
	rec := res.Record
	wctx, span := e.startSpan(ctx, "job.watch", attribute.String("job.id", rec.JobID))
	defer span.End()

	m := e.newMonitor()
	m.OnPoll = func(p monitor.Poll) {
		evt := events.New(events.TypePoll, rec.JobName, rec.JobID)
		evt.State = string(p.State)
		evt.Sequence = p.Seq
		e.publish(ctx, evt)
	}
	outcome, err := m.Watch(wctx, rec.JobID, rec.OutFile, rec.ErrFile)
	res.State = string(outcome.State)
	e.meters.watched.Record(ctx, outcome.Elapsed.Seconds())
	switch {
	case err == nil:
		e.meters.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(outcome.State))))
		evt := events.New(events.TypeFinished, rec.JobName, rec.JobID)
		evt.State = string(outcome.State)
		e.publish(ctx, evt)
		return true, nil
	case errors.Is(err, remote.ErrConnection):
		span.RecordError(err)
		return false, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, monitor.ErrDeadline):
		res.Interrupted = true
		e.logger.Warn("watch interrupted, cancelling job", "job_id", rec.JobID, "reason", err)
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
		defer cancel()
		stderr, cerr := e.scheduler.Cancel(cctx, rec.JobID)
		switch {
		case cerr != nil:
			e.diagnose(cctx, res, StageCancel, cerr.Error())
		case stderr != "":
			e.diagnose(cctx, res, StageCancel, stderr)
		}
		e.publish(cctx, events.New(events.TypeCancelled, rec.JobName, rec.JobID))
		return true, nil
	default:
		e.diagnose(ctx, res, StageMonitor, err.Error())
		return false, nil
	}
}

func (e *Engine) runDirect(ctx context.Context, res *Result, venv, line string, watch bool) (err error) {
	ctx, span := e.startSpan(ctx, "job.direct")
	defer func() { endSpan(span, err) }()

	rec := &res.Record
	rec.JobID = DirectRunID
	cmd := DirectCommand(rec.RemoteJobDir, venv, line, rec.OutFile, rec.ErrFile)
	e.logger.Info("running in direct mode, blocking until the script ends", "job_name", rec.JobName)
	_, errOut, err := e.shell.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if remote.Dirty(errOut) {
		e.diagnose(ctx, res, StageDirect, errOut)
	}
	e.meters.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "direct")))
	e.meters.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(slurm.StateDone))))
	evt := events.New(events.TypeFinished, rec.JobName, rec.JobID)
	evt.State = string(slurm.StateDone)
	e.publish(ctx, evt)
	if watch {
		e.printLogs(ctx, *rec, true)
	}
	return nil
}

// DirectCommand runs line inside dir with the venv activated when present,
// redirecting its output to the job's log files.
func DirectCommand(dir, venv, line, outFile, errFile string) string {
	activate := remote.Quote(path.Join(venv, "bin", "activate"))
	return fmt.Sprintf("cd %s && if [ -f %s ]; then . %s; fi && %s > %s 2> %s",
		remote.Quote(dir), activate, activate, line, remote.Quote(outFile), remote.Quote(errFile))
}

func (e *Engine) cleanup(ctx context.Context, res *Result) (err error) {
	ctx, span := e.startSpan(ctx, "job.cleanup")
	defer func() { endSpan(span, err) }()

	rep, err := e.cleaner.Clean(ctx, res.Record.RemoteJobDir, res.Record.Outputs)
	if err != nil {
		if errors.Is(err, remote.ErrConnection) {
			return err
		}
		e.diagnose(ctx, res, StageCleanup, err.Error())
		return nil
	}
	for _, p := range rep.Escaped {
		e.diagnose(ctx, res, StageCleanup, fmt.Sprintf("keep path %q resolves outside %s", p, rep.Dir))
	}
	for _, w := range rep.Warnings {
		e.diagnose(ctx, res, StageCleanup, w)
	}
	evt := events.New(events.TypeCleaned, res.Record.JobName, res.Record.JobID)
	evt.Message = fmt.Sprintf("%d files deleted", len(rep.Deleted))
	e.publish(ctx, evt)
	return nil
}

func (e *Engine) fetchArtifacts(ctx context.Context, res *Result) {
	dest, err := e.FetchArtifacts(ctx, res.Record)
	if err != nil {
		e.diagnose(ctx, res, StageArtifacts, err.Error())
		return
	}
	e.logger.Info("training logs copied", "job_name", res.Record.JobName, "local", dest)
}

func remoteArtifactPath(rec Record) string {
	if strings.HasPrefix(rec.ArtifactDir, "/") {
		return path.Clean(rec.ArtifactDir)
	}
	return path.Join(rec.RemoteJobDir, rec.ArtifactDir)
}
