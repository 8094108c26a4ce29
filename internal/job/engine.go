// Package job runs the remote job lifecycle: ship code, prepare the
// environment, submit or execute, watch, cancel and clean up.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/antonkrylov/xbatch/internal/bundle"
	"github.com/antonkrylov/xbatch/internal/envsync"
	"github.com/antonkrylov/xbatch/internal/events"
	"github.com/antonkrylov/xbatch/internal/monitor"
	"github.com/antonkrylov/xbatch/internal/observability"
	"github.com/antonkrylov/xbatch/internal/remote"
	"github.com/antonkrylov/xbatch/internal/retention"
	"github.com/antonkrylov/xbatch/internal/slurm"
)

// ErrNoSchedulerID is returned for operations that need a scheduler job id
// when the record holds a sentinel.
var ErrNoSchedulerID = errors.New("record has no scheduler job id")

const (
	pingReply     = "ping_ok"
	cancelTimeout = 30 * time.Second
)

// Options configure an Engine.
type Options struct {
	Shell          remote.Shell
	RemoteBasePath string
	// DefaultPartition applies when a Spec names none; empty means "debug".
	DefaultPartition string

	Codec   bundle.Codec
	Exclude []string

	// VenvPython creates virtual environments; defaults to "python".
	VenvPython string
	VenvLock   bool

	PollInterval time.Duration
	// Deadline bounds a watch; zero waits for a terminal state.
	Deadline time.Duration

	// LocalArtifactRoot receives fetched training logs; defaults to "logs".
	LocalArtifactRoot string
	TempDir           string

	// Output receives user-facing progress: streamed pip output, tailed logs,
	// the status line. Nil discards it.
	Output io.Writer
	Events events.Sink
	Logger *slog.Logger

	now func() time.Time
}

// Engine is one session against a compute host. Operations on the same
// Engine are not meant to run concurrently.
type Engine struct {
	opts      Options
	shell     remote.Shell
	transfer  *bundle.Transfer
	scheduler *slurm.Client
	cleaner   *retention.Cleaner
	envs      *envsync.Reconciler
	events    events.Sink
	base      *slog.Logger
	logger    *slog.Logger
	tracer    trace.Tracer
	meters    instruments
}

type instruments struct {
	submitted   metric.Int64Counter
	finished    metric.Int64Counter
	diagnostics metric.Int64Counter
	watched     metric.Float64Histogram
}

func newInstruments(logger *slog.Logger) instruments {
	meter := observability.Meter("github.com/antonkrylov/xbatch/internal/job")
	var ins instruments
	var err error
	if ins.submitted, err = meter.Int64Counter("xbatch_jobs_submitted",
		metric.WithDescription("Jobs handed to the scheduler or run directly")); err != nil {
		logger.Warn("register metric", "metric", "xbatch_jobs_submitted", "err", err)
	}
	if ins.finished, err = meter.Int64Counter("xbatch_jobs_finished",
		metric.WithDescription("Jobs observed in a terminal state")); err != nil {
		logger.Warn("register metric", "metric", "xbatch_jobs_finished", "err", err)
	}
	if ins.diagnostics, err = meter.Int64Counter("xbatch_remote_diagnostics",
		metric.WithDescription("Non-fatal remote errors by pipeline stage")); err != nil {
		logger.Warn("register metric", "metric", "xbatch_remote_diagnostics", "err", err)
	}
	if ins.watched, err = meter.Float64Histogram("xbatch_job_watch_seconds",
		metric.WithDescription("Time spent watching a job"), metric.WithUnit("s")); err != nil {
		logger.Warn("register metric", "metric", "xbatch_job_watch_seconds", "err", err)
	}
	return ins
}

// Open checks that the host answers and that the base path exists, then
// returns a ready Engine. An unreachable host yields remote.ErrConnection.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Shell == nil {
		return nil, errors.New("job: shell is required")
	}
	if strings.TrimSpace(opts.RemoteBasePath) == "" {
		return nil, errors.New("job: remote base path is required")
	}
	e := New(opts)

	out, _, err := e.shell.Run(ctx, "echo '"+pingReply+"'")
	if err != nil {
		return nil, fmt.Errorf("ping host: %w", err)
	}
	if !strings.Contains(out, pingReply) {
		return nil, fmt.Errorf("%w: unexpected ping reply %q", remote.ErrConnection, strings.TrimSpace(out))
	}
	_, errOut, err := e.shell.Run(ctx, "mkdir -p "+remote.Quote(opts.RemoteBasePath))
	if err != nil {
		return nil, err
	}
	if remote.Dirty(errOut) {
		e.logger.Warn("could not create remote base path", "path", opts.RemoteBasePath, "stderr", strings.TrimSpace(errOut))
	}
	e.logger.Info("session ready", "remote_base_path", opts.RemoteBasePath)
	return e, nil
}

// New builds an Engine without touching the host. Open is the usual entry
// point; New serves commands that operate on an existing record.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger
	}
	componentLogger := logger.With("component", "job")
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.LocalArtifactRoot == "" {
		opts.LocalArtifactRoot = "logs"
	}
	return &Engine{
		opts:  opts,
		shell: opts.Shell,
		transfer: &bundle.Transfer{
			Shell:   opts.Shell,
			Codec:   opts.Codec,
			Options: bundle.Options{Exclude: opts.Exclude},
			TempDir: opts.TempDir,
			Logger:  logger,
		},
		scheduler: &slurm.Client{Shell: opts.Shell, Logger: logger},
		cleaner:   &retention.Cleaner{Shell: opts.Shell, Logger: logger},
		envs: &envsync.Reconciler{
			Shell:  opts.Shell,
			Python: opts.VenvPython,
			Lock:   opts.VenvLock,
			Output: opts.Output,
			Logger: logger,
		},
		events: opts.Events,
		base:   logger,
		logger: componentLogger,
		tracer: observability.Tracer("github.com/antonkrylov/xbatch/internal/job"),
		meters: newInstruments(componentLogger),
	}
}

func (e *Engine) now() time.Time {
	if e.opts.now != nil {
		return e.opts.now()
	}
	return time.Now()
}

func (e *Engine) newMonitor() *monitor.Monitor {
	return &monitor.Monitor{
		States:   e.scheduler,
		Files:    e.shell,
		Interval: e.opts.PollInterval,
		Deadline: e.opts.Deadline,
		Output:   e.opts.Output,
		Logger:   e.base,
	}
}

func (e *Engine) publish(ctx context.Context, evt events.Event) {
	if err := e.events.Publish(ctx, evt); err != nil {
		e.logger.Warn("publish event", "event", string(evt.Type), "err", err)
	}
}

// diagnose records a non-fatal remote error on res.
func (e *Engine) diagnose(ctx context.Context, res *Result, stage Stage, msg string) {
	msg = strings.TrimSpace(msg)
	res.Diagnostics = append(res.Diagnostics, Diagnostic{Stage: stage, Message: msg})
	e.meters.diagnostics.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
	e.logger.Warn("remote step reported errors", "stage", string(stage), "job_name", res.Record.JobName, "message", msg)
	evt := events.New(events.TypeDiagnostic, res.Record.JobName, res.Record.JobID)
	evt.Message = string(stage) + ": " + msg
	e.publish(ctx, evt)
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
