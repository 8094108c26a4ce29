// Package events publishes job lifecycle events. The engine never reads them
// back; they exist for operators and downstream tooling.
package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Type names a lifecycle transition.
type Type string

const (
	TypeShipped    Type = "shipped"
	TypeSubmitted  Type = "submitted"
	TypePoll       Type = "poll"
	TypeFinished   Type = "finished"
	TypeCancelled  Type = "cancelled"
	TypeCleaned    Type = "cleaned"
	TypeFetched    Type = "fetched"
	TypeDiagnostic Type = "diagnostic"
)

// Event is one lifecycle record.
type Event struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	JobName  string    `json:"job_name"`
	JobID    string    `json:"job_id,omitempty"`
	State    string    `json:"state,omitempty"`
	Message  string    `json:"message,omitempty"`
	Emitted  time.Time `json:"emitted_at"`
	Sequence int       `json:"sequence,omitempty"`
}

// New fills in the id and timestamp.
func New(t Type, jobName, jobID string) Event {
	return Event{ID: uuid.NewString(), Type: t, JobName: jobName, JobID: jobID, Emitted: time.Now().UTC()}
}

// Sink receives events. Publish failures are reported to the caller, which
// logs them; they never abort a job.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// LogSink writes events as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, evt Event) error {
	logger := s.Logger
	if logger == nil {
		logger = discardLogger
	}
	level := slog.LevelInfo
	switch evt.Type {
	case TypePoll:
		level = slog.LevelDebug
	case TypeDiagnostic:
		level = slog.LevelWarn
	}
	attrs := []any{"component", "events", "event", string(evt.Type), "job_name", evt.JobName}
	if evt.JobID != "" {
		attrs = append(attrs, "job_id", evt.JobID)
	}
	if evt.State != "" {
		attrs = append(attrs, "state", evt.State)
	}
	if evt.Message != "" {
		attrs = append(attrs, "message", evt.Message)
	}
	logger.Log(ctx, level, "job event", attrs...)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = Multi(nil)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
