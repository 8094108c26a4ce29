package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSOptions describe where events are published.
type NATSOptions struct {
	URL      string
	User     string
	Password string
	// SubjectPrefix defaults to "xbatch.jobs"; events go to
	// "<prefix>.<job name>.<type>".
	SubjectPrefix string
	// Stream, when set, makes the sink create or update a JetStream stream over
	// the prefix and publish through JetStream with de-duplication by event id.
	Stream     string
	MaxBytes   int64
	DupeWindow time.Duration
}

func (o *NATSOptions) setDefaults() {
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = "xbatch.jobs"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1024 * 1024 * 1024 // 1GB
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
}

// NATSSink publishes JSON-encoded events to NATS.
type NATSSink struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   NATSOptions
	logger *slog.Logger
}

// DialNATS connects and, when opts.Stream is set, ensures the stream exists.
func DialNATS(opts NATSOptions, logger *slog.Logger) (*NATSSink, error) {
	cfg := opts
	cfg.setDefaults()
	if logger == nil {
		logger = discardLogger
	}
	natsOpts := []nats.Option{nats.Name("xbatch")}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	s := &NATSSink{conn: conn, opts: cfg, logger: logger}
	if cfg.Stream != "" {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, err
		}
		s.js = js
		if err := s.ensureStream(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
		}
	}
	return s, nil
}

func (s *NATSSink) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:       s.opts.Stream,
		Subjects:   []string{s.opts.SubjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   s.opts.MaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: s.opts.DupeWindow,
	}
	if _, err := s.js.StreamInfo(cfg.Name); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := s.js.AddStream(cfg)
			return addErr
		}
		return err
	}
	_, err := s.js.UpdateStream(cfg)
	return err
}

// Subject returns the subject an event is published on.
func Subject(prefix string, evt Event) string {
	return prefix + "." + subjectToken(evt.JobName) + "." + string(evt.Type)
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

func (s *NATSSink) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	subject := Subject(s.opts.SubjectPrefix, evt)
	if s.js != nil {
		_, err = s.js.Publish(subject, payload, nats.MsgId(evt.ID), nats.Context(ctx))
		return err
	}
	return s.conn.Publish(subject, payload)
}

func (s *NATSSink) Close() {
	if s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			s.logger.Warn("nats drain", "component", "events", "err", err)
		}
		s.conn.Close()
	}
}
