package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

type failing struct{ err error }

func (f failing) Publish(context.Context, Event) error { return f.err }

type recorder struct{ got []Event }

func (r *recorder) Publish(_ context.Context, evt Event) error {
	r.got = append(r.got, evt)
	return nil
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	evt := New(TypeSubmitted, "job_20240101_000000_abc123", "4242")
	if err := sink.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"event=submitted", "job_id=4242", "component=events"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %q missing %q", out, want)
		}
	}
	buf.Reset()
	_ = sink.Publish(context.Background(), New(TypePoll, "j", "1"))
	if buf.Len() != 0 {
		t.Fatalf("poll events should log at debug: %q", buf.String())
	}
}

func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{}
	m := Multi{failing{boom}, nil, rec}
	err := m.Publish(context.Background(), New(TypeCleaned, "j", ""))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(rec.got) != 1 || rec.got[0].ID == "" {
		t.Fatalf("recorder = %+v", rec.got)
	}
	if err := Discard.Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("discard: %v", err)
	}
}

func TestSubject(t *testing.T) {
	evt := Event{JobName: "job.1 *x", Type: TypePoll}
	if got := Subject("xbatch.jobs", evt); got != "xbatch.jobs.job_1__x.poll" {
		t.Fatalf("subject = %q", got)
	}
	if got := Subject("p", Event{Type: TypeFinished}); got != "p._.finished" {
		t.Fatalf("subject = %q", got)
	}
}

func TestNATSSinkPublish(t *testing.T) {
	url := os.Getenv("XBATCH_TEST_NATS_URL")
	if url == "" {
		t.Skip("set XBATCH_TEST_NATS_URL to run")
	}
	sink, err := DialNATS(NATSOptions{URL: url}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sink.Close()
	if err := sink.Publish(context.Background(), New(TypeSubmitted, "job_test", "1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
