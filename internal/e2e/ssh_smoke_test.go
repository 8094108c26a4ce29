package e2e_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antonkrylov/xbatch/internal/job"
	"github.com/antonkrylov/xbatch/internal/remote"
	"github.com/antonkrylov/xbatch/internal/slurm"
)

func TestE2E_SSHRemoteHost(t *testing.T) {
	target := strings.TrimSpace(os.Getenv("XBATCH_E2E_SSH_HOST"))
	if target == "" {
		t.Skip("set XBATCH_E2E_SSH_HOST (e.g. alice@login.cluster) to run")
	}
	base := strings.TrimSpace(os.Getenv("XBATCH_E2E_REMOTE_BASE"))
	if base == "" {
		base = fmt.Sprintf("/tmp/xbatch-e2e-%d", time.Now().UnixNano())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	sh := &remote.SSHShell{}
	if user, host, ok := strings.Cut(target, "@"); ok {
		sh.User, sh.Host = user, host
	} else {
		sh.Host = target
	}
	t.Cleanup(func() {
		_, _, _ = sh.Run(context.Background(), "rm -rf "+remote.Quote(base))
	})

	out, _, err := sh.Run(ctx, "echo session-ssh-ok")
	if err != nil || !strings.Contains(out, "session-ssh-ok") {
		t.Fatalf("expected shell output; err=%v stdout=%q", err, out)
	}
	if _, _, err := sh.Run(ctx, "mkdir -p "+remote.Quote(base)); err != nil {
		t.Fatalf("mkdir base: %v", err)
	}

	// scp round trip.
	local := filepath.Join(t.TempDir(), "payload.txt")
	if err := os.WriteFile(local, []byte("hello from xbatch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	remotePath := base + "/payload.txt"
	if err := sh.Upload(ctx, local, remotePath); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := sh.ReadFile(ctx, remotePath); got != "hello from xbatch\n" {
		t.Fatalf("read back %q", got)
	}
	back := filepath.Join(t.TempDir(), "back.txt")
	if err := sh.Download(ctx, remotePath, back); err != nil {
		t.Fatalf("download: %v", err)
	}
	if data, _ := os.ReadFile(back); string(data) != "hello from xbatch\n" {
		t.Fatalf("downloaded %q", data)
	}
	tail, err := sh.ReadFrom(ctx, remotePath, 6)
	if err != nil || string(tail) != "from xbatch\n" {
		t.Fatalf("read from offset: %q %v", tail, err)
	}
	if got := sh.ReadFile(ctx, base+"/absent"); !strings.Contains(got, "does not exist or is not readable") {
		t.Fatalf("expected placeholder, got %q", got)
	}

	var streamed bytes.Buffer
	code, err := sh.Stream(ctx, "echo streamed-ok; exit 3", &streamed)
	if err != nil || code != 3 || !strings.Contains(streamed.String(), "streamed-ok") {
		t.Fatalf("stream: code=%d err=%v out=%q", code, err, streamed.String())
	}

	// Full lifecycle. "true" stands in for python so the host needs no
	// interpreter; sbatch decides between scheduled and direct mode.
	codeDir := filepath.Join(t.TempDir(), "app")
	if err := os.MkdirAll(codeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(codeDir, "main.py"), []byte("def run():\n    return 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	probe, _, err := sh.Run(ctx, "command -v sbatch >/dev/null 2>&1 && echo yes")
	if err != nil {
		t.Fatalf("probe sbatch: %v", err)
	}
	hasSlurm := strings.TrimSpace(probe) == "yes"

	engine, err := job.Open(ctx, job.Options{
		Shell:          sh,
		RemoteBasePath: base + "/jobs",
		PollInterval:   2 * time.Second,
		Deadline:       3 * time.Minute,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := engine.Run(ctx, job.Spec{
		Module:      "app.main",
		Function:    "run",
		CodeDir:     codeDir,
		Interpreter: "true",
		Direct:      !hasSlurm,
		Watch:       true,
		Cleanup:     true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if hasSlurm {
		if !res.Record.Scheduled() {
			t.Fatalf("expected a scheduler id, got %q (diagnostics %v)", res.Record.JobID, res.Diagnostics)
		}
		if res.Interrupted || !slurm.State(res.State).Terminal() {
			t.Fatalf("job did not finish: %+v", res)
		}
	} else if res.Record.JobID != job.DirectRunID {
		t.Fatalf("expected direct run, got %q", res.Record.JobID)
	}

	out, _, err = sh.Run(ctx, "find "+remote.Quote(res.Record.RemoteJobDir)+" -type f")
	if err != nil {
		t.Fatalf("list job dir: %v", err)
	}
	for _, line := range strings.Fields(out) {
		if !strings.HasSuffix(line, ".out") && !strings.HasSuffix(line, ".err") {
			t.Fatalf("cleanup left %s behind", line)
		}
	}
}
