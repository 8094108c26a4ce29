package client

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	cliconfig "github.com/antonkrylov/xbatch/internal/cli/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"XBATCH_SSH_HOST", "XBATCH_SSH_USER", "XBATCH_SSH_PORT", "XBATCH_SSH_KEYFILE", "XBATCH_REMOTE_BASE_PATH"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	cfg := &cliconfig.Config{
		CurrentContext: "hpc",
		Contexts: map[string]*cliconfig.Context{
			"hpc": {
				Host:           "login.cluster",
				User:           "alice",
				Port:           2222,
				RemoteBasePath: "/scratch/alice",
				PollInterval:   30 * time.Second,
				SSHArgs:        []string{"-o", "ProxyJump=bastion"},
			},
		},
	}
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveConnectionPrecedence(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t)
	t.Setenv("XBATCH_SSH_HOST", "env-host")
	t.Setenv("XBATCH_SSH_KEYFILE", "/keys/id")

	conn, err := ResolveConnection(path, "", Connection{User: "bob"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.User != "bob" {
		t.Fatalf("flag should win, user = %q", conn.User)
	}
	if conn.Host != "login.cluster" || conn.Port != 2222 {
		t.Fatalf("config should beat env: %s:%d", conn.Host, conn.Port)
	}
	if conn.IdentityFile != "/keys/id" {
		t.Fatalf("env should fill gaps, identity = %q", conn.IdentityFile)
	}
	if conn.PollInterval != 30*time.Second {
		t.Fatalf("poll = %v", conn.PollInterval)
	}
	if conn.ContextName != "hpc" {
		t.Fatalf("context name = %q", conn.ContextName)
	}
	if conn.Target() != "bob@login.cluster" {
		t.Fatalf("target = %q", conn.Target())
	}
}

func TestResolveConnectionEnvAndDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XBATCH_SSH_HOST", "env-host")
	t.Setenv("XBATCH_REMOTE_BASE_PATH", "/work/jobs")

	conn, err := ResolveConnection(filepath.Join(t.TempDir(), "absent"), "", Connection{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.Host != "env-host" || conn.RemoteBasePath != "/work/jobs" {
		t.Fatalf("unexpected %+v", conn)
	}
	if conn.Port != DefaultPort || conn.PollInterval != DefaultPollInterval {
		t.Fatalf("defaults not applied: %+v", conn)
	}
	if conn.Target() != "env-host" {
		t.Fatalf("target = %q", conn.Target())
	}
}

func TestResolveConnectionErrors(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t)
	if _, err := ResolveConnection(path, "nope", Connection{}); !errors.Is(err, cliconfig.ErrContextNotFound) {
		t.Fatalf("expected ErrContextNotFound, got %v", err)
	}
	t.Setenv("XBATCH_SSH_PORT", "ssh")
	if _, err := ResolveConnection("", "", Connection{}); err == nil {
		t.Fatalf("expected invalid port error")
	}
}
