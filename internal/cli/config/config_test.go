package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config, got %+v", cfg)
	}
	if cfg, err := Load("  "); err != nil || cfg != nil {
		t.Fatalf("blank path: cfg=%v err=%v", cfg, err)
	}
}

func TestSaveLoadResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config")
	cfg := &Config{
		CurrentContext: "hpc",
		Contexts: map[string]*Context{
			"hpc": {
				Host:             "login.cluster",
				Port:             2222,
				User:             "alice",
				RemoteBasePath:   "/scratch/alice/xbatch",
				DefaultPartition: "gpu",
				PollInterval:     10 * time.Second,
				SSHArgs:          []string{"-o", "ProxyJump=bastion"},
			},
			"lab": {Host: "lab-node"},
		},
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, name, err := loaded.Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "hpc" || ctx.Host != "login.cluster" || ctx.Port != 2222 {
		t.Fatalf("unexpected context %s: %+v", name, ctx)
	}
	if ctx.PollInterval != 10*time.Second {
		t.Fatalf("poll interval = %v", ctx.PollInterval)
	}
	if len(ctx.SSHArgs) != 2 || ctx.SSHArgs[1] != "ProxyJump=bastion" {
		t.Fatalf("ssh args = %v", ctx.SSHArgs)
	}

	ctx, name, err = loaded.Resolve("lab")
	if err != nil || name != "lab" || ctx.Host != "lab-node" {
		t.Fatalf("resolve lab: %+v %s %v", ctx, name, err)
	}

	_, name, err = loaded.Resolve("missing")
	if !errors.Is(err, ErrContextNotFound) {
		t.Fatalf("expected ErrContextNotFound, got %v", err)
	}
	if name != "missing" {
		t.Fatalf("name = %q", name)
	}
}

func TestResolveNilConfig(t *testing.T) {
	var cfg *Config
	ctx, name, err := cfg.Resolve("any")
	if ctx != nil || name != "" || err != nil {
		t.Fatalf("nil config resolve: %v %q %v", ctx, name, err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("contexts: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestDefaultConfigPathHonoursHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XBATCH_HOME", dir)
	if got := DefaultConfigPath(); got != filepath.Join(dir, "config") {
		t.Fatalf("DefaultConfigPath = %q", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandPath("~/x/config")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x", "config") {
		t.Fatalf("ExpandPath = %q", got)
	}
	if got, _ := ExpandPath("/etc/xbatch"); got != "/etc/xbatch" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
