package retention

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/antonkrylov/xbatch/internal/remote"
	"github.com/antonkrylov/xbatch/internal/remote/remotetest"
)

func TestNormalizeAndExclusions(t *testing.T) {
	keep, escaped := Normalize("/jobs/j1", []string{"outputs/model.pt", "./outputs/model.pt", "/data/shared", "", "../escape"})
	wantKeep := []string{"/jobs/j1/outputs/model.pt", "/data/shared", "/jobs/escape"}
	if !reflect.DeepEqual(keep, wantKeep) {
		t.Fatalf("keep = %v, want %v", keep, wantKeep)
	}
	if !reflect.DeepEqual(escaped, []string{"/data/shared", "../escape"}) {
		t.Fatalf("escaped = %v", escaped)
	}
	ex := Exclusions(keep[:1])
	if !reflect.DeepEqual(ex, []string{"/jobs/j1/outputs/model.pt", "/jobs/j1/outputs/model.pt/*"}) {
		t.Fatalf("exclusions = %v", ex)
	}
	ex = Exclusions([]string{`/jobs/run[1]/a*b?\c`})
	want := []string{`/jobs/run\[1\]/a\*b\?\\c`, `/jobs/run\[1\]/a\*b\?\\c/*`}
	if !reflect.DeepEqual(ex, want) {
		t.Fatalf("escaped exclusions = %v, want %v", ex, want)
	}
}

func TestDeleteFilesCommand(t *testing.T) {
	got := DeleteFilesCommand("/jobs/j1", Exclusions([]string{"/jobs/j1/outputs/model.pt"}))
	want := "find '/jobs/j1' -type f ! -name '*.out' ! -name '*.err' ! -path '/jobs/j1/outputs/model.pt' ! -path '/jobs/j1/outputs/model.pt/*' -print -delete"
	if got != want {
		t.Fatalf("command =\n%s\nwant\n%s", got, want)
	}
}

func TestCleanPassOrder(t *testing.T) {
	sh := remotetest.New().On("-type f", remotetest.Reply{Stdout: "/jobs/j1/a.py\n/jobs/j1/j1.slurm\n"})
	c := &Cleaner{Shell: sh}
	rep, err := c.Clean(context.Background(), "/jobs/j1/", []string{"outputs"})
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	cmds := sh.Commands()
	if len(cmds) != 2 || !strings.Contains(cmds[0], "-type f") || cmds[1] != "find '/jobs/j1' -type d -empty -delete" {
		t.Fatalf("commands = %v", cmds)
	}
	if len(rep.Deleted) != 2 {
		t.Fatalf("deleted = %v", rep.Deleted)
	}
}

func TestCleanRefusesUnsafeDirs(t *testing.T) {
	c := &Cleaner{Shell: remotetest.New()}
	for _, dir := range []string{"", "/", "relative/dir", "/.."} {
		if _, err := c.Clean(context.Background(), dir, nil); !errors.Is(err, ErrUnsafeDir) {
			t.Fatalf("Clean(%q) err = %v", dir, err)
		}
	}
}

func TestCleanWithFind(t *testing.T) {
	if _, err := exec.LookPath("find"); err != nil {
		t.Skip("find not available")
	}
	dir := filepath.Join(t.TempDir(), "run[1]", "job_1")
	files := map[string]string{
		"results[0].csv":    "kept table",
		"results0.csv":      "scratch table",
		"job_1.out":         "stdout",
		"job_1.err":         "stderr",
		"job_1.slurm":       "#!/bin/bash",
		"entry_script.py":   "shim",
		"proj/main.py":      "code",
		"outputs/model.pt":  "weights",
		"outputs/other.bin": "tmp",
		"results/a/b.txt":   "metrics",
		"nested/run.out":    "kept log",
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	c := &Cleaner{Shell: &remote.LocalShell{}}
	ctx := context.Background()
	rep, err := c.Clean(ctx, dir, []string{"outputs/model.pt", "results", "results[0].csv", "../escape"})
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if len(rep.Escaped) != 1 || len(rep.Warnings) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	for _, kept := range []string{"job_1.out", "job_1.err", "outputs/model.pt", "results/a/b.txt", "results[0].csv", "nested/run.out"} {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(kept))); err != nil {
			t.Fatalf("%s should survive: %v", kept, err)
		}
	}
	for _, gone := range []string{"job_1.slurm", "entry_script.py", "proj", "outputs/other.bin", "results0.csv"} {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(gone))); !os.IsNotExist(err) {
			t.Fatalf("%s should be deleted: %v", gone, err)
		}
	}
	if len(rep.Deleted) != 5 {
		t.Fatalf("deleted = %v", rep.Deleted)
	}

	again, err := c.Clean(ctx, dir, []string{"outputs/model.pt", "results", "results[0].csv"})
	if err != nil {
		t.Fatalf("second clean: %v", err)
	}
	if len(again.Deleted) != 0 {
		t.Fatalf("second run deleted %v", again.Deleted)
	}
}
