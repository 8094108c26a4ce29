package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/antonkrylov/xbatch/internal/remote"
	"github.com/antonkrylov/xbatch/internal/remote/remotetest"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestWriteExtract(t *testing.T) {
	for _, codec := range []Codec{Gzip, Zstd} {
		t.Run(string(codec), func(t *testing.T) {
			src := filepath.Join(t.TempDir(), "mypkg")
			writeTree(t, src, map[string]string{
				"__init__.py":           "",
				"train.py":              "def main():\n    pass\n",
				"sub/util.py":           "X = 1\n",
				"__pycache__/train.pyc": "junk",
				"sub/__pycache__/u.pyc": "junk",
			})
			out := filepath.Join(t.TempDir(), codec.ArchiveName())
			if err := Write(out, src, codec, Options{Exclude: []string{"__pycache__"}}); err != nil {
				t.Fatalf("write: %v", err)
			}
			dest := t.TempDir()
			if err := Extract(out, dest, codec); err != nil {
				t.Fatalf("extract: %v", err)
			}
			got, err := os.ReadFile(filepath.Join(dest, "mypkg", "sub", "util.py"))
			if err != nil || string(got) != "X = 1\n" {
				t.Fatalf("util.py = %q, %v", got, err)
			}
			if _, err := os.Stat(filepath.Join(dest, "mypkg", "__pycache__")); !os.IsNotExist(err) {
				t.Fatalf("excluded directory was archived: %v", err)
			}
		})
	}
}

func TestExtractRejectsEscapes(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	body := []byte("owned")
	if err := tw.WriteHeader(&tar.Header{Name: "../evil.txt", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	_, _ = tw.Write(body)
	_ = tw.Close()
	_ = gw.Close()

	dir := t.TempDir()
	archive := filepath.Join(dir, "bad.tar.gz")
	if err := os.WriteFile(archive, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(dir, "out")
	if err := Extract(archive, dest, Gzip); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("err = %v, want ErrUnsafePath", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "evil.txt")); !os.IsNotExist(err) {
		t.Fatalf("file escaped destination")
	}
}

func TestShipCommands(t *testing.T) {
	src := filepath.Join(t.TempDir(), "proj")
	writeTree(t, src, map[string]string{"main.py": "print(1)\n"})
	sh := remotetest.New().On("tar -xzf", remotetest.Reply{Stderr: "tar: warning\n"})
	tr := &Transfer{Shell: sh}

	res, err := tr.Ship(context.Background(), src, "/jobs/job_1")
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if res.ArchivePath != "/jobs/job_1/project.tar.gz" {
		t.Fatalf("archive path = %q", res.ArchivePath)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %v", res.Warnings)
	}
	cmds := sh.Commands()
	if len(cmds) != 2 || cmds[0] != "mkdir -p '/jobs/job_1'" || cmds[1] != "cd '/jobs/job_1' && tar -xzf 'project.tar.gz'" {
		t.Fatalf("commands = %v", cmds)
	}
	if _, ok := sh.Uploaded("/jobs/job_1/project.tar.gz"); !ok {
		t.Fatalf("archive not uploaded")
	}
}

func TestShipMissingCodeDir(t *testing.T) {
	tr := &Transfer{Shell: remotetest.New()}
	if _, err := tr.Ship(context.Background(), filepath.Join(t.TempDir(), "nope"), "/jobs/x"); err == nil {
		t.Fatalf("expected error for missing code dir")
	}
}

func TestShipAndFetchLocal(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}
	src := filepath.Join(t.TempDir(), "proj")
	writeTree(t, src, map[string]string{"main.py": "print(1)\n"})
	remoteRoot := t.TempDir()
	jobDir := filepath.Join(remoteRoot, "job_1")
	tr := &Transfer{Shell: &remote.LocalShell{}}
	ctx := context.Background()

	if _, err := tr.Ship(ctx, src, jobDir); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if _, err := os.Stat(filepath.Join(jobDir, "proj", "main.py")); err != nil {
		t.Fatalf("code not extracted remotely: %v", err)
	}

	writeTree(t, jobDir, map[string]string{"logs/epoch1.txt": "loss=0.1\n"})
	dest := filepath.Join(t.TempDir(), "logs", "job_1")
	if err := tr.Fetch(ctx, filepath.Join(jobDir, "logs"), dest); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "logs", "epoch1.txt"))
	if err != nil || !strings.Contains(string(got), "loss=0.1") {
		t.Fatalf("fetched file = %q, %v", got, err)
	}
}

func TestPut(t *testing.T) {
	sh := remotetest.New()
	tr := &Transfer{Shell: sh}
	if err := tr.Put(context.Background(), []byte("#!/bin/bash\n"), "/jobs/j/j.slurm"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if data, ok := sh.Uploaded("/jobs/j/j.slurm"); !ok || string(data) != "#!/bin/bash\n" {
		t.Fatalf("uploaded = %q, %v", data, ok)
	}
}
