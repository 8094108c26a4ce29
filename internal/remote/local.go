package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// LocalShell runs commands with sh on this machine. It backs the "local"
// transport (a login node used as the submission host) and the tests.
type LocalShell struct {
	// Shell defaults to "sh".
	Shell        string
	BenignMarker string
	// Env is appended to the process environment of every command.
	Env []string
}

func (l *LocalShell) shell() string {
	if l.Shell == "" {
		return "sh"
	}
	return l.Shell
}

func (l *LocalShell) command(ctx context.Context, cmd string) *exec.Cmd {
	c := exec.CommandContext(ctx, l.shell(), "-c", cmd)
	if len(l.Env) > 0 {
		c.Env = append(os.Environ(), l.Env...)
	}
	return c
}

func (l *LocalShell) Run(ctx context.Context, cmd string) (string, string, error) {
	c := l.command(ctx, cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	out := FilterBenign(stdout.String(), l.BenignMarker)
	errOut := FilterBenign(stderr.String(), l.BenignMarker)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return out, errOut, ctx.Err()
		}
		return out, errOut, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return out, errOut, nil
}

func (l *LocalShell) Stream(ctx context.Context, cmd string, w io.Writer) (int, error) {
	if w == nil {
		w = io.Discard
	}
	c := l.command(ctx, cmd)
	fw := &filterWriter{dst: w, marker: l.BenignMarker}
	c.Stdout = fw
	c.Stderr = fw
	err := c.Run()
	fw.Flush()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return 1, ctx.Err()
		}
		return 1, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return exitCodeFromError(err), nil
}

func (l *LocalShell) Upload(_ context.Context, localPath, remotePath string) error {
	return copyFile(localPath, remotePath)
}

func (l *LocalShell) Download(_ context.Context, remotePath, localPath string) error {
	return copyFile(remotePath, localPath)
}

func (l *LocalShell) ReadFile(_ context.Context, remotePath string) string {
	data, err := os.ReadFile(remotePath)
	if err != nil {
		return unreadable(remotePath, err)
	}
	return string(data)
}

func (l *LocalShell) ReadFrom(_ context.Context, remotePath string, offset int64) ([]byte, error) {
	f, err := os.Open(remotePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}
	return io.ReadAll(f)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
