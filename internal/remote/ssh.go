package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/creack/pty"
	"golang.org/x/time/rate"
)

// sshExitTransport is the status ssh itself uses for connection and auth errors.
const sshExitTransport = 255

// SSHShell drives the system ssh and scp clients. Authentication is whatever the
// local ssh configuration provides (agent, identity files, ProxyJump).
type SSHShell struct {
	Host         string
	User         string
	Port         int
	IdentityFile string
	// ExtraArgs are appended to every ssh/scp invocation before the target.
	ExtraArgs []string
	// BenignMarker defaults to DefaultBenignMarker; set to "-" to disable filtering.
	BenignMarker string
	// PTY runs Stream under a local pseudo-terminal with a remote tty (ssh -tt),
	// so progress bars and line buffering behave as in an interactive login.
	PTY bool
	// Limiter, when set, throttles ssh/scp process launches.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

func (s *SSHShell) target() string {
	if s.User == "" {
		return s.Host
	}
	return s.User + "@" + s.Host
}

func (s *SSHShell) marker() string {
	switch s.BenignMarker {
	case "":
		return DefaultBenignMarker
	case "-":
		return ""
	default:
		return s.BenignMarker
	}
}

func (s *SSHShell) logger() *slog.Logger {
	if s.Logger == nil {
		return discardLogger
	}
	return s.Logger
}

func (s *SSHShell) baseArgs(portFlag string) []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "ServerAliveInterval=10",
		"-o", "ServerAliveCountMax=3",
	}
	if s.Port > 0 && s.Port != 22 {
		args = append(args, portFlag, strconv.Itoa(s.Port))
	}
	if s.IdentityFile != "" {
		args = append(args, "-i", s.IdentityFile)
	}
	return append(args, s.ExtraArgs...)
}

func (s *SSHShell) wait(ctx context.Context) error {
	if s.Limiter == nil {
		return nil
	}
	return s.Limiter.Wait(ctx)
}

func (s *SSHShell) Run(ctx context.Context, cmd string) (string, string, error) {
	if err := s.wait(ctx); err != nil {
		return "", "", err
	}
	args := append(s.baseArgs("-p"), s.target(), cmd)
	c := exec.CommandContext(ctx, "ssh", args...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	out := FilterBenign(stdout.String(), s.marker())
	errOut := FilterBenign(stderr.String(), s.marker())
	if err := s.transportError(ctx, err, errOut); err != nil {
		return out, errOut, err
	}
	return out, errOut, nil
}

func (s *SSHShell) Stream(ctx context.Context, cmd string, w io.Writer) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 1, err
	}
	if w == nil {
		w = io.Discard
	}
	base := s.baseArgs("-p")
	if s.PTY {
		args := append([]string{"-tt"}, base...)
		args = append(args, s.target(), cmd)
		return s.streamPTY(ctx, args, w)
	}
	args := append(base, s.target(), cmd)
	c := exec.CommandContext(ctx, "ssh", args...)
	fw := &filterWriter{dst: w, marker: s.marker()}
	c.Stdout = fw
	c.Stderr = fw
	err := c.Run()
	fw.Flush()
	code := exitCodeFromError(err)
	if terr := s.transportError(ctx, err, ""); terr != nil {
		return code, terr
	}
	return code, nil
}

func (s *SSHShell) streamPTY(ctx context.Context, args []string, w io.Writer) (int, error) {
	c := exec.CommandContext(ctx, "ssh", args...)
	f, err := pty.Start(c)
	if err != nil {
		return 1, fmt.Errorf("%w: start ssh: %v", ErrConnection, err)
	}
	defer f.Close()
	fw := &filterWriter{dst: w, marker: s.marker()}
	// Reading the pty master returns EIO once the child exits.
	_, _ = io.Copy(fw, f)
	fw.Flush()
	err = c.Wait()
	code := exitCodeFromError(err)
	if terr := s.transportError(ctx, err, ""); terr != nil {
		return code, terr
	}
	return code, nil
}

func (s *SSHShell) Upload(ctx context.Context, localPath, remotePath string) error {
	return s.scp(ctx, localPath, s.target()+":"+remotePath)
}

func (s *SSHShell) Download(ctx context.Context, remotePath, localPath string) error {
	return s.scp(ctx, s.target()+":"+remotePath, localPath)
}

func (s *SSHShell) scp(ctx context.Context, src, dst string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	args := append(s.baseArgs("-P"), "-q", src, dst)
	c := exec.CommandContext(ctx, "scp", args...)
	out, err := c.CombinedOutput()
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(FilterBenign(string(out), s.marker()))
	if terr := s.transportError(ctx, err, msg); terr != nil {
		return terr
	}
	return fmt.Errorf("scp %s %s: %w: %s", src, dst, err, msg)
}

func (s *SSHShell) ReadFile(ctx context.Context, remotePath string) string {
	data, err := s.ReadFrom(ctx, remotePath, 0)
	if err != nil {
		return unreadable(remotePath, err)
	}
	return string(data)
}

func (s *SSHShell) ReadFrom(ctx context.Context, remotePath string, offset int64) ([]byte, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	cmd := fmt.Sprintf("tail -c +%d %s", offset+1, Quote(remotePath))
	args := append(s.baseArgs("-p"), s.target(), cmd)
	c := exec.CommandContext(ctx, "ssh", args...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		if terr := s.transportError(ctx, err, stderr.String()); terr != nil {
			return nil, terr
		}
		return nil, fmt.Errorf("read %s: %s", remotePath, strings.TrimSpace(FilterBenign(stderr.String(), s.marker())))
	}
	return stdout.Bytes(), nil
}

// transportError separates ssh's own failures from the remote command's exit
// status, which is not an error at this layer.
func (s *SSHShell) transportError(ctx context.Context, err error, stderr string) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() != sshExitTransport {
			return nil
		}
		s.logger().Error("ssh transport failure", "component", "remote", "host", s.Host, "stderr", strings.TrimSpace(stderr))
		return fmt.Errorf("%w: %s: %s", ErrConnection, s.target(), strings.TrimSpace(stderr))
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// filterWriter forwards complete lines, dropping the ones that carry the
// benign marker. Partial lines are held until a newline or Flush.
type filterWriter struct {
	dst     io.Writer
	marker  string
	pending []byte
}

func (f *filterWriter) Write(p []byte) (int, error) {
	if f.marker == "" {
		return f.dst.Write(p)
	}
	f.pending = append(f.pending, p...)
	for {
		i := bytes.IndexByte(f.pending, '\n')
		if i < 0 {
			break
		}
		line := f.pending[:i+1]
		if !bytes.Contains(line, []byte(f.marker)) {
			if _, err := f.dst.Write(line); err != nil {
				return len(p), err
			}
		}
		f.pending = f.pending[i+1:]
	}
	return len(p), nil
}

func (f *filterWriter) Flush() {
	if len(f.pending) == 0 {
		return
	}
	if f.marker == "" || !bytes.Contains(f.pending, []byte(f.marker)) {
		_, _ = f.dst.Write(f.pending)
	}
	f.pending = nil
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
