package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultBenignMarker is the module-system warning some HPC login nodes print on
// every non-interactive session. Lines containing it are never surfaced.
const DefaultBenignMarker = "bsc/1.0"

// ErrConnection marks transport-level failures (unreachable host, rejected
// credentials, missing ssh binary). Callers treat it as fatal.
var ErrConnection = errors.New("remote connection failed")

// Shell runs commands and moves files on the compute host. One Shell is used per
// job lifecycle; implementations are not required to be safe for concurrent use.
type Shell interface {
	// Run executes cmd and returns its captured output. A non-zero remote exit
	// status is not an error; only transport failures are.
	Run(ctx context.Context, cmd string) (stdout, stderr string, err error)
	// Stream executes cmd and forwards output to w as it arrives.
	Stream(ctx context.Context, cmd string, w io.Writer) (exitCode int, err error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	// ReadFile never fails; an unreadable file yields a placeholder string.
	ReadFile(ctx context.Context, remotePath string) string
	// ReadFrom returns the bytes of remotePath starting at offset.
	ReadFrom(ctx context.Context, remotePath string, offset int64) ([]byte, error)
}

// FilterBenign drops every line that contains marker.
func FilterBenign(s, marker string) string {
	if marker == "" || !strings.Contains(s, marker) {
		return s
	}
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, line := range lines {
		if strings.Contains(line, marker) {
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}

// Dirty reports whether stderr carries something worth logging.
func Dirty(stderr string) bool {
	return strings.TrimSpace(stderr) != ""
}

// Quote single-quotes s for POSIX shells.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func unreadable(path string, err error) string {
	return fmt.Sprintf("[remote.ReadFile] file %s does not exist or is not readable: %v", path, err)
}
