// Package retention deletes a finished job's remote files while keeping its
// logs and the outputs the caller asked for.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/antonkrylov/xbatch/internal/remote"
)

// ErrUnsafeDir rejects job directories that are empty, relative or the root.
var ErrUnsafeDir = errors.New("refusing to clean directory")

// Report is the outcome of one Clean.
type Report struct {
	Dir string
	// Keep holds the normalised keep paths.
	Keep []string
	// Escaped lists keep paths that resolve outside Dir. They are still
	// excluded, which has no effect since find never visits them.
	Escaped []string
	// Deleted lists the files removed by the first pass.
	Deleted  []string
	Warnings []string
}

// Cleaner runs the two find passes over a Shell.
type Cleaner struct {
	Shell  remote.Shell
	Logger *slog.Logger
}

func (c *Cleaner) logger() *slog.Logger {
	if c.Logger == nil {
		return discardLogger
	}
	return c.Logger.With("component", "retention")
}

// Normalize resolves keep paths against dir. Relative paths are joined and
// cleaned; absolute paths are only cleaned. The second result lists entries
// that end up outside dir.
func Normalize(dir string, keep []string) (normalized, escaped []string) {
	dir = path.Clean(dir)
	seen := map[string]bool{}
	for _, k := range keep {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		var p string
		if path.IsAbs(k) {
			p = path.Clean(k)
		} else {
			p = path.Clean(path.Join(dir, k))
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		normalized = append(normalized, p)
		if p != dir && !strings.HasPrefix(p, dir+"/") {
			escaped = append(escaped, k)
		}
	}
	return normalized, escaped
}

// Exclusions expands each kept path p into p and p/* for find -path. Glob
// metacharacters in p are escaped so it only matches itself.
func Exclusions(keep []string) []string {
	out := make([]string, 0, 2*len(keep))
	for _, p := range keep {
		p = globEscaper.Replace(p)
		out = append(out, p, p+"/*")
	}
	return out
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// DeleteFilesCommand is the first pass: every regular file except logs and
// excluded paths.
func DeleteFilesCommand(dir string, exclusions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "find %s -type f ! -name '*.out' ! -name '*.err'", remote.Quote(dir))
	for _, e := range exclusions {
		b.WriteString(" ! -path ")
		b.WriteString(remote.Quote(e))
	}
	b.WriteString(" -print -delete")
	return b.String()
}

// DeleteEmptyDirsCommand is the second pass.
func DeleteEmptyDirsCommand(dir string) string {
	return fmt.Sprintf("find %s -type d -empty -delete", remote.Quote(dir))
}

func checkDir(dir string) error {
	clean := path.Clean(dir)
	if strings.TrimSpace(dir) == "" || !path.IsAbs(clean) || clean == "/" {
		return fmt.Errorf("%w: %q", ErrUnsafeDir, dir)
	}
	return nil
}

// Clean removes everything under dir except *.out, *.err and keep. Remote
// errors are reported as warnings; only transport failures are returned.
func (c *Cleaner) Clean(ctx context.Context, dir string, keep []string) (Report, error) {
	if err := checkDir(dir); err != nil {
		return Report{}, err
	}
	dir = path.Clean(dir)
	log := c.logger().With("dir", dir)
	rep := Report{Dir: dir}
	rep.Keep, rep.Escaped = Normalize(dir, keep)
	for _, e := range rep.Escaped {
		log.Warn("keep path resolves outside the job directory", "path", e)
	}

	out, errOut, err := c.Shell.Run(ctx, DeleteFilesCommand(dir, Exclusions(rep.Keep)))
	if err != nil {
		return rep, err
	}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			rep.Deleted = append(rep.Deleted, line)
		}
	}
	if remote.Dirty(errOut) {
		log.Warn("deleting files reported errors", "stderr", strings.TrimSpace(errOut))
		rep.Warnings = append(rep.Warnings, "delete files: "+strings.TrimSpace(errOut))
	}

	_, errOut, err = c.Shell.Run(ctx, DeleteEmptyDirsCommand(dir))
	if err != nil {
		return rep, err
	}
	if remote.Dirty(errOut) {
		log.Warn("deleting empty directories reported errors", "stderr", strings.TrimSpace(errOut))
		rep.Warnings = append(rep.Warnings, "delete empty dirs: "+strings.TrimSpace(errOut))
	}
	log.Info("job directory cleaned", "deleted", len(rep.Deleted), "kept", len(rep.Keep))
	return rep, nil
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
