// Package bundle packages a local code tree for the compute host and brings
// remote directories back.
package bundle

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/antonkrylov/xbatch/internal/remote"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec selects the archive compression.
type Codec string

const (
	Gzip Codec = "gzip"
	Zstd Codec = "zstd"
)

var ErrUnsafePath = errors.New("archive entry escapes destination")

func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	default:
		return "", fmt.Errorf("invalid codec %q (use gzip|zstd)", s)
	}
}

// ArchiveName is the file name used for a project archive on the remote side.
func (c Codec) ArchiveName() string {
	if c == Zstd {
		return "project.tar.zst"
	}
	return "project.tar.gz"
}

// ExtractCommand unpacks name in the current directory with the host's tar.
func (c Codec) ExtractCommand(name string) string {
	q := remote.Quote(name)
	if c == Zstd {
		return "zstd -dcq " + q + " | tar -xf -"
	}
	return "tar -xzf " + q
}

// PackCommand archives dir/base into out with the host's tar.
func (c Codec) PackCommand(out, dir, base string) string {
	if c == Zstd {
		return fmt.Sprintf("tar -cf - -C %s %s | zstd -q -f -o %s", remote.Quote(dir), remote.Quote(base), remote.Quote(out))
	}
	return fmt.Sprintf("tar -czf %s -C %s %s", remote.Quote(out), remote.Quote(dir), remote.Quote(base))
}

func (c Codec) writer(w io.Writer) (io.WriteCloser, error) {
	if c == Zstd {
		return zstd.NewWriter(w)
	}
	return gzip.NewWriter(w), nil
}

func (c Codec) reader(r io.Reader) (io.ReadCloser, error) {
	if c == Zstd {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr, nil
}

// Options tune archive creation.
type Options struct {
	// Exclude holds base-name glob patterns (path.Match syntax) skipped while
	// walking, e.g. "__pycache__" or "*.pyc".
	Exclude []string
}

func (o Options) excluded(name string) bool {
	for _, pat := range o.Exclude {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// Write archives srcDir into outPath. Entries are stored under the base name
// of srcDir so extraction recreates the directory itself.
func Write(outPath, srcDir string, codec Codec, opts Options) (err error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat code dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("code dir %s is not a directory", srcDir)
	}
	root := filepath.Base(filepath.Clean(srcDir))

	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	cw, err := codec.writer(f)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)

	walkErr := filepath.WalkDir(srcDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != srcDir && opts.excluded(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		name := root
		if rel != "." {
			name = root + "/" + filepath.ToSlash(rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})
	if walkErr != nil {
		return fmt.Errorf("archive %s: %w", srcDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return cw.Close()
}

// Extract unpacks archivePath into destDir. Entries that would land outside
// destDir, and symlinks pointing outside it, are rejected.
func Extract(archivePath, destDir string, codec Codec) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	cr, err := codec.reader(f)
	if err != nil {
		return fmt.Errorf("open %s archive: %w", codec, err)
	}
	defer cr.Close()
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	root, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}

	tr := tar.NewReader(cr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		target, err := resolve(root, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			dest := hdr.Linkname
			if !filepath.IsAbs(dest) {
				dest = filepath.Join(filepath.Dir(target), dest)
			}
			if _, err := resolve(root, relTo(root, dest)); err != nil {
				return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// Devices, fifos and hard links are not part of a code tree.
		}
	}
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// resolve joins name onto root and refuses anything outside it.
func resolve(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(root, clean)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func relTo(root, p string) string {
	rel, err := filepath.Rel(root, filepath.Clean(p))
	if err != nil {
		return ".."
	}
	return rel
}
