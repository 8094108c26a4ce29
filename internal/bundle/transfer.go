package bundle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/antonkrylov/xbatch/internal/remote"
)

// Transfer moves archives between this machine and the compute host.
type Transfer struct {
	Shell   remote.Shell
	Codec   Codec
	Options Options
	// TempDir is where local archives are staged; empty means os.TempDir.
	TempDir string
	Logger  *slog.Logger
}

// ShipResult reports a completed Ship. Warnings hold remote errors that did not
// stop the transfer, such as noise from tar on extraction.
type ShipResult struct {
	ArchivePath string
	Warnings    []string
}

func (t *Transfer) logger() *slog.Logger {
	if t.Logger == nil {
		return discardLogger
	}
	return t.Logger.With("component", "bundle")
}

func (t *Transfer) codec() Codec {
	if t.Codec == "" {
		return Gzip
	}
	return t.Codec
}

// Ship archives codeDir locally, creates remoteDir, uploads the archive into it
// and unpacks it there. Local archive errors and transport failures are
// returned; remote command errors become warnings.
func (t *Transfer) Ship(ctx context.Context, codeDir, remoteDir string) (ShipResult, error) {
	log := t.logger()
	codec := t.codec()
	tmp, err := os.MkdirTemp(t.TempDir, "xbatch-bundle-")
	if err != nil {
		return ShipResult{}, fmt.Errorf("stage archive: %w", err)
	}
	defer os.RemoveAll(tmp)

	local := filepath.Join(tmp, codec.ArchiveName())
	if err := Write(local, codeDir, codec, t.Options); err != nil {
		return ShipResult{}, fmt.Errorf("package %s: %w", codeDir, err)
	}

	res := ShipResult{ArchivePath: path.Join(remoteDir, codec.ArchiveName())}
	if _, errOut, err := t.Shell.Run(ctx, "mkdir -p "+remote.Quote(remoteDir)); err != nil {
		return res, err
	} else if remote.Dirty(errOut) {
		res.Warnings = append(res.Warnings, "mkdir: "+strings.TrimSpace(errOut))
	}
	if err := t.Shell.Upload(ctx, local, res.ArchivePath); err != nil {
		return res, fmt.Errorf("upload archive: %w", err)
	}
	cmd := fmt.Sprintf("cd %s && %s", remote.Quote(remoteDir), codec.ExtractCommand(codec.ArchiveName()))
	_, errOut, err := t.Shell.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if remote.Dirty(errOut) {
		log.Warn("remote extraction reported errors", "dir", remoteDir, "stderr", strings.TrimSpace(errOut))
		res.Warnings = append(res.Warnings, "extract: "+strings.TrimSpace(errOut))
	}
	log.Info("code shipped", "code_dir", codeDir, "remote_dir", remoteDir, "codec", string(codec))
	return res, nil
}

// Put writes data to a local temp file and uploads it to remotePath.
func (t *Transfer) Put(ctx context.Context, data []byte, remotePath string) error {
	f, err := os.CreateTemp(t.TempDir, "xbatch-put-")
	if err != nil {
		return err
	}
	name := f.Name()
	defer os.Remove(name)
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := t.Shell.Upload(ctx, name, remotePath); err != nil {
		return fmt.Errorf("upload %s: %w", path.Base(remotePath), err)
	}
	return nil
}

// Fetch copies the remote directory remoteSrc into localDest, which ends up
// containing remoteSrc's base name. The remote archive is removed afterwards
// whether or not the download succeeded.
func (t *Transfer) Fetch(ctx context.Context, remoteSrc, localDest string) error {
	codec := t.codec()
	remoteSrc = path.Clean(remoteSrc)
	ext := strings.TrimPrefix(codec.ArchiveName(), "project")
	remoteTar := "/tmp/xbatch_fetch_" + uuid.NewString() + ext

	_, errOut, err := t.Shell.Run(ctx, codec.PackCommand(remoteTar, path.Dir(remoteSrc), path.Base(remoteSrc)))
	if err != nil {
		return err
	}
	defer func() {
		if _, _, err := t.Shell.Run(context.WithoutCancel(ctx), "rm -f "+remote.Quote(remoteTar)); err != nil {
			t.logger().Warn("remove remote archive", "path", remoteTar, "error", err)
		}
	}()
	if remote.Dirty(errOut) {
		return fmt.Errorf("archive %s on remote: %s", remoteSrc, strings.TrimSpace(errOut))
	}

	tmp, err := os.MkdirTemp(t.TempDir, "xbatch-fetch-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	local := filepath.Join(tmp, "fetch"+ext)
	if err := t.Shell.Download(ctx, remoteTar, local); err != nil {
		return fmt.Errorf("download %s: %w", remoteSrc, err)
	}
	if err := Extract(local, localDest, codec); err != nil {
		return fmt.Errorf("extract into %s: %w", localDest, err)
	}
	t.logger().Info("remote directory fetched", "remote", remoteSrc, "local", localDest)
	return nil
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
