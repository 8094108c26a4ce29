package envsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/antonkrylov/xbatch/internal/remote"
)

// ErrInstallFailed is returned when installing the missing set exits non-zero.
var ErrInstallFailed = errors.New("requirement install failed")

// Reconciler prepares a virtual environment on the remote host.
type Reconciler struct {
	Shell remote.Shell
	// Python creates the venv; defaults to "python".
	Python string
	// Lock serialises mutating commands with flock on "<venv>.lock" so jobs that
	// share one venv do not install into it concurrently.
	Lock bool
	// Output receives streamed pip output; nil discards it.
	Output io.Writer
	Logger *slog.Logger
}

// Report describes what Reconcile observed and changed.
type Report struct {
	RuntimePath string
	Forced      bool
	Missing     []Requirement
	// Warnings are non-fatal remote errors (venv creation, freeze, forced install).
	Warnings []string
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return discardLogger
	}
	return r.Logger.With("component", "envsync")
}

func (r *Reconciler) python() string {
	if r.Python == "" {
		return "python"
	}
	return r.Python
}

func (r *Reconciler) locked(venv, cmd string) string {
	if !r.Lock {
		return cmd
	}
	return fmt.Sprintf("flock %s sh -c %s", remote.Quote(venv+".lock"), remote.Quote(cmd))
}

// EnsureCommand creates the venv unless its activate script already exists.
func (r *Reconciler) EnsureCommand(venv string) string {
	q := remote.Quote(venv)
	return r.locked(venv, fmt.Sprintf("if [ ! -f %s/bin/activate ]; then %s -m venv %s; fi", q, r.python(), q))
}

func activate(venv string) string {
	return ". " + remote.Quote(venv) + "/bin/activate"
}

func (r *Reconciler) installCommand(venv string, reqs []Requirement) string {
	args := make([]string, len(reqs))
	for i, req := range reqs {
		args[i] = remote.Quote(req.String())
	}
	return r.locked(venv, fmt.Sprintf("%s && pip install --upgrade pip && pip install %s", activate(venv), strings.Join(args, " ")))
}

func freezeCommand(venv string) string {
	return activate(venv) + " && pip freeze --disable-pip-version-check"
}

// Reconcile ensures the venv at runtimePath exists and satisfies reqs. With
// force, every requirement is reinstalled before the snapshot is taken.
// Transport failures and a failed install of the missing set are returned;
// other remote errors are logged and recorded as warnings.
func (r *Reconciler) Reconcile(ctx context.Context, runtimePath string, reqs []Requirement, force bool) (Report, error) {
	log := r.logger().With("venv", runtimePath)
	rep := Report{RuntimePath: runtimePath, Forced: force && len(reqs) > 0}

	_, errOut, err := r.Shell.Run(ctx, r.EnsureCommand(runtimePath))
	if err != nil {
		return rep, err
	}
	if remote.Dirty(errOut) {
		log.Warn("venv creation reported errors", "stderr", strings.TrimSpace(errOut))
		rep.Warnings = append(rep.Warnings, "venv: "+strings.TrimSpace(errOut))
	}
	if len(reqs) == 0 {
		log.Info("no requirements, environment ready")
		return rep, nil
	}

	out := r.Output
	if out == nil {
		out = io.Discard
	}
	if force {
		log.Info("forcing requirement install", "requirements", joinReqs(reqs))
		code, err := r.Shell.Stream(ctx, r.installCommand(runtimePath, reqs), out)
		if err != nil {
			return rep, err
		}
		if code != 0 {
			log.Warn("forced install exited non-zero", "exit_code", code)
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("forced install: exit code %d", code))
		}
	}

	snap, err := r.Snapshot(ctx, runtimePath)
	if err != nil {
		if !errors.Is(err, errDirtyFreeze) {
			return rep, err
		}
		log.Warn("pip freeze reported errors, treating every requirement as missing", "error", err)
		rep.Warnings = append(rep.Warnings, err.Error())
	}

	rep.Missing = Missing(reqs, snap)
	if len(rep.Missing) == 0 {
		log.Info("all requirements already installed")
		return rep, nil
	}
	log.Info("installing missing requirements", "missing", joinReqs(rep.Missing))
	code, err := r.Shell.Stream(ctx, r.installCommand(runtimePath, rep.Missing), out)
	if err != nil {
		return rep, err
	}
	if code != 0 {
		log.Error("install of missing requirements failed", "exit_code", code)
		return rep, fmt.Errorf("%w: pip exited with %d for %s", ErrInstallFailed, code, joinReqs(rep.Missing))
	}
	log.Info("environment ready")
	return rep, nil
}

var errDirtyFreeze = errors.New("pip freeze reported errors")

// Snapshot runs pip freeze inside the venv. Non-benign stderr yields an empty
// snapshot together with errDirtyFreeze.
func (r *Reconciler) Snapshot(ctx context.Context, runtimePath string) (Snapshot, error) {
	out, errOut, err := r.Shell.Run(ctx, freezeCommand(runtimePath))
	if err != nil {
		return Snapshot{}, err
	}
	if remote.Dirty(errOut) {
		return Snapshot{}, fmt.Errorf("%w: %s", errDirtyFreeze, strings.TrimSpace(errOut))
	}
	return ParseFreeze(out), nil
}

func joinReqs(reqs []Requirement) string {
	parts := make([]string, len(reqs))
	for i, r := range reqs {
		parts[i] = r.String()
	}
	return strings.Join(parts, " ")
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
