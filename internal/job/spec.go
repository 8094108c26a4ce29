package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/xbatch/internal/remote"
)

// Execution types. A training run fetches ArtifactDir back after it finishes.
const (
	ExecDefault  = "default_script"
	ExecTraining = "training_model"
)

var ErrInvalidSpec = errors.New("invalid job spec")

var dottedName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Spec describes one job to ship and run.
type Spec struct {
	// Module is the dotted import path holding Function.
	Module   string
	Function string
	Args     []any
	Kwargs   map[string]any
	// CodeDir is the local directory shipped to the host. It defaults to the
	// first segment of Module, resolved against the working directory.
	CodeDir string

	Queue      string
	Account    string
	Partition  string
	Nodes      int
	CPUs       int
	GPUs       int
	Exclusive  bool
	EnvModules []string

	Requirements []string
	// Interpreter prefixes the shim invocation, e.g. "python" or "srun python".
	Interpreter  string
	VenvPath     string
	ForceInstall bool

	// Direct runs the job through a blocking remote command instead of sbatch.
	Direct  bool
	Watch   bool
	Cleanup bool
	Outputs []string

	ExecutionType string
	// ArtifactDir is relative to the job directory unless absolute.
	ArtifactDir string
}

func (s Spec) validate() error {
	if !dottedName.MatchString(s.Module) {
		return fmt.Errorf("%w: module %q is not a dotted import path", ErrInvalidSpec, s.Module)
	}
	if !dottedName.MatchString(s.Function) || strings.Contains(s.Function, ".") {
		return fmt.Errorf("%w: function %q is not an identifier", ErrInvalidSpec, s.Function)
	}
	switch s.ExecutionType {
	case "", ExecDefault, ExecTraining:
	default:
		return fmt.Errorf("%w: execution type %q (use %s|%s)", ErrInvalidSpec, s.ExecutionType, ExecDefault, ExecTraining)
	}
	if s.Nodes < 0 || s.CPUs < 0 || s.GPUs < 0 {
		return fmt.Errorf("%w: resource counts must not be negative", ErrInvalidSpec)
	}
	return nil
}

func (s Spec) codeDir() string {
	if s.CodeDir != "" {
		return s.CodeDir
	}
	root, _, _ := strings.Cut(s.Module, ".")
	return root
}

func (s Spec) interpreter() string {
	if strings.TrimSpace(s.Interpreter) == "" {
		return "python"
	}
	return s.Interpreter
}

func (s Spec) training() bool {
	return s.ExecutionType == ExecTraining && strings.TrimSpace(s.ArtifactDir) != ""
}

// outputs returns the keep list, with the artifact dir appended for training
// runs so cleanup never removes what is about to be fetched.
func (s Spec) outputs() []string {
	out := append([]string{}, s.Outputs...)
	if !s.training() {
		return out
	}
	for _, o := range out {
		if o == s.ArtifactDir {
			return out
		}
	}
	return append(out, s.ArtifactDir)
}

// NewJobName derives a job name from t plus a short random suffix, so two
// submissions in the same second do not share a directory.
func NewJobName(t time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "job_" + t.Format("20060102_150405") + "_" + id[:6]
}

// JobDir joins the base path and job name.
func JobDir(base, name string) string {
	base = strings.TrimRight(base, "/")
	return base + "/" + name
}

// ExecLine builds the shim invocation with JSON arguments in single quotes.
func ExecLine(interpreter, jobDir, module, function string, args []any, kwargs map[string]any) (string, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	a, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("%w: encode args: %v", ErrInvalidSpec, err)
	}
	k, err := json.Marshal(kwargs)
	if err != nil {
		return "", fmt.Errorf("%w: encode kwargs: %v", ErrInvalidSpec, err)
	}
	return fmt.Sprintf("%s %s %s %s %s %s",
		interpreter,
		remote.Quote(path.Join(jobDir, ShimName)),
		module, function,
		remote.Quote(string(a)), remote.Quote(string(k))), nil
}
