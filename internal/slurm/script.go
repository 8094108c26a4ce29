package slurm

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/antonkrylov/xbatch/internal/remote"
)

//go:embed batch.sh.tmpl
var batchTemplate string

var scriptTmpl = template.Must(template.New("batch").
	Funcs(template.FuncMap{"quote": remote.Quote}).
	Parse(batchTemplate))

// DefaultPartition is used when neither the job nor the connection names one.
const DefaultPartition = "debug"

// Script holds everything the batch script needs. Queue maps to --qos and
// Account to --account; both are omitted when empty.
type Script struct {
	JobName   string
	Queue     string
	Account   string
	Partition string
	Nodes     int
	CPUs      int
	GPUs      int
	Exclusive bool
	OutFile   string
	ErrFile   string
	Modules   []string
	// VenvPath is activated only when its activate script exists on the node.
	VenvPath string
	ExecLine string
}

var ErrInvalidScript = errors.New("invalid batch script")

func (s Script) withDefaults() Script {
	if s.Partition == "" {
		s.Partition = DefaultPartition
	}
	if s.Nodes <= 0 {
		s.Nodes = 1
	}
	if s.CPUs <= 0 {
		s.CPUs = 1
	}
	if s.GPUs < 0 {
		s.GPUs = 0
	}
	return s
}

// Render produces the sbatch script text.
func Render(s Script) (string, error) {
	s = s.withDefaults()
	switch {
	case strings.TrimSpace(s.JobName) == "":
		return "", fmt.Errorf("%w: job name is required", ErrInvalidScript)
	case strings.TrimSpace(s.ExecLine) == "":
		return "", fmt.Errorf("%w: exec line is required", ErrInvalidScript)
	case s.OutFile == "" || s.ErrFile == "":
		return "", fmt.Errorf("%w: output and error files are required", ErrInvalidScript)
	}
	for _, m := range s.Modules {
		if strings.ContainsAny(m, "\n;&|`$") {
			return "", fmt.Errorf("%w: module name %q", ErrInvalidScript, m)
		}
	}
	var b strings.Builder
	if err := scriptTmpl.Execute(&b, s); err != nil {
		return "", fmt.Errorf("render batch script: %w", err)
	}
	return b.String(), nil
}
