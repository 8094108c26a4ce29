package job

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	// UnknownJobID is recorded when sbatch printed no job id.
	UnknownJobID = "unknown"
	// DirectRunID marks a job executed without the scheduler.
	DirectRunID = "direct_run"
)

// Record identifies a submitted job. It is created once at the end of
// submission and never changed; state is always fetched live.
type Record struct {
	JobID        string   `json:"job_id"`
	JobName      string   `json:"job_name"`
	RemoteJobDir string   `json:"remote_job_dir"`
	OutFile      string   `json:"out_file"`
	ErrFile      string   `json:"err_file"`
	Outputs      []string `json:"outputs"`
	// ArtifactDir is set for training runs whose logs are fetched back.
	ArtifactDir string `json:"artifact_dir,omitempty"`
}

// Scheduled reports whether JobID names a real scheduler job.
func (r Record) Scheduled() bool {
	return r.JobID != "" && r.JobID != UnknownJobID && r.JobID != DirectRunID
}

// Stage names the pipeline step a diagnostic came from.
type Stage string

const (
	StageShip      Stage = "ship"
	StageVenv      Stage = "venv"
	StageSubmit    Stage = "submit"
	StageDirect    Stage = "direct"
	StageMonitor   Stage = "monitor"
	StageCancel    Stage = "cancel"
	StageCleanup   Stage = "cleanup"
	StageArtifacts Stage = "artifacts"
)

// Diagnostic is a remote error that did not stop the pipeline.
type Diagnostic struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

// Result is what Run returns: the record plus everything that went wrong on the
// way without being fatal.
type Result struct {
	Record      Record       `json:"record"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	// State is the last observed scheduler state of a watched job.
	State string `json:"state,omitempty"`
	// Interrupted is set when the watch ended early and the job was cancelled.
	Interrupted bool `json:"interrupted,omitempty"`
}

// SaveRecord writes rec as indented JSON.
func SaveRecord(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

// LoadRecord reads a record written by SaveRecord or printed by the CLI.
func LoadRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse record %s: %w", path, err)
	}
	if rec.JobName == "" || rec.RemoteJobDir == "" {
		return Record{}, fmt.Errorf("record %s: job_name and remote_job_dir are required", path)
	}
	return rec, nil
}
