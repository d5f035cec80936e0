package scheduler

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Job runs a workflow file on a cron schedule.
type Job struct {
	Name    string         `yaml:"name" json:"name"`
	Cron    string         `yaml:"cron" json:"cron"`
	File    string         `yaml:"file" json:"file"`
	Context map[string]any `yaml:"context,omitempty" json:"context,omitempty"`
	Enabled *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether the job should run. Jobs are enabled unless
// explicitly disabled.
func (j Job) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

type jobsFile struct {
	Schedules []Job `yaml:"schedules"`
}

// LoadJobs reads a schedules file. Relative workflow paths are resolved
// against the file's directory.
func LoadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules %s: %w", path, err)
	}

	var f jobsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schedules %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range f.Schedules {
		job := &f.Schedules[i]
		if job.Name == "" {
			return nil, fmt.Errorf("schedule #%d: name is required", i+1)
		}
		if job.Cron == "" {
			return nil, fmt.Errorf("schedule %q: cron is required", job.Name)
		}
		if job.File == "" {
			return nil, fmt.Errorf("schedule %q: file is required", job.Name)
		}
		if !filepath.IsAbs(job.File) {
			job.File = filepath.Join(base, job.File)
		}
	}
	return f.Schedules, nil
}
