package models

import (
	"fmt"
	"strings"
)

// ResourceRequest describes the compute resources a task asks the remote
// service to allocate for one container.
type ResourceRequest struct {
	VCPU        int   `json:"vcpu" yaml:"vcpu"`
	MemoryBytes int64 `json:"memory_bytes" yaml:"memory_bytes"`
	GPU         bool  `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	GPUCount    int   `json:"gpu_count,omitempty" yaml:"gpu_count,omitempty"`
	DiskGB      int   `json:"disk_gb,omitempty" yaml:"disk_gb,omitempty"`
}

// TaskSpec is an immutable description of one unit of containerized work
// requested by the workflow engine. The engine builds it at scheduling time;
// the backend never mutates it.
type TaskSpec struct {
	// Name is the engine's stable identifier for the task call, e.g.
	// "align.markdup". It is used for remote job naming and correlation tags.
	Name string `json:"name"`

	Image   string            `json:"image"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`

	Resources ResourceRequest `json:"resources"`

	// Inputs and Outputs are paths relative to the shared filesystem mount
	// root. Outputs are the files the engine expects the command to produce;
	// their absence after a successful remote exit is a task failure.
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`

	// MaxAttempts bounds task-level retries, inclusive of the first attempt.
	// Zero means "use the configured default for this task class".
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Download marks lightweight fetch tasks that run in a separate,
	// typically smaller concurrency pool with its own retry default.
	Download bool `json:"download,omitempty"`

	// TimeoutSeconds is a last-resort ceiling enforced by the provider.
	// Zero means "use the configured default".
	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
}

// Validate checks the fields the backend cannot default.
func (t *TaskSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("task spec is missing a name")
	}
	if strings.TrimSpace(t.Image) == "" {
		return fmt.Errorf("task %q is missing a container image", t.Name)
	}
	if len(t.Command) == 0 {
		return fmt.Errorf("task %q is missing a command", t.Name)
	}
	if t.Resources.VCPU < 0 || t.Resources.MemoryBytes < 0 || t.Resources.GPUCount < 0 {
		return fmt.Errorf("task %q has negative resource requests", t.Name)
	}
	for _, out := range t.Outputs {
		if strings.HasPrefix(out, "/") {
			return fmt.Errorf("task %q declares absolute output path %q; outputs must be mount-relative", t.Name, out)
		}
	}
	return nil
}

// TaskHandle is the opaque engine-facing identifier for a submitted task.
type TaskHandle string
