package models

import (
	"fmt"
	"time"
)

// TaskStatusUpdate is broadcast on every runner state transition so external
// observers (dashboards, the workflow engine's event log) can follow a
// task's history without polling the backend.
type TaskStatusUpdate struct {
	TaskName    string     `json:"task_name"`
	Handle      TaskHandle `json:"handle"`
	State       string     `json:"state"`
	Attempt     int        `json:"attempt,omitempty"`
	RemoteJobID string     `json:"remote_job_id,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// NewTaskStatusUpdate stamps an update with the current UTC time.
func NewTaskStatusUpdate(name string, handle TaskHandle, state string, attempt int) *TaskStatusUpdate {
	return &TaskStatusUpdate{
		TaskName:  name,
		Handle:    handle,
		State:     state,
		Attempt:   attempt,
		Timestamp: time.Now().UTC(),
	}
}

func (u *TaskStatusUpdate) String() string {
	return fmt.Sprintf("task=%s state=%s attempt=%d job=%s", u.TaskName, u.State, u.Attempt, u.RemoteJobID)
}
