// Package task defines generation task records and their Redis-backed
// store. Tasks live at most 24h and advance through a four-level
// progress model; completed and failed are terminal.
package task

import (
	"encoding/json"
	"time"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// The four visible progress levels. Partial within-stage progress is
// not exposed.
const (
	ProgressAccepted  = 25
	ProgressPrepared  = 50
	ProgressGenerated = 75
	ProgressDone      = 100
)

// Options are the generation options echoed back to pollers.
type Options struct {
	AspectRatio string `json:"aspectRatio"`
	ImageSize   string `json:"imageSize"`
}

// Result carries the public URL(s) of a completed generation.
type Result struct {
	URL  string   `json:"url"`
	URLs []string `json:"urls,omitempty"`
}

// Task is the KV record polled by clients via GET /task/:id.
type Task struct {
	ID        string          `json:"taskId"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Prompt    string          `json:"prompt"`
	Options   Options         `json:"options"`
	RefImages json.RawMessage `json:"refImages,omitempty"`
	Result    *Result         `json:"result"`
	Error     *string         `json:"error"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// New returns a pending task at the first progress level.
func New(id, prompt string, opts Options, refImages json.RawMessage) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        id,
		Status:    StatusPending,
		Progress:  ProgressAccepted,
		Prompt:    prompt,
		Options:   opts,
		RefImages: refImages,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the task reached a final state.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Advance moves the task to processing at the given progress level.
// Progress never decreases and terminal tasks never change.
func (t *Task) Advance(progress int) {
	if t.Terminal() {
		return
	}
	t.Status = StatusProcessing
	if progress > t.Progress {
		t.Progress = progress
	}
	t.UpdatedAt = time.Now().UTC()
}

// Fail moves the task to the failed terminal state, keeping the current
// progress level.
func (t *Task) Fail(msg string) {
	if t.Terminal() {
		return
	}
	t.Status = StatusFailed
	t.Error = &msg
	t.UpdatedAt = time.Now().UTC()
}

// Complete moves the task to the completed terminal state at progress 100.
func (t *Task) Complete(res *Result) {
	if t.Terminal() {
		return
	}
	t.Status = StatusCompleted
	t.Progress = ProgressDone
	t.Result = res
	t.UpdatedAt = time.Now().UTC()
}
