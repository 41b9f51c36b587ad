// Package models defines the data types shared across the build agent.
package models

import "time"

// TaskState represents the terminal outcome of a build task.
type TaskState string

const (
	// TaskStateSuccessful means the build completed and its outputs were realised.
	TaskStateSuccessful TaskState = "successful"
	// TaskStateTerminated means the build itself failed (a normal build failure).
	TaskStateTerminated TaskState = "terminated"
	// TaskStateExceptional means the task aborted abnormally (crash, protocol
	// error, timeout).
	TaskStateExceptional TaskState = "exceptional"
)

// TaskStatus is the single terminal status reported for a task.
type TaskStatus struct {
	State   TaskState `json:"state"`
	Message string    `json:"message,omitempty"`
}

// Successful returns a successful terminal status.
func Successful() TaskStatus {
	return TaskStatus{State: TaskStateSuccessful}
}

// Terminated returns a terminal status for a plain build failure.
func Terminated() TaskStatus {
	return TaskStatus{State: TaskStateTerminated}
}

// Exceptional returns a terminal status for an abnormal failure.
func Exceptional(message string) TaskStatus {
	return TaskStatus{State: TaskStateExceptional, Message: message}
}

// BuildTask is the immutable description of one build, created by the CI API
// and consumed exactly once.
type BuildTask struct {
	ID             string    `json:"id"`
	DerivationPath string    `json:"derivation_path"`
	InputPaths     []string  `json:"input_paths"`
	LogToken       string    `json:"log_token"`
	LogHost        string    `json:"log_host"`
	CreatedAt      time.Time `json:"created_at"`
}

// OutputInfo describes one realised output of a derivation.
type OutputInfo struct {
	Deriver string `json:"deriver"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	Hash    string `json:"hash"`
	Size    uint64 `json:"size"`
}

// BuildEventType discriminates the additive events reported to the CI API.
type BuildEventType string

const (
	BuildEventOutputInfo BuildEventType = "output_info"
	BuildEventPushed     BuildEventType = "pushed"
	BuildEventDone       BuildEventType = "done"
)

// BuildEvent is one additive build progress event. The server tolerates
// duplicates; ID is a per-emission idempotency key.
type BuildEvent struct {
	ID     string         `json:"id"`
	Type   BuildEventType `json:"type"`
	Output *OutputInfo    `json:"output,omitempty"`
	Cache  string         `json:"cache,omitempty"`
	Done   *bool          `json:"done,omitempty"`
}
