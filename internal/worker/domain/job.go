package domain

import (
	"sync/atomic"
	"time"
)

// CommandKind is an asynchronous command a running job can receive
type CommandKind string

// Async command kinds
const (
	CommandCancel CommandKind = "CANCEL"
	CommandPause  CommandKind = "PAUSE"
)

// AsyncCommand is an interrupt recorded on a job by the command router
type AsyncCommand struct {
	Kind     CommandKind
	MsgID    string
	SenderID string
}

// Job represents a job from the database for worker processing. A Job is
// owned by the goroutine processing it; only the async command slot is
// written from another goroutine.
type Job struct {
	UUID         string
	Tenant       string
	Owner        string
	Name         string
	AppID        string
	ExecSystemID string
	Command      string
	Status       JobStatus
	RemoteJobID  string
	LastMessage  string
	Created      time.Time
	LastUpdated  time.Time

	async atomic.Pointer[AsyncCommand]
}

// SetAsyncCommand records cmd unless a command is already pending. It
// reports whether cmd was recorded.
func (j *Job) SetAsyncCommand(cmd AsyncCommand) bool {
	return j.async.CompareAndSwap(nil, &cmd)
}

// AsyncCommand returns the pending command, if any
func (j *Job) AsyncCommand() (AsyncCommand, bool) {
	cmd := j.async.Load()
	if cmd == nil {
		return AsyncCommand{}, false
	}
	return *cmd, true
}
