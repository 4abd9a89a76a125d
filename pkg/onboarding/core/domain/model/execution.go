package model

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the status of a persisted workflow execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSuspended ExecutionStatus = "SUSPENDED"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// IsTerminal reports whether the execution has finished.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSucceeded || s == ExecutionFailed
}

// Execution is the persisted state of one run of a workflow definition.
// It is saved after every transition so that a restarted worker resumes at CurrentState.
type Execution struct {
	ID           string
	Name         string
	MachineName  string
	SessionID    string
	Status       ExecutionStatus
	CurrentState string
	Input        Document
	Document     Document
	// Attempts counts retries per "state/classification" key for the current state.
	Attempts map[string]int
	// WakeAt is set while SUSPENDED.
	WakeAt *time.Time
	// Owner is the worker currently driving the execution; ClaimedUntil bounds its claim.
	Owner        string
	ClaimedUntil *time.Time
	Error        string
	Cause        string
	Transitions  int
	StartTime    time.Time
	EndTime      *time.Time
	LastUpdated  time.Time
	Version      int
}

// NewExecution creates a RUNNING execution positioned at startAt.
// The execution name doubles as the images prefix of the batch.
func NewExecution(machineName, startAt string, input Document, now time.Time) *Execution {
	id := uuid.NewString()
	if input == nil {
		input = Document{}
	}
	return &Execution{
		ID:           id,
		Name:         id,
		MachineName:  machineName,
		SessionID:    input.GetString("$.session_id"),
		Status:       ExecutionRunning,
		CurrentState: startAt,
		Input:        input.Clone(),
		Document:     input.Clone(),
		Attempts:     make(map[string]int),
		StartTime:    now.UTC(),
		LastUpdated:  now.UTC(),
	}
}

// Arn returns a stable identifier of the execution in "machine:name" form.
func (e *Execution) Arn() string {
	return e.MachineName + ":" + e.Name
}

// IsClaimed reports whether another worker's claim is still valid at now.
func (e *Execution) IsClaimed(now time.Time) bool {
	return e.ClaimedUntil != nil && now.Before(*e.ClaimedUntil)
}

// IsDue reports whether the execution may be driven at now: it is not terminal, not claimed,
// and, when suspended, its wake time has passed.
func (e *Execution) IsDue(now time.Time) bool {
	if e.IsClaimed(now) {
		return false
	}
	switch e.Status {
	case ExecutionRunning:
		return true
	case ExecutionSuspended:
		return e.WakeAt == nil || !now.Before(*e.WakeAt)
	}
	return false
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Input = e.Input.Clone()
	c.Document = e.Document.Clone()
	c.Attempts = make(map[string]int, len(e.Attempts))
	for k, v := range e.Attempts {
		c.Attempts[k] = v
	}
	if e.WakeAt != nil {
		w := *e.WakeAt
		c.WakeAt = &w
	}
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	if e.ClaimedUntil != nil {
		t := *e.ClaimedUntil
		c.ClaimedUntil = &t
	}
	return &c
}
