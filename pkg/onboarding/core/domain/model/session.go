// Package model defines the domain types of the onboarding orchestrator: sessions, per-item
// records, fan-out manifests, semaphore leases and persisted executions.
package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionType is the discriminator of batch sessions, used to partition the created_at index.
const SessionType = "Session"

// DateLayout is the layout of Session.Date.
const DateLayout = "2006-01-02"

// SessionStatus represents the lifecycle of a session.
type SessionStatus string

const (
	SessionQueued  SessionStatus = "QUEUED"
	SessionWaiting SessionStatus = "WAITING"
	SessionRunning SessionStatus = "RUNNING"
	SessionSuccess SessionStatus = "SUCCESS"
	SessionError   SessionStatus = "ERROR"
)

// String returns the status name.
func (s SessionStatus) String() string { return string(s) }

// IsTerminal reports whether no further transition is expected.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionSuccess || s == SessionError
}

// ParseSessionStatus validates a persisted status value.
func ParseSessionStatus(v string) (SessionStatus, bool) {
	switch s := SessionStatus(v); s {
	case SessionQueued, SessionWaiting, SessionRunning, SessionSuccess, SessionError:
		return s, true
	}
	return "", false
}

// ErrorInfo is the structured {Error, Cause} captured when a task fails.
type ErrorInfo struct {
	Error string `json:"Error"`
	Cause string `json:"Cause"`
}

// BatchInput records what the submitter asked for.
type BatchInput struct {
	InputFile            string `json:"inputFile"`
	CompressedImagesFile string `json:"compressedImagesFile,omitempty"`
}

// Session is one batch job's persisted lifecycle record.
type Session struct {
	SessionID    string        `json:"session_id"`
	Type         string        `json:"type"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Date         string        `json:"date"`
	Error        *ErrorInfo    `json:"error,omitempty"`
	OutputKey    *string       `json:"outputKey,omitempty"`
	ExecutionArn string        `json:"execution_arn,omitempty"`
	Input        BatchInput    `json:"input"`
}

// NewSession creates a QUEUED session stamped with now.
func NewSession(input BatchInput, now time.Time) *Session {
	now = now.UTC()
	return &Session{
		SessionID: uuid.NewString(),
		Type:      SessionType,
		Status:    SessionQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Date:      now.Format(DateLayout),
		Input:     input,
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.OutputKey != nil {
		k := *s.OutputKey
		c.OutputKey = &k
	}
	return &c
}

// BatchEvent is the payload that starts a categorization execution. It mirrors the
// object-created notification: {session_id, detail:{bucket:{name}, object:{key}}, images_key?}.
type BatchEvent struct {
	SessionID string      `json:"session_id"`
	Detail    EventDetail `json:"detail"`
	ImagesKey string      `json:"images_key,omitempty"`
}

// EventDetail carries the bucket and object of the uploaded CSV.
type EventDetail struct {
	Bucket EventBucket `json:"bucket"`
	Object EventObject `json:"object"`
}

// EventBucket names the bucket of the uploaded CSV.
type EventBucket struct {
	Name string `json:"name"`
}

// EventObject names the key of the uploaded CSV.
type EventObject struct {
	Key string `json:"key"`
}

// NewBatchEvent builds the execution payload for a session.
func NewBatchEvent(sessionID, bucket, inputKey, imagesKey string) BatchEvent {
	return BatchEvent{
		SessionID: sessionID,
		Detail: EventDetail{
			Bucket: EventBucket{Name: bucket},
			Object: EventObject{Key: inputKey},
		},
		ImagesKey: imagesKey,
	}
}
