package model

import (
	"sort"
	"time"
)

// SemaphoreLease is the persisted state of a named semaphore.
// Holders maps an execution token to the time its slot expires.
type SemaphoreLease struct {
	LockName string
	Limit    int
	Holders  map[string]time.Time
	Version  int
}

// NewSemaphoreLease creates an empty lease record.
func NewSemaphoreLease(lockName string, limit int) *SemaphoreLease {
	return &SemaphoreLease{LockName: lockName, Limit: limit, Holders: make(map[string]time.Time)}
}

// HasFreeSlot reports whether another holder may be added.
func (l *SemaphoreLease) HasFreeSlot() bool {
	return len(l.Holders) < l.Limit
}

// Expired returns holders whose heldUntil plus grace is before now, sorted by token.
func (l *SemaphoreLease) Expired(now time.Time, grace time.Duration) []string {
	var out []string
	for token, until := range l.Holders {
		if until.Add(grace).Before(now) {
			out = append(out, token)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of the lease.
func (l *SemaphoreLease) Clone() *SemaphoreLease {
	if l == nil {
		return nil
	}
	c := *l
	c.Holders = make(map[string]time.Time, len(l.Holders))
	for k, v := range l.Holders {
		c.Holders[k] = v
	}
	return &c
}
