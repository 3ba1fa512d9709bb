package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	attemptKindKeygen  = "keygen"
	attemptKindKeysign = "keysign"
)

// Attempt is the SQLite representation of one pairing attempt.
type Attempt struct {
	AttemptID      string
	Kind           string
	Role           string
	State          string
	FailureKind    string
	FailureMessage string
	PeerName       string
	PeerCode       string
	SessionID      string
	StartedAt      int64
	UpdatedAt      int64
}

// Terminal reports whether the attempt finished.
func (a Attempt) Terminal() bool {
	return a.State == "done" || a.State == "failed"
}

// AttemptFilter narrows GetAttempts query results.
type AttemptFilter struct {
	Kind          string
	State         string
	FromTimestamp *int64
	Limit         int
	Offset        int
}

func validateAttemptKind(kind string) error {
	switch kind {
	case attemptKindKeygen, attemptKindKeysign:
		return nil
	default:
		return fmt.Errorf("invalid attempt kind %q", kind)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
