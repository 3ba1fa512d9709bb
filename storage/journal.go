package storage

import (
	"fmt"

	"lanpair/logging"
	"lanpair/pairing"
)

// Journal persists the state changes of pairing attempts.
type Journal struct {
	store *Store
	log   logging.Logger
}

// NewJournal returns a Journal writing to store.
func NewJournal(store *Store, log logging.Logger) *Journal {
	if log == nil {
		log = logging.Nop()
	}
	return &Journal{store: store, log: log}
}

// Record stores one attempt event.
func (j *Journal) Record(ev pairing.Event) error {
	row := Attempt{
		AttemptID: ev.AttemptID,
		Kind:      ev.Kind.String(),
		Role:      ev.Role.String(),
		State:     ev.State.String(),
		PeerName:  ev.PeerName,
		PeerCode:  ev.PeerCode,
		SessionID: ev.SessionID,
	}
	if !ev.At.IsZero() {
		row.UpdatedAt = ev.At.UnixMilli()
	}
	if ev.Err != nil {
		row.FailureKind = pairing.KindOf(ev.Err).String()
		row.FailureMessage = ev.Err.Error()
	}
	return j.store.RecordAttempt(row)
}

// Follow records every event from events until the channel is closed. The
// returned channel is closed once the last event is written.
func (j *Journal) Follow(events <-chan pairing.Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if err := j.Record(ev); err != nil {
				j.log.Warn(fmt.Sprintf("journal: record attempt %s: %v", ev.AttemptID, err))
			}
		}
	}()
	return done
}
