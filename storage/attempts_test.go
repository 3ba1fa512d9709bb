package storage

import (
	"errors"
	"testing"
	"time"
)

func TestRecordAttemptUpsertKeepsStartAndPeer(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	if err := store.RecordAttempt(Attempt{
		AttemptID: "attempt-1",
		Kind:      "keysign",
		State:     "discovering",
		UpdatedAt: now - 2_000,
	}); err != nil {
		t.Fatalf("RecordAttempt discovering failed: %v", err)
	}
	if err := store.RecordAttempt(Attempt{
		AttemptID: "attempt-1",
		Kind:      "keysign",
		Role:      "master",
		State:     "role_elected",
		PeerName:  "Kitchen Laptop",
		PeerCode:  "a1b2c3",
		UpdatedAt: now - 1_000,
	}); err != nil {
		t.Fatalf("RecordAttempt role_elected failed: %v", err)
	}
	if err := store.RecordAttempt(Attempt{
		AttemptID:      "attempt-1",
		Kind:           "keysign",
		State:          "failed",
		FailureKind:    "amount_mismatch",
		FailureMessage: "pairing: amounts differ",
		UpdatedAt:      now,
	}); err != nil {
		t.Fatalf("RecordAttempt failed state failed: %v", err)
	}

	got, err := store.GetAttempt("attempt-1")
	if err != nil {
		t.Fatalf("GetAttempt failed: %v", err)
	}
	if got.StartedAt != now-2_000 {
		t.Fatalf("expected start time to be kept, got %d", got.StartedAt)
	}
	if got.UpdatedAt != now {
		t.Fatalf("expected updated_at %d, got %d", now, got.UpdatedAt)
	}
	if got.Role != "master" || got.PeerName != "Kitchen Laptop" || got.PeerCode != "a1b2c3" {
		t.Fatalf("expected role and peer to be kept, got %+v", got)
	}
	if got.State != "failed" || got.FailureKind != "amount_mismatch" {
		t.Fatalf("unexpected terminal fields: %+v", got)
	}
	if !got.Terminal() {
		t.Fatalf("expected failed attempt to be terminal")
	}
}

func TestRecordAttemptValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordAttempt(Attempt{Kind: "keygen", State: "idle"}); err == nil {
		t.Fatalf("expected missing attempt_id error")
	}
	if err := store.RecordAttempt(Attempt{AttemptID: "a", Kind: "transfer", State: "idle"}); err == nil {
		t.Fatalf("expected invalid kind error")
	}
	if err := store.RecordAttempt(Attempt{AttemptID: "a", Kind: "keygen"}); err == nil {
		t.Fatalf("expected missing state error")
	}
	if _, err := store.GetAttempt("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetAttemptsFiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	rows := []Attempt{
		{AttemptID: "kg-1", Kind: "keygen", State: "done", UpdatedAt: now - 3_000},
		{AttemptID: "ks-1", Kind: "keysign", State: "failed", UpdatedAt: now - 2_000},
		{AttemptID: "ks-2", Kind: "keysign", State: "done", UpdatedAt: now - 1_000},
	}
	for _, row := range rows {
		if err := store.RecordAttempt(row); err != nil {
			t.Fatalf("RecordAttempt %s failed: %v", row.AttemptID, err)
		}
	}

	all, err := store.GetAttempts(AttemptFilter{})
	if err != nil {
		t.Fatalf("GetAttempts failed: %v", err)
	}
	if len(all) != 3 || all[0].AttemptID != "ks-2" || all[2].AttemptID != "kg-1" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	signing, err := store.GetAttempts(AttemptFilter{Kind: "keysign", State: "done"})
	if err != nil {
		t.Fatalf("GetAttempts filtered failed: %v", err)
	}
	if len(signing) != 1 || signing[0].AttemptID != "ks-2" {
		t.Fatalf("unexpected filtered attempts: %+v", signing)
	}

	from := now - 2_500
	recent, err := store.GetAttempts(AttemptFilter{FromTimestamp: &from, Limit: 1})
	if err != nil {
		t.Fatalf("GetAttempts recent failed: %v", err)
	}
	if len(recent) != 1 || recent[0].AttemptID != "ks-2" {
		t.Fatalf("unexpected limited attempts: %+v", recent)
	}

	if _, err := store.GetAttempts(AttemptFilter{Kind: "bogus"}); err == nil {
		t.Fatalf("expected invalid kind filter error")
	}
}

func TestPruneAttemptsKeepsInFlight(t *testing.T) {
	store := newTestStore(t)
	old := time.Now().Add(-48 * time.Hour).UnixMilli()

	for _, row := range []Attempt{
		{AttemptID: "old-done", Kind: "keygen", State: "done", UpdatedAt: old},
		{AttemptID: "old-running", Kind: "keygen", State: "ceremony_running", UpdatedAt: old},
		{AttemptID: "new-done", Kind: "keygen", State: "done"},
	} {
		if err := store.RecordAttempt(row); err != nil {
			t.Fatalf("RecordAttempt %s failed: %v", row.AttemptID, err)
		}
	}

	deleted, err := store.PruneAttempts(time.Now().Add(-24 * time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("PruneAttempts failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 pruned attempt, got %d", deleted)
	}
	if _, err := store.GetAttempt("old-done"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old-done to be pruned, got %v", err)
	}
	if _, err := store.GetAttempt("old-running"); err != nil {
		t.Fatalf("expected in-flight attempt to be kept: %v", err)
	}
}

func TestRecordTerminalAttemptAppliesRetention(t *testing.T) {
	store := newTestStore(t)
	store.SetAttemptRetention(time.Hour)

	stale := time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := store.RecordAttempt(Attempt{AttemptID: "stale", Kind: "keygen", State: "failed", UpdatedAt: stale}); err != nil {
		t.Fatalf("RecordAttempt stale failed: %v", err)
	}
	if err := store.RecordAttempt(Attempt{AttemptID: "fresh", Kind: "keygen", State: "done"}); err != nil {
		t.Fatalf("RecordAttempt fresh failed: %v", err)
	}

	if _, err := store.GetAttempt("stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale attempt to be pruned, got %v", err)
	}
}
