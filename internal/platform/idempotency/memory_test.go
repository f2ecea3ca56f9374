package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreReserveNewEvent(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	res, err := store.Reserve(context.Background(), "evt_123", "stripe", now, time.Hour)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v", res.State)
	}
	if res.Record.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", res.Record.Status)
	}
	if res.Record.Source != "stripe" {
		t.Fatalf("unexpected source %s", res.Record.Source)
	}
	if !res.Record.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", res.Record.ExpiresAt)
	}
}

func TestMemoryStoreReserveRejectsEmptyEventID(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Reserve(context.Background(), "  ", "stripe", time.Now(), time.Hour); !errors.Is(err, ErrEmptyEventID) {
		t.Fatalf("expected ErrEmptyEventID, got %v", err)
	}
}

func TestMemoryStoreRedeliveryWhilePending(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	if _, err := store.Reserve(context.Background(), "evt_123", "stripe", now, time.Hour); err != nil {
		t.Fatalf("first Reserve failed: %v", err)
	}

	res, err := store.Reserve(context.Background(), "evt_123", "stripe", now.Add(time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("second Reserve failed: %v", err)
	}
	if res.State != ReservationStatePending {
		t.Fatalf("expected pending state on redelivery, got %v", res.State)
	}
}

func TestMemoryStoreRedeliveryAfterProcessed(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	if _, err := store.Reserve(context.Background(), "evt_123", "stripe", now, time.Hour); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := store.MarkProcessed(context.Background(), "evt_123", now.Add(time.Second), time.Hour); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	res, err := store.Reserve(context.Background(), "evt_123", "stripe", now.Add(time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("Reserve after processing failed: %v", err)
	}
	if res.State != ReservationStateProcessed {
		t.Fatalf("expected processed state, got %v", res.State)
	}
}

func TestMemoryStoreExpiredReservationIsReusable(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	if _, err := store.Reserve(context.Background(), "evt_123", "stripe", now, time.Minute); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	res, err := store.Reserve(context.Background(), "evt_123", "stripe", now.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("Reserve after expiry failed: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected expired record to be replaced, got state %v", res.State)
	}
}

func TestMemoryStoreReleaseAllowsRetry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	if _, err := store.Reserve(context.Background(), "evt_123", "stripe", now, time.Hour); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := store.Release(context.Background(), "evt_123"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	res, err := store.Reserve(context.Background(), "evt_123", "stripe", now.Add(time.Second), time.Hour)
	if err != nil {
		t.Fatalf("Reserve after release failed: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected new reservation after release, got %v", res.State)
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		if _, err := store.Reserve(context.Background(), id, "stripe", now, time.Minute); err != nil {
			t.Fatalf("Reserve %s failed: %v", id, err)
		}
	}

	removed, err := store.CleanupExpired(context.Background(), now.Add(2*time.Minute), 0)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed records, got %d", removed)
	}
}
