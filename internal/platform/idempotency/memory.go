package idempotency

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore provides an in-memory implementation useful for testing and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty memory-backed event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Reserve implements the Store interface.
func (s *MemoryStore) Reserve(_ context.Context, eventID, source string, now time.Time, ttl time.Duration) (Reservation, error) {
	if strings.TrimSpace(eventID) == "" {
		return Reservation{}, ErrEmptyEventID
	}
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	id := recordID(eventID)

	record, ok := s.records[id]
	if !ok || (!record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt)) {
		record = Record{
			EventID:   eventID,
			Source:    source,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		s.records[id] = record
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}

	if record.Status == StatusProcessed {
		return Reservation{State: ReservationStateProcessed, Record: record}, nil
	}

	return Reservation{State: ReservationStatePending, Record: record}, nil
}

// MarkProcessed implements the Store interface.
func (s *MemoryStore) MarkProcessed(_ context.Context, eventID string, now time.Time, ttl time.Duration) error {
	if strings.TrimSpace(eventID) == "" {
		return ErrEmptyEventID
	}
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	id := recordID(eventID)

	record, ok := s.records[id]
	if !ok {
		record = Record{EventID: eventID, CreatedAt: now}
	}
	record.Status = StatusProcessed
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	s.records[id] = record

	return nil
}

// CleanupExpired implements the Store interface.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}

	removed := 0
	for id, record := range s.records {
		if record.ExpiresAt.IsZero() || now.Before(record.ExpiresAt) {
			continue
		}
		delete(s.records, id)
		removed++
		if removed >= limit {
			break
		}
	}

	return removed, nil
}

// Release deletes the reservation so that a redelivery may retry processing.
func (s *MemoryStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, recordID(eventID))
	return nil
}
