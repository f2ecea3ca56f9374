package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Status represents the lifecycle state of a processed-event record.
type Status string

const (
	// DefaultTTL is the default duration that event records are retained.
	DefaultTTL = 24 * time.Hour
	// StatusPending indicates that a handler has reserved the event but not yet finished processing it.
	StatusPending Status = "pending"
	// StatusProcessed indicates that the event was handled and any retry should be ignored.
	StatusProcessed Status = "processed"
)

// ReservationState describes the outcome of attempting to reserve an event.
type ReservationState int

const (
	// ReservationStateNew means no existing reservation was found and the caller should process the event.
	ReservationStateNew ReservationState = iota
	// ReservationStateProcessed means the event was already handled and must be skipped.
	ReservationStateProcessed
	// ReservationStatePending means another delivery of this event is currently being processed.
	ReservationStatePending
)

// Reservation encapsulates the result of reserving an event, including the stored record if available.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record captures the persisted metadata for a delivered event.
type Record struct {
	EventID   string
	Source    string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Store persists event reservations so that redelivered webhooks are handled at most once.
type Store interface {
	Reserve(ctx context.Context, eventID, source string, now time.Time, ttl time.Duration) (Reservation, error)
	MarkProcessed(ctx context.Context, eventID string, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, eventID string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

var (
	// ErrEmptyEventID is returned when a caller attempts to reserve a blank event identifier.
	ErrEmptyEventID = errors.New("idempotency: event id is required")
)

func recordID(eventID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(eventID)))
	return hex.EncodeToString(sum[:])
}
