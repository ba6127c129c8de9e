// Package store defines the persistence interface for the execution engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/integrity"
	"github.com/mqk/execution-engine/internal/model"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// OutboxStore persists order intents before any broker call. Every
// transition is guarded on the row's current status; a false result means
// the row was not in the expected state and nothing changed.
type OutboxStore interface {
	// Enqueue inserts a PENDING row. It reports false when the key
	// already exists; the existing row is left untouched.
	Enqueue(ctx context.Context, runID, key string, orderJSON json.RawMessage) (bool, error)

	// ClaimBatch atomically moves up to limit PENDING rows, oldest first,
	// to CLAIMED. Concurrent claimants never receive the same row.
	ClaimBatch(ctx context.Context, limit int, claimant string) ([]model.OutboxRow, error)

	// ReleaseClaim returns a CLAIMED row to PENDING and clears its claim.
	ReleaseClaim(ctx context.Context, key string) (bool, error)

	// MarkSent moves CLAIMED to SENT, stamping sent_at once.
	MarkSent(ctx context.Context, key string) (bool, error)

	// MarkAcked moves a row to ACKED from any status.
	MarkAcked(ctx context.Context, key string) (bool, error)

	// MarkFailed moves CLAIMED to FAILED.
	MarkFailed(ctx context.Context, key string) (bool, error)

	// FetchByKey returns the row for key or ErrNotFound.
	FetchByKey(ctx context.Context, key string) (*model.OutboxRow, error)

	// ListUnackedForRun returns the run's PENDING, CLAIMED, SENT and
	// FAILED rows ordered by id.
	ListUnackedForRun(ctx context.Context, runID string) ([]model.OutboxRow, error)

	// ListStaleClaims returns CLAIMED rows claimed before cutoff.
	ListStaleClaims(ctx context.Context, cutoff time.Time) ([]model.OutboxRow, error)
}

// InboxStore records broker messages before they are applied.
type InboxStore interface {
	// InsertInbox reports false when the broker message id was seen before.
	InsertInbox(ctx context.Context, runID, brokerMessageID string, messageJSON json.RawMessage) (bool, error)

	// MarkInboxApplied stamps applied_at once.
	MarkInboxApplied(ctx context.Context, brokerMessageID string) error

	// DiscardInbox deletes an unapplied message so a later delivery with
	// the same id is treated as new. Applied messages are kept.
	DiscardInbox(ctx context.Context, brokerMessageID string) error

	// ListUnappliedInbox returns the run's unapplied messages ordered by id.
	ListUnappliedInbox(ctx context.Context, runID string) ([]model.InboxRow, error)

	// ListInbox returns every message of the run ordered by id.
	ListInbox(ctx context.Context, runID string) ([]model.InboxRow, error)
}

// StateStore holds the arm state and the broker order id map.
type StateStore interface {
	SaveArmState(ctx context.Context, st integrity.ArmState) error

	// LoadArmState returns nil when nothing was ever persisted.
	LoadArmState(ctx context.Context) (*integrity.ArmState, error)

	UpsertBrokerMapping(ctx context.Context, internalID, brokerID string) error
	RemoveBrokerMapping(ctx context.Context, internalID string) error

	// LoadBrokerMappings returns mappings in registration order.
	LoadBrokerMappings(ctx context.Context) ([]execution.MapEntry, error)
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	OutboxStore
	InboxStore
	StateStore
}
