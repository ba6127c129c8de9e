package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/integrity"
	"github.com/mqk/execution-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	outbox     []*model.OutboxRow
	outboxKeys map[string]*model.OutboxRow

	inbox     []*model.InboxRow
	inboxKeys map[string]*model.InboxRow

	arm      *integrity.ArmState
	mappings []execution.MapEntry
	nextID   int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a store that stamps rows using now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:        now,
		outboxKeys: make(map[string]*model.OutboxRow),
		inboxKeys:  make(map[string]*model.InboxRow),
	}
}

// --- Outbox ---

func (s *MemoryStore) Enqueue(_ context.Context, runID, key string, orderJSON json.RawMessage) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("enqueue: empty idempotency key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outboxKeys[key]; ok {
		return false, nil
	}
	s.nextID++
	row := &model.OutboxRow{
		ID:             s.nextID,
		RunID:          runID,
		IdempotencyKey: key,
		OrderJSON:      slices.Clone(orderJSON),
		Status:         model.OutboxPending,
		CreatedAt:      s.now().UTC(),
	}
	s.outbox = append(s.outbox, row)
	s.outboxKeys[key] = row
	return true, nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, limit int, claimant string) ([]model.OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.OutboxRow
	ts := s.now().UTC()
	for _, row := range s.outbox {
		if len(out) >= limit {
			break
		}
		if row.Status != model.OutboxPending {
			continue
		}
		who := claimant
		row.Status = model.OutboxClaimed
		row.ClaimedBy = &who
		row.ClaimedAt = &ts
		out = append(out, copyOutbox(row))
	}
	return out, nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, key string) (bool, error) {
	return s.transition(key, func(row *model.OutboxRow) bool {
		if row.Status != model.OutboxClaimed {
			return false
		}
		row.Status = model.OutboxPending
		row.ClaimedBy = nil
		row.ClaimedAt = nil
		return true
	})
}

func (s *MemoryStore) MarkSent(_ context.Context, key string) (bool, error) {
	return s.transition(key, func(row *model.OutboxRow) bool {
		if row.Status != model.OutboxClaimed {
			return false
		}
		row.Status = model.OutboxSent
		if row.SentAt == nil {
			ts := s.now().UTC()
			row.SentAt = &ts
		}
		return true
	})
}

func (s *MemoryStore) MarkAcked(_ context.Context, key string) (bool, error) {
	return s.transition(key, func(row *model.OutboxRow) bool {
		row.Status = model.OutboxAcked
		return true
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, key string) (bool, error) {
	return s.transition(key, func(row *model.OutboxRow) bool {
		if row.Status != model.OutboxClaimed {
			return false
		}
		row.Status = model.OutboxFailed
		return true
	})
}

func (s *MemoryStore) transition(key string, fn func(*model.OutboxRow) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.outboxKeys[key]
	if !ok {
		return false, nil
	}
	return fn(row), nil
}

func (s *MemoryStore) FetchByKey(_ context.Context, key string) (*model.OutboxRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.outboxKeys[key]
	if !ok {
		return nil, fmt.Errorf("outbox %s: %w", key, ErrNotFound)
	}
	c := copyOutbox(row)
	return &c, nil
}

func (s *MemoryStore) ListUnackedForRun(_ context.Context, runID string) ([]model.OutboxRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OutboxRow
	for _, row := range s.outbox {
		if row.RunID == runID && row.Status != model.OutboxAcked {
			out = append(out, copyOutbox(row))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStaleClaims(_ context.Context, cutoff time.Time) ([]model.OutboxRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OutboxRow
	for _, row := range s.outbox {
		if row.Status == model.OutboxClaimed && row.ClaimedAt != nil && row.ClaimedAt.Before(cutoff) {
			out = append(out, copyOutbox(row))
		}
	}
	return out, nil
}

// --- Inbox ---

func (s *MemoryStore) InsertInbox(_ context.Context, runID, brokerMessageID string, messageJSON json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inboxKeys[brokerMessageID]; ok {
		return false, nil
	}
	s.nextID++
	row := &model.InboxRow{
		ID:              s.nextID,
		RunID:           runID,
		BrokerMessageID: brokerMessageID,
		MessageJSON:     slices.Clone(messageJSON),
		ReceivedAt:      s.now().UTC(),
	}
	s.inbox = append(s.inbox, row)
	s.inboxKeys[brokerMessageID] = row
	return true, nil
}

func (s *MemoryStore) MarkInboxApplied(_ context.Context, brokerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.inboxKeys[brokerMessageID]
	if !ok {
		return fmt.Errorf("inbox %s: %w", brokerMessageID, ErrNotFound)
	}
	if row.AppliedAt == nil {
		ts := s.now().UTC()
		row.AppliedAt = &ts
	}
	return nil
}

func (s *MemoryStore) DiscardInbox(_ context.Context, brokerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.inboxKeys[brokerMessageID]
	if !ok || row.AppliedAt != nil {
		return nil
	}
	delete(s.inboxKeys, brokerMessageID)
	s.inbox = slices.DeleteFunc(s.inbox, func(r *model.InboxRow) bool { return r == row })
	return nil
}

func (s *MemoryStore) ListUnappliedInbox(_ context.Context, runID string) ([]model.InboxRow, error) {
	return s.listInbox(runID, true), nil
}

func (s *MemoryStore) ListInbox(_ context.Context, runID string) ([]model.InboxRow, error) {
	return s.listInbox(runID, false), nil
}

func (s *MemoryStore) listInbox(runID string, unappliedOnly bool) []model.InboxRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.InboxRow
	for _, row := range s.inbox {
		if row.RunID != runID || (unappliedOnly && row.AppliedAt != nil) {
			continue
		}
		c := *row
		c.MessageJSON = slices.Clone(row.MessageJSON)
		out = append(out, c)
	}
	return out
}

// --- State ---

func (s *MemoryStore) SaveArmState(_ context.Context, st integrity.ArmState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arm = &st
	return nil
}

func (s *MemoryStore) LoadArmState(_ context.Context) (*integrity.ArmState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.arm == nil {
		return nil, nil
	}
	st := *s.arm
	return &st, nil
}

func (s *MemoryStore) UpsertBrokerMapping(_ context.Context, internalID, brokerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.mappings {
		if s.mappings[i].InternalID == internalID {
			s.mappings[i].BrokerID = brokerID
			return nil
		}
	}
	s.mappings = append(s.mappings, execution.MapEntry{InternalID: internalID, BrokerID: brokerID})
	return nil
}

func (s *MemoryStore) RemoveBrokerMapping(_ context.Context, internalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mappings = slices.DeleteFunc(s.mappings, func(e execution.MapEntry) bool {
		return e.InternalID == internalID
	})
	return nil
}

func (s *MemoryStore) LoadBrokerMappings(_ context.Context) ([]execution.MapEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.mappings), nil
}

// copyOutbox returns a detached copy so callers cannot mutate stored rows.
func copyOutbox(row *model.OutboxRow) model.OutboxRow {
	c := *row
	c.OrderJSON = slices.Clone(row.OrderJSON)
	if row.ClaimedBy != nil {
		who := *row.ClaimedBy
		c.ClaimedBy = &who
	}
	if row.ClaimedAt != nil {
		ts := *row.ClaimedAt
		c.ClaimedAt = &ts
	}
	if row.SentAt != nil {
		ts := *row.SentAt
		c.SentAt = &ts
	}
	return c
}
