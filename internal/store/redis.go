package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/integrity"
	"github.com/mqk/execution-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Claims and the unacked
// listings always hit the primary since they drive dispatch decisions.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Enqueue(ctx context.Context, runID, key string, orderJSON json.RawMessage) (bool, error) {
	ok, err := s.primary.Enqueue(ctx, runID, key, orderJSON)
	if err != nil {
		return false, err
	}
	s.rdb.Del(ctx, outboxKey(key))
	return ok, nil
}

func (s *CachedStore) ClaimBatch(ctx context.Context, limit int, claimant string) ([]model.OutboxRow, error) {
	rows, err := s.primary.ClaimBatch(ctx, limit, claimant)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		s.rdb.Del(ctx, outboxKey(r.IdempotencyKey))
	}
	return rows, nil
}

func (s *CachedStore) ReleaseClaim(ctx context.Context, key string) (bool, error) {
	return s.invalidate(ctx, key, s.primary.ReleaseClaim)
}

func (s *CachedStore) MarkSent(ctx context.Context, key string) (bool, error) {
	return s.invalidate(ctx, key, s.primary.MarkSent)
}

func (s *CachedStore) MarkAcked(ctx context.Context, key string) (bool, error) {
	return s.invalidate(ctx, key, s.primary.MarkAcked)
}

func (s *CachedStore) MarkFailed(ctx context.Context, key string) (bool, error) {
	return s.invalidate(ctx, key, s.primary.MarkFailed)
}

func (s *CachedStore) SaveArmState(ctx context.Context, st integrity.ArmState) error {
	if err := s.primary.SaveArmState(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, armKey)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, key string, fn func(context.Context, string) (bool, error)) (bool, error) {
	ok, err := fn(ctx, key)
	if err != nil {
		return false, err
	}
	// Invalidate even on a no-op; the cached row may be the stale one.
	s.rdb.Del(ctx, outboxKey(key))
	return ok, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) FetchByKey(ctx context.Context, key string) (*model.OutboxRow, error) {
	data, err := s.rdb.Get(ctx, outboxKey(key)).Bytes()
	if err == nil {
		var row model.OutboxRow
		if json.Unmarshal(data, &row) == nil {
			return &row, nil
		}
	}

	// Cache miss: read from primary.
	row, err := s.primary.FetchByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(row); err == nil {
		s.rdb.Set(ctx, outboxKey(key), data, s.ttl)
	}
	return row, nil
}

func (s *CachedStore) LoadArmState(ctx context.Context) (*integrity.ArmState, error) {
	data, err := s.rdb.Get(ctx, armKey).Bytes()
	if err == nil {
		var st integrity.ArmState
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.LoadArmState(ctx)
	if err != nil || st == nil {
		return st, err
	}
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, armKey, data, s.ttl)
	}
	return st, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUnackedForRun(ctx context.Context, runID string) ([]model.OutboxRow, error) {
	return s.primary.ListUnackedForRun(ctx, runID)
}

func (s *CachedStore) ListStaleClaims(ctx context.Context, cutoff time.Time) ([]model.OutboxRow, error) {
	return s.primary.ListStaleClaims(ctx, cutoff)
}

func (s *CachedStore) InsertInbox(ctx context.Context, runID, brokerMessageID string, messageJSON json.RawMessage) (bool, error) {
	return s.primary.InsertInbox(ctx, runID, brokerMessageID, messageJSON)
}

func (s *CachedStore) MarkInboxApplied(ctx context.Context, brokerMessageID string) error {
	return s.primary.MarkInboxApplied(ctx, brokerMessageID)
}

func (s *CachedStore) DiscardInbox(ctx context.Context, brokerMessageID string) error {
	return s.primary.DiscardInbox(ctx, brokerMessageID)
}

func (s *CachedStore) ListUnappliedInbox(ctx context.Context, runID string) ([]model.InboxRow, error) {
	return s.primary.ListUnappliedInbox(ctx, runID)
}

func (s *CachedStore) ListInbox(ctx context.Context, runID string) ([]model.InboxRow, error) {
	return s.primary.ListInbox(ctx, runID)
}

func (s *CachedStore) UpsertBrokerMapping(ctx context.Context, internalID, brokerID string) error {
	return s.primary.UpsertBrokerMapping(ctx, internalID, brokerID)
}

func (s *CachedStore) RemoveBrokerMapping(ctx context.Context, internalID string) error {
	return s.primary.RemoveBrokerMapping(ctx, internalID)
}

func (s *CachedStore) LoadBrokerMappings(ctx context.Context) ([]execution.MapEntry, error) {
	return s.primary.LoadBrokerMappings(ctx)
}

// --- Cache helpers ---

const armKey = "mqk:arm_state"

func outboxKey(key string) string { return fmt.Sprintf("mqk:outbox:%s", key) }
