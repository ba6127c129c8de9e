package store

import (
	"cmp"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/integrity"
	"github.com/mqk/execution-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Every status transition is a single guarded UPDATE so concurrent
// dispatchers cannot race a row through two states.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const outboxColumns = `outbox_id, run_id::TEXT, idempotency_key, order_json, status,
	created_at_utc, claimed_by, claimed_at_utc, sent_at_utc`

// --- Outbox ---

func (s *PostgresStore) Enqueue(ctx context.Context, runID, key string, orderJSON json.RawMessage) (bool, error) {
	return s.returning(ctx, "enqueue "+key,
		`INSERT INTO oms_outbox (run_id, idempotency_key, order_json, status)
		 VALUES ($1::UUID, $2, $3::JSONB, 'PENDING')
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING outbox_id`,
		runID, key, string(orderJSON))
}

func (s *PostgresStore) ClaimBatch(ctx context.Context, limit int, claimant string) ([]model.OutboxRow, error) {
	rows, err := s.pool.Query(ctx,
		`WITH to_claim AS (
			SELECT outbox_id FROM oms_outbox
			WHERE status = 'PENDING'
			ORDER BY outbox_id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		 )
		 UPDATE oms_outbox
		    SET status = 'CLAIMED', claimed_at_utc = now(), claimed_by = $2
		  WHERE outbox_id IN (SELECT outbox_id FROM to_claim)
		 RETURNING `+outboxColumns, limit, claimant)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	out, err := scanOutboxRows(rows)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	// RETURNING order is unspecified.
	slices.SortFunc(out, func(a, b model.OutboxRow) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, key string) (bool, error) {
	return s.returning(ctx, "release claim "+key,
		`UPDATE oms_outbox
		    SET status = 'PENDING', claimed_at_utc = NULL, claimed_by = NULL
		  WHERE idempotency_key = $1 AND status = 'CLAIMED'
		 RETURNING outbox_id`, key)
}

func (s *PostgresStore) MarkSent(ctx context.Context, key string) (bool, error) {
	return s.returning(ctx, "mark sent "+key,
		`UPDATE oms_outbox
		    SET status = 'SENT', sent_at_utc = COALESCE(sent_at_utc, now())
		  WHERE idempotency_key = $1 AND status = 'CLAIMED'
		 RETURNING outbox_id`, key)
}

func (s *PostgresStore) MarkAcked(ctx context.Context, key string) (bool, error) {
	return s.returning(ctx, "mark acked "+key,
		`UPDATE oms_outbox SET status = 'ACKED'
		  WHERE idempotency_key = $1
		 RETURNING outbox_id`, key)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, key string) (bool, error) {
	return s.returning(ctx, "mark failed "+key,
		`UPDATE oms_outbox SET status = 'FAILED'
		  WHERE idempotency_key = $1 AND status = 'CLAIMED'
		 RETURNING outbox_id`, key)
}

func (s *PostgresStore) FetchByKey(ctx context.Context, key string) (*model.OutboxRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM oms_outbox WHERE idempotency_key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox %s: %w", key, err)
	}
	defer rows.Close()

	out, err := scanOutboxRows(rows)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox %s: %w", key, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("outbox %s: %w", key, ErrNotFound)
	}
	return &out[0], nil
}

func (s *PostgresStore) ListUnackedForRun(ctx context.Context, runID string) ([]model.OutboxRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM oms_outbox
		  WHERE run_id = $1::UUID AND status IN ('PENDING','CLAIMED','SENT','FAILED')
		  ORDER BY outbox_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list unacked for run %s: %w", runID, err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

func (s *PostgresStore) ListStaleClaims(ctx context.Context, cutoff time.Time) ([]model.OutboxRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM oms_outbox
		  WHERE status = 'CLAIMED' AND claimed_at_utc < $1
		  ORDER BY outbox_id ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale claims: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// --- Inbox ---

func (s *PostgresStore) InsertInbox(ctx context.Context, runID, brokerMessageID string, messageJSON json.RawMessage) (bool, error) {
	return s.returning(ctx, "insert inbox "+brokerMessageID,
		`INSERT INTO oms_inbox (run_id, broker_message_id, message_json)
		 VALUES ($1::UUID, $2, $3::JSONB)
		 ON CONFLICT (broker_message_id) DO NOTHING
		 RETURNING inbox_id`,
		runID, brokerMessageID, string(messageJSON))
}

func (s *PostgresStore) MarkInboxApplied(ctx context.Context, brokerMessageID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE oms_inbox SET applied_at_utc = now()
		  WHERE broker_message_id = $1 AND applied_at_utc IS NULL`, brokerMessageID)
	if err != nil {
		return fmt.Errorf("mark inbox applied %s: %w", brokerMessageID, err)
	}
	return nil
}

func (s *PostgresStore) DiscardInbox(ctx context.Context, brokerMessageID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM oms_inbox
		  WHERE broker_message_id = $1 AND applied_at_utc IS NULL`, brokerMessageID)
	if err != nil {
		return fmt.Errorf("discard inbox %s: %w", brokerMessageID, err)
	}
	return nil
}

const inboxColumns = `inbox_id, run_id::TEXT, broker_message_id, message_json, received_at_utc, applied_at_utc`

func (s *PostgresStore) ListUnappliedInbox(ctx context.Context, runID string) ([]model.InboxRow, error) {
	return s.queryInbox(ctx, "list unapplied inbox for run "+runID,
		`SELECT `+inboxColumns+`
		   FROM oms_inbox
		  WHERE run_id = $1::UUID AND applied_at_utc IS NULL
		  ORDER BY inbox_id ASC`, runID)
}

func (s *PostgresStore) ListInbox(ctx context.Context, runID string) ([]model.InboxRow, error) {
	return s.queryInbox(ctx, "list inbox for run "+runID,
		`SELECT `+inboxColumns+`
		   FROM oms_inbox
		  WHERE run_id = $1::UUID
		  ORDER BY inbox_id ASC`, runID)
}

func (s *PostgresStore) queryInbox(ctx context.Context, op, sql string, args ...any) ([]model.InboxRow, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []model.InboxRow
	for rows.Next() {
		var r model.InboxRow
		var msg []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.BrokerMessageID, &msg, &r.ReceivedAt, &r.AppliedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		r.MessageJSON = msg
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- State ---

func (s *PostgresStore) SaveArmState(ctx context.Context, st integrity.ArmState) error {
	var reason *string
	state := "ARMED"
	if !st.Armed {
		r := string(st.Reason)
		state, reason = "DISARMED", &r
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sys_arm_state (sentinel_id, state, reason, updated_at_utc)
		 VALUES (1, $1, $2, now())
		 ON CONFLICT (sentinel_id) DO UPDATE
		    SET state = EXCLUDED.state, reason = EXCLUDED.reason,
		        updated_at_utc = EXCLUDED.updated_at_utc`,
		state, reason)
	if err != nil {
		return fmt.Errorf("save arm state: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadArmState(ctx context.Context) (*integrity.ArmState, error) {
	var state string
	var reason *string
	err := s.pool.QueryRow(ctx,
		`SELECT state, reason FROM sys_arm_state WHERE sentinel_id = 1`).Scan(&state, &reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load arm state: %w", err)
	}
	st := integrity.ArmState{Armed: state == "ARMED"}
	if !st.Armed && reason != nil {
		st.Reason = integrity.DisarmReason(*reason)
	}
	return &st, nil
}

func (s *PostgresStore) UpsertBrokerMapping(ctx context.Context, internalID, brokerID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO broker_order_map (internal_id, broker_id)
		 VALUES ($1, $2)
		 ON CONFLICT (internal_id) DO UPDATE SET broker_id = EXCLUDED.broker_id`,
		internalID, brokerID)
	if err != nil {
		return fmt.Errorf("upsert broker mapping %s: %w", internalID, err)
	}
	return nil
}

func (s *PostgresStore) RemoveBrokerMapping(ctx context.Context, internalID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM broker_order_map WHERE internal_id = $1`, internalID)
	if err != nil {
		return fmt.Errorf("remove broker mapping %s: %w", internalID, err)
	}
	return nil
}

func (s *PostgresStore) LoadBrokerMappings(ctx context.Context) ([]execution.MapEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT internal_id, broker_id FROM broker_order_map
		  ORDER BY registered_at_utc ASC, internal_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load broker mappings: %w", err)
	}
	defer rows.Close()

	var out []execution.MapEntry
	for rows.Next() {
		var e execution.MapEntry
		if err := rows.Scan(&e.InternalID, &e.BrokerID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// returning runs a statement with a RETURNING clause and reports whether
// it touched a row.
func (s *PostgresStore) returning(ctx context.Context, op, sql string, args ...any) (bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, sql, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// pgxRows is the subset of pgx.Rows the scan helpers need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOutboxRows(rows pgxRows) ([]model.OutboxRow, error) {
	var out []model.OutboxRow
	for rows.Next() {
		var r model.OutboxRow
		var order []byte
		var status string
		if err := rows.Scan(&r.ID, &r.RunID, &r.IdempotencyKey, &order, &status,
			&r.CreatedAt, &r.ClaimedBy, &r.ClaimedAt, &r.SentAt); err != nil {
			return nil, err
		}
		r.OrderJSON = order
		r.Status = model.OutboxStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
