package execution

import (
	"errors"
	"fmt"

	"github.com/mqk/execution-engine/internal/model"
)

// ErrInvalidClaim is returned for a claim that was not built from a
// claimed outbox row.
var ErrInvalidClaim = errors.New("execution: outbox claim is not valid")

// ClaimToken is proof that the caller holds a durable outbox row. The
// gateway submits under its idempotency key regardless of the request's
// own order id.
type ClaimToken struct {
	outboxID int64
	key      string
}

// ClaimFromRow builds a token from a row the caller has claimed. SENT rows
// are accepted so recovery can resubmit a row the broker never received.
func ClaimFromRow(row *model.OutboxRow) (ClaimToken, error) {
	if row == nil || row.IdempotencyKey == "" {
		return ClaimToken{}, ErrInvalidClaim
	}
	if row.Status != model.OutboxClaimed && row.Status != model.OutboxSent {
		return ClaimToken{}, fmt.Errorf("%w: outbox %d is %s", ErrInvalidClaim, row.ID, row.Status)
	}
	return ClaimToken{outboxID: row.ID, key: row.IdempotencyKey}, nil
}

func (c ClaimToken) OutboxID() int64        { return c.outboxID }
func (c ClaimToken) IdempotencyKey() string { return c.key }
func (c ClaimToken) valid() bool            { return c.key != "" }
