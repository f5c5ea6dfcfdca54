// Package ledger owns payment orders. Orders are append-only: the only
// mutations are the pending -> paid and pending -> failed transitions.
package ledger

import (
	"context"
	"errors"
	"time"

	"payment-orchestrator/internal/model"
)

var (
	ErrNotFound  = errors.New("order not found")
	ErrDuplicate = errors.New("order already exists")
)

type Ledger interface {
	Create(ctx context.Context, order *model.Order) error
	Get(ctx context.Context, id string) (*model.Order, error)
	// MarkPaid applies pending -> paid and reports whether this call made
	// the transition. Paid and failed orders are left untouched.
	MarkPaid(ctx context.Context, id string, paidAt time.Time, transactionID string) (bool, error)
	// MarkFailed applies pending -> failed with the same rules as MarkPaid.
	MarkFailed(ctx context.Context, id string, reason string) (bool, error)
	// MarkPolled records that the order's status was queried at the gateway.
	MarkPolled(ctx context.Context, id string, at time.Time) error
	// ListPending returns pending orders created before olderThan. Orders
	// never polled come first, then the least recently polled, ties broken
	// by creation time. A limit <= 0 returns every match.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Order, error)
}
