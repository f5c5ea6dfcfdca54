package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"payment-orchestrator/internal/model"
)

const uniqueViolation = "23505"

const selectColumns = `id, user_id, plan_id, plan_name, amount, status, method, transaction_id, failure_reason, created_at, updated_at, paid_at`

// Postgres is the durable ledger. Transitions are a single conditional
// UPDATE, so concurrent callbacks and polls settle on exactly one winner.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Create(ctx context.Context, o *model.Order) error {
	query := `INSERT INTO payment_order (id, user_id, plan_id, plan_name, amount, status, method, transaction_id, failure_reason, created_at, updated_at, paid_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := p.pool.Exec(ctx, query, o.ID, o.UserID, o.PlanID, o.PlanName, o.Amount, o.Status, o.Method,
		o.TransactionID, o.FailureReason, o.CreatedAt, o.UpdatedAt, o.PaidAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert payment order")
}

func (p *Postgres) Get(ctx context.Context, id string) (*model.Order, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM payment_order WHERE id = $1`, id)

	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select payment order")
	}
	return order, nil
}

func (p *Postgres) MarkPaid(ctx context.Context, id string, paidAt time.Time, transactionID string) (bool, error) {
	query := `UPDATE payment_order SET status = $2, paid_at = $3, transaction_id = $4, updated_at = $3
	          WHERE id = $1 AND status = $5`
	return p.transition(ctx, id, query, id, model.StatusPaid, paidAt, transactionID, model.StatusPending)
}

func (p *Postgres) MarkFailed(ctx context.Context, id string, reason string) (bool, error) {
	query := `UPDATE payment_order SET status = $2, failure_reason = $3, updated_at = now()
	          WHERE id = $1 AND status = $4`
	return p.transition(ctx, id, query, id, model.StatusFailed, reason, model.StatusPending)
}

func (p *Postgres) transition(ctx context.Context, id, query string, args ...any) (bool, error) {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(err, "update payment order")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	err = p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_order WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check payment order")
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *Postgres) MarkPolled(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE payment_order SET polled_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return errors.Wrap(err, "update polled_at")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Order, error) {
	query := `SELECT ` + selectColumns + ` FROM payment_order
	          WHERE status = $1 AND created_at < $2
	          ORDER BY polled_at NULLS FIRST, created_at`
	args := []any{model.StatusPending, olderThan}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select pending orders")
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan pending order")
		}
		orders = append(orders, order)
	}
	return orders, errors.Wrap(rows.Err(), "iterate pending orders")
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.UserID, &o.PlanID, &o.PlanName, &o.Amount, &o.Status, &o.Method,
		&o.TransactionID, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
