package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"keypanel/backend/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const orderColumns = `id, key_id, service_id, quantity, target_url, status, external_order_id, provider_response, message, quota_state, resend_of, created_at, updated_at, dispatched_at, completed_at`

func scanOrder(row pgx.Row) (models.Order, error) {
	var out models.Order
	var externalID, message sql.NullString
	var response []byte
	var resendOf *uuid.UUID
	var dispatchedAt, completedAt sql.NullTime
	if err := row.Scan(&out.ID, &out.KeyID, &out.ServiceID, &out.Quantity, &out.TargetURL, &out.Status, &externalID, &response, &message, &out.QuotaState, &resendOf, &out.CreatedAt, &out.UpdatedAt, &dispatchedAt, &completedAt); err != nil {
		return models.Order{}, err
	}
	out.ExternalOrderID = externalID.String
	out.Message = message.String
	if len(response) > 0 {
		out.ProviderResponse = response
	}
	out.ResendOf = resendOf
	out.DispatchedAt = timePtr(dispatchedAt)
	out.CompletedAt = timePtr(completedAt)
	return out, nil
}

func (r *Repository) CreateOrder(ctx context.Context, in models.NewOrder) (models.Order, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, `
INSERT INTO orders (id, key_id, service_id, quantity, target_url, status, quota_state, resend_of)
VALUES ($1, $2, $3, $4, $5, 'pending', 'reserved', $6)
RETURNING `+orderColumns+`;`, in.ID, in.KeyID, in.ServiceID, in.Quantity, in.TargetURL, in.ResendOf))
	if err != nil {
		return models.Order{}, fmt.Errorf("insert order: %w", err)
	}
	return order, nil
}

func (r *Repository) GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	return order, mapNoRows(err, ErrOrderNotFound)
}

// TransitionOrder applies t only while the row matches its preconditions.
// On a lost race it returns the current row with ErrOrderStateNotAllowed.
func (r *Repository) TransitionOrder(ctx context.Context, id uuid.UUID, t models.OrderTransition) (models.Order, error) {
	var to interface{}
	if t.To != "" {
		to = t.To
	}
	var response interface{}
	if len(t.ProviderResponse) > 0 {
		response = []byte(t.ProviderResponse)
	}
	order, err := scanOrder(r.pool.QueryRow(ctx, `
UPDATE orders
SET status = COALESCE($3, status),
	external_order_id = COALESCE($4, external_order_id),
	provider_response = COALESCE($5::jsonb, provider_response),
	message = COALESCE($6, message),
	quota_state = COALESCE($7, quota_state),
	dispatched_at = COALESCE($8, dispatched_at),
	completed_at = COALESCE($9, completed_at),
	updated_at = now()
WHERE id = $1
	AND status = ANY($2)
	AND (NOT $10 OR external_order_id IS NULL OR external_order_id = '')
RETURNING `+orderColumns+`;`,
		id, t.From, to, t.ExternalOrderID, response, t.Message, t.QuotaState, t.DispatchedAt, t.CompletedAt, t.WithoutExternalID))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.GetOrder(ctx, id)
		if getErr != nil {
			return models.Order{}, getErr
		}
		return current, ErrOrderStateNotAllowed
	}
	return order, err
}

func (r *Repository) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(filter.Statuses) > 0 {
		add("status = ANY($%d)", filter.Statuses)
	}
	if filter.QuotaState != "" {
		add("quota_state = $%d", filter.QuotaState)
	}
	if filter.KeyID > 0 {
		add("key_id = $%d", filter.KeyID)
	}
	if filter.ServiceID > 0 {
		add("service_id = $%d", filter.ServiceID)
	}
	if filter.HasExternalID != nil {
		if *filter.HasExternalID {
			where = append(where, "COALESCE(external_order_id, '') <> ''")
		} else {
			where = append(where, "COALESCE(external_order_id, '') = ''")
		}
	}
	if filter.CreatedBefore != nil {
		add("created_at < $%d", *filter.CreatedBefore)
	}
	if filter.UpdatedBefore != nil {
		add("updated_at < $%d", *filter.UpdatedBefore)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM orders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	order := ` ORDER BY created_at DESC, id`
	if filter.StalestFirst {
		order = ` ORDER BY updated_at ASC, id`
	}
	query, args := appendPage(`SELECT `+orderColumns+` FROM orders`+clause+order, args, filter.Limit, filter.Offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]models.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, order)
	}
	return out, total, rows.Err()
}

func (r *Repository) OrderStats(ctx context.Context) ([]models.OrderStatsRow, error) {
	rows, err := r.pool.Query(ctx, `
SELECT o.status, COALESCE(s.platform, ''), count(*), COALESCE(sum(o.quantity), 0)
FROM orders o
LEFT JOIN services s ON s.id = o.service_id
GROUP BY o.status, s.platform
ORDER BY o.status, s.platform;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.OrderStatsRow, 0)
	for rows.Next() {
		var row models.OrderStatsRow
		if err := rows.Scan(&row.Status, &row.Platform, &row.Orders, &row.Quantity); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
