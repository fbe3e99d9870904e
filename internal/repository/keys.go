package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"keypanel/backend/internal/models"

	"github.com/jackc/pgx/v5"
)

const keyColumns = `id, value, category, total_quota, used_count, reserved_count, status, note, created_at, expires_at, last_used_at`

func scanKey(row pgx.Row) (models.Key, error) {
	var out models.Key
	var note sql.NullString
	var expiresAt, lastUsedAt sql.NullTime
	if err := row.Scan(&out.ID, &out.Value, &out.Category, &out.TotalQuota, &out.UsedCount, &out.ReservedCount, &out.Status, &note, &out.CreatedAt, &expiresAt, &lastUsedAt); err != nil {
		return models.Key{}, err
	}
	out.Note = note.String
	out.ExpiresAt = timePtr(expiresAt)
	out.LastUsedAt = timePtr(lastUsedAt)
	return out, nil
}

func (r *Repository) GetKeyByValue(ctx context.Context, value string) (models.Key, error) {
	key, err := scanKey(r.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM redemption_keys WHERE value = $1`, value))
	return key, mapNoRows(err, ErrKeyNotFound)
}

func (r *Repository) GetKeyByID(ctx context.Context, id int64) (models.Key, error) {
	key, err := scanKey(r.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM redemption_keys WHERE id = $1`, id))
	return key, mapNoRows(err, ErrKeyNotFound)
}

// ReserveKey takes one quota slot if the key is usable at now.
func (r *Repository) ReserveKey(ctx context.Context, id int64, now time.Time) (models.Key, error) {
	key, err := scanKey(r.pool.QueryRow(ctx, `
UPDATE redemption_keys
SET reserved_count = reserved_count + 1
WHERE id = $1
	AND status IN ('unused', 'active')
	AND (expires_at IS NULL OR expires_at >= $2)
	AND used_count + reserved_count < total_quota
RETURNING `+keyColumns+`;`, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Key{}, r.keyMissingOr(ctx, id, ErrKeyUnavailable)
	}
	return key, err
}

// CommitKey turns a reserved slot into a used one and updates the status.
func (r *Repository) CommitKey(ctx context.Context, id int64, now time.Time) (models.Key, error) {
	key, err := scanKey(r.pool.QueryRow(ctx, `
UPDATE redemption_keys
SET reserved_count = reserved_count - 1,
	used_count = used_count + 1,
	last_used_at = $2,
	status = CASE
		WHEN used_count + 1 >= total_quota THEN 'exhausted'
		WHEN status = 'expired' THEN 'expired'
		ELSE 'active'
	END
WHERE id = $1 AND reserved_count > 0
RETURNING `+keyColumns+`;`, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Key{}, r.keyMissingOr(ctx, id, ErrNoReservation)
	}
	return key, err
}

func (r *Repository) ReleaseKey(ctx context.Context, id int64) (models.Key, error) {
	key, err := scanKey(r.pool.QueryRow(ctx, `
UPDATE redemption_keys
SET reserved_count = reserved_count - 1
WHERE id = $1 AND reserved_count > 0
RETURNING `+keyColumns+`;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Key{}, r.keyMissingOr(ctx, id, ErrNoReservation)
	}
	return key, err
}

func (r *Repository) keyMissingOr(ctx context.Context, id int64, otherwise error) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM redemption_keys WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrKeyNotFound
	}
	return otherwise
}

// CreateKeys inserts a batch atomically. Any value collision aborts the batch.
func (r *Repository) CreateKeys(ctx context.Context, keys []models.Key) ([]models.Key, error) {
	if err := r.ensurePool(); err != nil {
		return nil, err
	}
	out := make([]models.Key, 0, len(keys))
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		for _, key := range keys {
			status := key.Status
			if status == "" {
				status = models.KeyStatusUnused
			}
			created, err := scanKey(tx.QueryRow(ctx, `
INSERT INTO redemption_keys (value, category, total_quota, status, note, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+keyColumns+`;`, key.Value, key.Category, key.TotalQuota, status, nullString(key.Note), nullTime(key.ExpiresAt)))
			if err != nil {
				if isUniqueViolation(err) {
					return ErrDuplicateKey
				}
				return err
			}
			out = append(out, created)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) ListKeys(ctx context.Context, filter models.KeyFilter) ([]models.Key, int, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM redemption_keys`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + keyColumns + ` FROM redemption_keys` + clause + ` ORDER BY id DESC`
	query, args = appendPage(query, args, filter.Limit, filter.Offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]models.Key, 0)
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, key)
	}
	return out, total, rows.Err()
}

func (r *Repository) ExpireKeys(ctx context.Context, now time.Time) (int64, error) {
	cmd, err := r.pool.Exec(ctx, `
UPDATE redemption_keys
SET status = 'expired'
WHERE status IN ('unused', 'active')
	AND expires_at IS NOT NULL
	AND expires_at < $1;`, now)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func appendPage(query string, args []interface{}, limit, offset int) (string, []interface{}) {
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
