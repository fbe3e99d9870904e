package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"keypanel/backend/internal/models"

	"github.com/jackc/pgx/v5"
)

const serviceColumns = `id, provider_account_id, external_service_id, name, platform, type, price_per_thousand::text, custom_price::text, min_quantity, max_quantity, is_active, delisted_at, updated_at`

func scanService(row pgx.Row) (models.ServiceDefinition, error) {
	var out models.ServiceDefinition
	var price string
	var custom sql.NullString
	var delisted sql.NullTime
	if err := row.Scan(&out.ID, &out.ProviderAccountID, &out.ExternalServiceID, &out.Name, &out.Platform, &out.Type, &price, &custom, &out.MinQuantity, &out.MaxQuantity, &out.IsActive, &delisted, &out.UpdatedAt); err != nil {
		return models.ServiceDefinition{}, err
	}
	amount, err := parseDecimal(price)
	if err != nil {
		return models.ServiceDefinition{}, err
	}
	out.PricePerThousand = amount
	if custom.Valid {
		value, err := parseDecimal(custom.String)
		if err != nil {
			return models.ServiceDefinition{}, err
		}
		out.CustomPrice = &value
	}
	out.DelistedAt = timePtr(delisted)
	return out, nil
}

func (r *Repository) GetService(ctx context.Context, id int64) (models.ServiceDefinition, error) {
	service, err := scanService(r.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id))
	return service, mapNoRows(err, ErrServiceNotFound)
}

func (r *Repository) ListServices(ctx context.Context, filter models.ServiceFilter) ([]models.ServiceDefinition, int, error) {
	var where []string
	var args []interface{}
	if filter.ProviderAccountID > 0 {
		args = append(args, filter.ProviderAccountID)
		where = append(where, fmt.Sprintf("provider_account_id = $%d", len(args)))
	}
	if filter.Platform != "" {
		args = append(args, filter.Platform)
		where = append(where, fmt.Sprintf("platform = $%d", len(args)))
	}
	if filter.ActiveOnly {
		where = append(where, "is_active")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM services`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query, args := appendPage(`SELECT `+serviceColumns+` FROM services`+clause+` ORDER BY id`, args, filter.Limit, filter.Offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]models.ServiceDefinition, 0)
	for rows.Next() {
		service, err := scanService(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, service)
	}
	return out, total, rows.Err()
}

func (r *Repository) UpdateService(ctx context.Context, id int64, patch models.ServicePatch) (models.ServiceDefinition, error) {
	var name, price, active interface{}
	if patch.Name != nil {
		name = strings.TrimSpace(*patch.Name)
	}
	if patch.CustomPrice != nil {
		price = patch.CustomPrice.String()
	}
	if patch.IsActive != nil {
		active = *patch.IsActive
	}
	service, err := scanService(r.pool.QueryRow(ctx, `
UPDATE services
SET name = COALESCE($2, name),
	custom_price = CASE WHEN $3 THEN NULL ELSE COALESCE($4::numeric, custom_price) END,
	is_active = COALESCE($5, is_active),
	updated_at = now()
WHERE id = $1
RETURNING `+serviceColumns+`;`, id, name, patch.ClearPrice, price, active))
	return service, mapNoRows(err, ErrServiceNotFound)
}

// UpsertServices applies an upstream catalog to one account in a single
// transaction. Custom prices are never touched; rows missing from items are
// delisted and delisted rows that reappear are reactivated.
func (r *Repository) UpsertServices(ctx context.Context, accountID int64, items []models.ServiceUpsert, now time.Time) (models.CatalogSyncResult, error) {
	var result models.CatalogSyncResult
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var locked int64
		if err := tx.QueryRow(ctx, `SELECT id FROM provider_accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&locked); err != nil {
			return mapNoRows(err, ErrProviderNotFound)
		}

		delisted := make(map[string]bool)
		rows, err := tx.Query(ctx, `SELECT external_service_id FROM services WHERE provider_account_id = $1 AND delisted_at IS NOT NULL`, accountID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var externalID string
			if err := rows.Scan(&externalID); err != nil {
				rows.Close()
				return err
			}
			delisted[externalID] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		externalIDs := make([]string, 0, len(items))
		for _, item := range items {
			_, err := tx.Exec(ctx, `
INSERT INTO services (provider_account_id, external_service_id, name, platform, type, price_per_thousand, min_quantity, max_quantity, is_active, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, TRUE, $9)
ON CONFLICT (provider_account_id, external_service_id) DO UPDATE SET
	name = EXCLUDED.name,
	platform = EXCLUDED.platform,
	type = EXCLUDED.type,
	price_per_thousand = EXCLUDED.price_per_thousand,
	min_quantity = EXCLUDED.min_quantity,
	max_quantity = EXCLUDED.max_quantity,
	is_active = CASE WHEN services.delisted_at IS NOT NULL THEN TRUE ELSE services.is_active END,
	delisted_at = NULL,
	updated_at = EXCLUDED.updated_at;`,
				accountID, item.ExternalServiceID, item.Name, item.Platform, item.Type, item.PricePerThousand.String(), item.MinQuantity, item.MaxQuantity, now)
			if err != nil {
				return err
			}
			if delisted[item.ExternalServiceID] {
				result.Reactivated++
			}
			result.Upserted++
			externalIDs = append(externalIDs, item.ExternalServiceID)
		}

		cmd, err := tx.Exec(ctx, `
UPDATE services
SET is_active = FALSE,
	delisted_at = $2,
	updated_at = $2
WHERE provider_account_id = $1
	AND delisted_at IS NULL
	AND NOT (external_service_id = ANY($3));`, accountID, now, externalIDs)
		if err != nil {
			return err
		}
		result.Delisted = int(cmd.RowsAffected())
		return nil
	})
	return result, err
}
