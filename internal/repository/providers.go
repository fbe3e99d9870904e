package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"keypanel/backend/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const accountColumns = `id, name, kind, base_url, api_key, currency, balance::text, last_balance_check, is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (models.ProviderAccount, error) {
	var out models.ProviderAccount
	var balance string
	var checked sql.NullTime
	if err := row.Scan(&out.ID, &out.Name, &out.Kind, &out.BaseURL, &out.APIKey, &out.Currency, &balance, &checked, &out.IsActive, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return models.ProviderAccount{}, err
	}
	amount, err := parseDecimal(balance)
	if err != nil {
		return models.ProviderAccount{}, err
	}
	out.Balance = amount
	out.LastBalanceCheck = timePtr(checked)
	return out, nil
}

func (r *Repository) GetProviderAccount(ctx context.Context, id int64) (models.ProviderAccount, error) {
	account, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM provider_accounts WHERE id = $1`, id))
	return account, mapNoRows(err, ErrProviderNotFound)
}

func (r *Repository) ListProviderAccounts(ctx context.Context, activeOnly bool) ([]models.ProviderAccount, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM provider_accounts WHERE ($1 = false OR is_active) ORDER BY id`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.ProviderAccount, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, account)
	}
	return out, rows.Err()
}

func (r *Repository) CreateProviderAccount(ctx context.Context, in models.ProviderAccountInput) (models.ProviderAccount, error) {
	active := in.IsActive == nil || *in.IsActive
	return scanAccount(r.pool.QueryRow(ctx, `
INSERT INTO provider_accounts (name, kind, base_url, api_key, currency, is_active)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+accountColumns+`;`, strings.TrimSpace(in.Name), in.Kind, strings.TrimSpace(in.BaseURL), in.APIKey, currencyOrDefault(in.Currency), active))
}

func (r *Repository) UpdateProviderAccount(ctx context.Context, id int64, patch models.ProviderAccountPatch) (models.ProviderAccount, error) {
	var name, baseURL, currency interface{}
	if patch.Name != nil {
		name = strings.TrimSpace(*patch.Name)
	}
	if patch.BaseURL != nil {
		baseURL = strings.TrimSpace(*patch.BaseURL)
	}
	if patch.Currency != nil {
		currency = currencyOrDefault(*patch.Currency)
	}
	var apiKey, active interface{}
	if patch.APIKey != nil {
		apiKey = *patch.APIKey
	}
	if patch.IsActive != nil {
		active = *patch.IsActive
	}
	account, err := scanAccount(r.pool.QueryRow(ctx, `
UPDATE provider_accounts
SET name = COALESCE($2, name),
	base_url = COALESCE($3, base_url),
	api_key = COALESCE($4, api_key),
	currency = COALESCE($5, currency),
	is_active = COALESCE($6, is_active),
	updated_at = now()
WHERE id = $1
RETURNING `+accountColumns+`;`, id, name, baseURL, apiKey, currency, active))
	return account, mapNoRows(err, ErrProviderNotFound)
}

func (r *Repository) SetProviderBalance(ctx context.Context, id int64, balance decimal.Decimal, currency string, checkedAt time.Time) (models.ProviderAccount, error) {
	account, err := scanAccount(r.pool.QueryRow(ctx, `
UPDATE provider_accounts
SET balance = $2::numeric,
	currency = COALESCE($3, currency),
	last_balance_check = $4,
	updated_at = now()
WHERE id = $1
RETURNING `+accountColumns+`;`, id, balance.String(), nullString(currency), checkedAt))
	return account, mapNoRows(err, ErrProviderNotFound)
}

func currencyOrDefault(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return "USD"
	}
	return currency
}
