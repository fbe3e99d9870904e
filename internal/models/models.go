package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	KeyStatusUnused    = "unused"
	KeyStatusActive    = "active"
	KeyStatusExhausted = "exhausted"
	KeyStatusExpired   = "expired"
)

// Key is a pre-issued redemption token. UsedCount counts orders accepted by a
// provider; ReservedCount counts slots held by orders still being dispatched.
type Key struct {
	ID            int64      `json:"id"`
	Value         string     `json:"value"`
	Category      string     `json:"category"`
	TotalQuota    int        `json:"totalQuota"`
	UsedCount     int        `json:"usedCount"`
	ReservedCount int        `json:"reservedCount"`
	Status        string     `json:"status"`
	Note          string     `json:"note,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
}

// Remaining returns quota not yet used or reserved.
func (k Key) Remaining() int {
	left := k.TotalQuota - k.UsedCount - k.ReservedCount
	if left < 0 {
		return 0
	}
	return left
}

// KeySummary is the masked view of a key shown next to orders.
type KeySummary struct {
	ID         int64  `json:"id"`
	Masked     string `json:"masked"`
	Category   string `json:"category"`
	TotalQuota int    `json:"totalQuota"`
	UsedCount  int    `json:"usedCount"`
	Status     string `json:"status"`
}

type KeyIssueParams struct {
	Count      int        `json:"count" validate:"required,min=1,max=500"`
	Category   string     `json:"category" validate:"required,max=64"`
	TotalQuota int        `json:"totalQuota" validate:"required,min=1"`
	Note       string     `json:"note" validate:"max=256"`
	ExpiresAt  *time.Time `json:"expiresAt"`
}

type KeyFilter struct {
	Status   string
	Category string
	Limit    int
	Offset   int
}

const (
	ProviderKindSMMV2    = "smm_v2"
	ProviderKindJSONRest = "json_rest"
)

// ProviderAccount is one credentialed account with an SMM vendor. Balance is
// an advisory cache refreshed by the reconciler.
type ProviderAccount struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Kind             string          `json:"kind"`
	BaseURL          string          `json:"baseUrl"`
	APIKey           string          `json:"-"`
	Currency         string          `json:"currency"`
	Balance          decimal.Decimal `json:"balance"`
	LastBalanceCheck *time.Time      `json:"lastBalanceCheck,omitempty"`
	IsActive         bool            `json:"isActive"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// HasKnownEmptyBalance reports whether a balance check ran and found no funds.
func (a ProviderAccount) HasKnownEmptyBalance() bool {
	return a.LastBalanceCheck != nil && !a.Balance.IsPositive()
}

type ProviderAccountInput struct {
	Name     string `json:"name" validate:"required,max=128"`
	Kind     string `json:"kind" validate:"required,oneof=smm_v2 json_rest"`
	BaseURL  string `json:"baseUrl" validate:"required,url"`
	APIKey   string `json:"apiKey" validate:"required"`
	Currency string `json:"currency" validate:"omitempty,len=3"`
	IsActive *bool  `json:"isActive"`
}

type ProviderAccountPatch struct {
	Name     *string `json:"name" validate:"omitempty,max=128"`
	BaseURL  *string `json:"baseUrl" validate:"omitempty,url"`
	APIKey   *string `json:"apiKey"`
	Currency *string `json:"currency" validate:"omitempty,len=3"`
	IsActive *bool   `json:"isActive"`
}

// ProviderSummary is the non-secret view of an account shown next to orders.
type ProviderSummary struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// ServiceDefinition is one orderable unit offered by a provider account.
type ServiceDefinition struct {
	ID                int64            `json:"id"`
	ProviderAccountID int64            `json:"providerAccountId"`
	ExternalServiceID string           `json:"externalServiceId"`
	Name              string           `json:"name"`
	Platform          string           `json:"platform"`
	Type              string           `json:"type"`
	PricePerThousand  decimal.Decimal  `json:"pricePerThousand"`
	CustomPrice       *decimal.Decimal `json:"customPrice,omitempty"`
	MinQuantity       int              `json:"minQuantity"`
	MaxQuantity       int              `json:"maxQuantity"`
	IsActive          bool             `json:"isActive"`
	DelistedAt        *time.Time       `json:"delistedAt,omitempty"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// Category is the key category the service belongs to, "platform.type".
func (s ServiceDefinition) Category() string {
	if s.Type == "" {
		return s.Platform
	}
	return s.Platform + "." + s.Type
}

// EffectivePrice is the custom override when set, otherwise the upstream price.
func (s ServiceDefinition) EffectivePrice() decimal.Decimal {
	if s.CustomPrice != nil {
		return *s.CustomPrice
	}
	return s.PricePerThousand
}

// ServiceUpsert is one upstream catalog entry after normalization.
type ServiceUpsert struct {
	ExternalServiceID string
	Name              string
	Platform          string
	Type              string
	PricePerThousand  decimal.Decimal
	MinQuantity       int
	MaxQuantity       int
}

type ServicePatch struct {
	Name        *string          `json:"name" validate:"omitempty,max=256"`
	CustomPrice *decimal.Decimal `json:"customPrice"`
	ClearPrice  bool             `json:"clearCustomPrice"`
	IsActive    *bool            `json:"isActive"`
}

type ServiceFilter struct {
	ProviderAccountID int64
	Platform          string
	ActiveOnly        bool
	Limit             int
	Offset            int
}

// ServiceSummary is the view of a service shown next to orders.
type ServiceSummary struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Type     string `json:"type"`
}

// CatalogSyncResult reports the effect of one catalog refresh.
type CatalogSyncResult struct {
	Upserted    int `json:"upserted"`
	Reactivated int `json:"reactivated"`
	Delisted    int `json:"delisted"`
}

const (
	BalanceLevelZero   = "zero"
	BalanceLevelLow    = "low"
	BalanceLevelNormal = "normal"
)

// BalanceReport is the outcome of refreshing one provider account.
type BalanceReport struct {
	AccountID   int64            `json:"accountId"`
	AccountName string           `json:"accountName"`
	Balance     *decimal.Decimal `json:"balance,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	Level       string           `json:"level,omitempty"`
	CheckedAt   time.Time        `json:"checkedAt"`
	Error       string           `json:"error,omitempty"`
}

// OK reports whether the refresh succeeded.
func (r BalanceReport) OK() bool {
	return r.Error == ""
}
