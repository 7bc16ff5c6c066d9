package repository

import (
	"context"
	"time"

	"github.com/searchlift/searchlift/internal/domain/console"
)

// StateStore persists short-lived single-use authorization state tokens.
type StateStore interface {
	Save(ctx context.Context, state console.AuthState, ttl time.Duration) error
	Get(ctx context.Context, token string) (*console.AuthState, error)
	Delete(ctx context.Context, token string) error
}

// ConnectionRepo owns the per-tenant provider connection row. Token fields
// are written only by the vault and the connection service.
type ConnectionRepo interface {
	// Upsert creates or replaces the tenant's connection, keeping the
	// one-active-connection-per-tenant invariant (keyed on tenant id).
	Upsert(ctx context.Context, conn console.Connection) (console.Connection, error)
	GetByTenant(ctx context.Context, tenantID int64) (console.Connection, error)
	// UpdateAccessToken persists a refreshed encrypted access token and expiry.
	UpdateAccessToken(ctx context.Context, tenantID int64, ciphertext, nonce []byte, expiry time.Time) error
	// Deactivate soft-disables the connection without deleting token history.
	Deactivate(ctx context.Context, tenantID int64) error
	// Delete removes the connection and its sites permanently.
	Delete(ctx context.Context, tenantID int64) error
}

// SiteRepo manages provider properties discovered for a connection.
type SiteRepo interface {
	// BulkUpsert inserts or refreshes sites keyed by (connection id, site URL).
	BulkUpsert(ctx context.Context, connectionID, tenantID int64, sites []console.DiscoveredSite) ([]console.Site, error)
	ListByTenant(ctx context.Context, tenantID int64) ([]console.Site, error)
	GetByID(ctx context.Context, tenantID, siteID int64) (console.Site, error)
}

// IndexationRepo tracks per-URL verdicts and per-site auto-index settings.
type IndexationRepo interface {
	UpsertVerdict(ctx context.Context, siteID int64, url string, verdict console.Verdict, inspectedAt time.Time) error
	// ListStale returns URLs whose verdict is unknown or older than cutoff.
	ListStale(ctx context.Context, siteID int64, cutoff time.Time) ([]console.IndexationURL, error)
	GetSettings(ctx context.Context, siteID int64) (console.SiteSettings, error)
	PutSettings(ctx context.Context, settings console.SiteSettings) error
}

// QueueRepo holds URLs deferred past the daily quota. Mutated only by the
// indexation scheduler.
type QueueRepo interface {
	Enqueue(ctx context.Context, item console.QueueItem) (console.QueueItem, error)
	// ListPending returns pending items oldest-first, bounded by limit.
	ListPending(ctx context.Context, tenantID int64, limit int) ([]console.QueueItem, error)
	MarkSubmitted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
	// BumpAttempt increments the attempt counter, keeping the item pending.
	BumpAttempt(ctx context.Context, id int64) error
}

// QuotaLedger is the per-tenant, per-UTC-day submission counter. Mutated only
// by the indexation scheduler; the reservation is a single atomic storage
// operation, never an application-held lock.
type QuotaLedger interface {
	// TryReserve increments the day's counter iff count < limit and reports
	// whether the reservation succeeded.
	TryReserve(ctx context.Context, tenantID int64, day string) (bool, error)
	Remaining(ctx context.Context, tenantID int64, day string) (int, error)
}

// StoreLinkRepo supports best-effort auto-linking of discovered sites to
// internally known store entities by domain match.
type StoreLinkRepo interface {
	ListStoreDomains(ctx context.Context, tenantID int64) ([]console.StoreDomain, error)
	Link(ctx context.Context, storeID, siteID int64) error
}
