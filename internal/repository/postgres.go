package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/searchlift/searchlift/internal/domain/console"
)

// Compile-time interface assertions.
var (
	_ ConnectionRepo = (*PostgresConnectionRepo)(nil)
	_ SiteRepo       = (*PostgresSiteRepo)(nil)
	_ IndexationRepo = (*PostgresIndexationRepo)(nil)
	_ QueueRepo      = (*PostgresQueueRepo)(nil)
	_ QuotaLedger    = (*PostgresQuotaLedger)(nil)
	_ StoreLinkRepo  = (*PostgresStoreLinkRepo)(nil)
)

// PostgresConnectionRepo implements ConnectionRepo.
type PostgresConnectionRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresConnectionRepo(db *pgxpool.Pool, node *snowflake.Node) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db, node: node}
}

const upsertConnectionSQL = `INSERT INTO console_connections
	(id, tenant_id, access_ciphertext, access_nonce, refresh_ciphertext, refresh_nonce, token_expiry, account_email, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, now(), now())
ON CONFLICT (tenant_id) DO UPDATE SET
	access_ciphertext = EXCLUDED.access_ciphertext,
	access_nonce = EXCLUDED.access_nonce,
	refresh_ciphertext = EXCLUDED.refresh_ciphertext,
	refresh_nonce = EXCLUDED.refresh_nonce,
	token_expiry = EXCLUDED.token_expiry,
	account_email = EXCLUDED.account_email,
	active = TRUE,
	updated_at = now()
RETURNING id, tenant_id, access_ciphertext, access_nonce, refresh_ciphertext, refresh_nonce, token_expiry, account_email, active, created_at, updated_at`

func (r *PostgresConnectionRepo) Upsert(ctx context.Context, conn console.Connection) (console.Connection, error) {
	if conn.ID == 0 {
		conn.ID = r.node.Generate().Int64()
	}
	row := r.db.QueryRow(ctx, upsertConnectionSQL,
		conn.ID,
		conn.TenantID,
		conn.AccessCiphertext,
		conn.AccessNonce,
		conn.RefreshCiphertext,
		conn.RefreshNonce,
		conn.TokenExpiry,
		conn.AccountEmail,
	)
	saved, err := scanConnection(row)
	if err != nil {
		return console.Connection{}, fmt.Errorf("upsert connection: %w", err)
	}
	return saved, nil
}

const getConnectionSQL = `SELECT id, tenant_id, access_ciphertext, access_nonce, refresh_ciphertext, refresh_nonce, token_expiry, account_email, active, created_at, updated_at
FROM console_connections WHERE tenant_id = $1`

func (r *PostgresConnectionRepo) GetByTenant(ctx context.Context, tenantID int64) (console.Connection, error) {
	row := r.db.QueryRow(ctx, getConnectionSQL, tenantID)
	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return console.Connection{}, console.ErrConnectionNotFound
		}
		return console.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

func (r *PostgresConnectionRepo) UpdateAccessToken(ctx context.Context, tenantID int64, ciphertext, nonce []byte, expiry time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE console_connections SET access_ciphertext = $2, access_nonce = $3, token_expiry = $4, updated_at = now() WHERE tenant_id = $1`,
		tenantID, ciphertext, nonce, expiry,
	)
	if err != nil {
		return fmt.Errorf("update access token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return console.ErrConnectionNotFound
	}
	return nil
}

func (r *PostgresConnectionRepo) Deactivate(ctx context.Context, tenantID int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE console_connections SET active = FALSE, updated_at = now() WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return console.ErrConnectionNotFound
	}
	return nil
}

func (r *PostgresConnectionRepo) Delete(ctx context.Context, tenantID int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete connection: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM console_sites WHERE connection_id IN (SELECT id FROM console_connections WHERE tenant_id = $1)`,
		tenantID,
	); err != nil {
		return fmt.Errorf("delete sites: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM console_connections WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete connection: %w", err)
	}
	return nil
}

func scanConnection(row pgx.Row) (console.Connection, error) {
	var conn console.Connection
	err := row.Scan(
		&conn.ID,
		&conn.TenantID,
		&conn.AccessCiphertext,
		&conn.AccessNonce,
		&conn.RefreshCiphertext,
		&conn.RefreshNonce,
		&conn.TokenExpiry,
		&conn.AccountEmail,
		&conn.Active,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	return conn, err
}

// PostgresSiteRepo implements SiteRepo.
type PostgresSiteRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresSiteRepo(db *pgxpool.Pool, node *snowflake.Node) *PostgresSiteRepo {
	return &PostgresSiteRepo{db: db, node: node}
}

const upsertSiteSQL = `INSERT INTO console_sites
	(id, connection_id, tenant_id, site_url, permission_level, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, TRUE, now(), now())
ON CONFLICT (connection_id, site_url) DO UPDATE SET
	permission_level = EXCLUDED.permission_level,
	active = TRUE,
	updated_at = now()
RETURNING id, connection_id, tenant_id, site_url, permission_level, active, created_at, updated_at`

func (r *PostgresSiteRepo) BulkUpsert(ctx context.Context, connectionID, tenantID int64, sites []console.DiscoveredSite) ([]console.Site, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin site upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	saved := make([]console.Site, 0, len(sites))
	for _, discovered := range sites {
		row := tx.QueryRow(ctx, upsertSiteSQL,
			r.node.Generate().Int64(),
			connectionID,
			tenantID,
			discovered.SiteURL,
			discovered.PermissionLevel,
		)
		site, err := scanSite(row)
		if err != nil {
			return nil, fmt.Errorf("upsert site %s: %w", discovered.SiteURL, err)
		}
		saved = append(saved, site)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit site upsert: %w", err)
	}
	return saved, nil
}

func (r *PostgresSiteRepo) ListByTenant(ctx context.Context, tenantID int64) ([]console.Site, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, connection_id, tenant_id, site_url, permission_level, active, created_at, updated_at
		 FROM console_sites WHERE tenant_id = $1 AND active ORDER BY site_url`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var sites []console.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (r *PostgresSiteRepo) GetByID(ctx context.Context, tenantID, siteID int64) (console.Site, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, connection_id, tenant_id, site_url, permission_level, active, created_at, updated_at
		 FROM console_sites WHERE tenant_id = $1 AND id = $2`,
		tenantID, siteID,
	)
	site, err := scanSite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return console.Site{}, console.ErrSiteNotFound
		}
		return console.Site{}, fmt.Errorf("get site: %w", err)
	}
	return site, nil
}

func scanSite(row pgx.Row) (console.Site, error) {
	var site console.Site
	err := row.Scan(
		&site.ID,
		&site.ConnectionID,
		&site.TenantID,
		&site.SiteURL,
		&site.PermissionLevel,
		&site.Active,
		&site.CreatedAt,
		&site.UpdatedAt,
	)
	return site, err
}

// PostgresIndexationRepo implements IndexationRepo.
type PostgresIndexationRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresIndexationRepo(db *pgxpool.Pool, node *snowflake.Node) *PostgresIndexationRepo {
	return &PostgresIndexationRepo{db: db, node: node}
}

func (r *PostgresIndexationRepo) UpsertVerdict(ctx context.Context, siteID int64, url string, verdict console.Verdict, inspectedAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO indexation_urls (id, site_id, url, verdict, last_inspected)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (site_id, url) DO UPDATE SET verdict = EXCLUDED.verdict, last_inspected = EXCLUDED.last_inspected`,
		r.node.Generate().Int64(), siteID, url, string(verdict), inspectedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert verdict: %w", err)
	}
	return nil
}

func (r *PostgresIndexationRepo) ListStale(ctx context.Context, siteID int64, cutoff time.Time) ([]console.IndexationURL, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, site_id, url, verdict, last_inspected
		 FROM indexation_urls
		 WHERE site_id = $1 AND (verdict = $2 OR last_inspected < $3)
		 ORDER BY last_inspected ASC
		 LIMIT 500`,
		siteID, string(console.VerdictUnknown), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale urls: %w", err)
	}
	defer rows.Close()

	var urls []console.IndexationURL
	for rows.Next() {
		var entry console.IndexationURL
		var verdict string
		if err := rows.Scan(&entry.ID, &entry.SiteID, &entry.URL, &verdict, &entry.LastInspected); err != nil {
			return nil, fmt.Errorf("scan url: %w", err)
		}
		entry.Verdict = console.Verdict(verdict)
		urls = append(urls, entry)
	}
	return urls, rows.Err()
}

func (r *PostgresIndexationRepo) GetSettings(ctx context.Context, siteID int64) (console.SiteSettings, error) {
	settings := console.SiteSettings{SiteID: siteID}
	err := r.db.QueryRow(ctx,
		`SELECT auto_index_new, auto_index_updated FROM site_settings WHERE site_id = $1`,
		siteID,
	).Scan(&settings.AutoIndexNew, &settings.AutoIndexUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settings, nil
		}
		return console.SiteSettings{}, fmt.Errorf("get site settings: %w", err)
	}
	return settings, nil
}

func (r *PostgresIndexationRepo) PutSettings(ctx context.Context, settings console.SiteSettings) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO site_settings (site_id, auto_index_new, auto_index_updated, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (site_id) DO UPDATE SET
			auto_index_new = EXCLUDED.auto_index_new,
			auto_index_updated = EXCLUDED.auto_index_updated,
			updated_at = now()`,
		settings.SiteID, settings.AutoIndexNew, settings.AutoIndexUpdated,
	)
	if err != nil {
		return fmt.Errorf("put site settings: %w", err)
	}
	return nil
}

// PostgresQueueRepo implements QueueRepo.
type PostgresQueueRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresQueueRepo(db *pgxpool.Pool, node *snowflake.Node) *PostgresQueueRepo {
	return &PostgresQueueRepo{db: db, node: node}
}

func (r *PostgresQueueRepo) Enqueue(ctx context.Context, item console.QueueItem) (console.QueueItem, error) {
	if item.ID == 0 {
		item.ID = r.node.Generate().Int64()
	}
	if item.Status == "" {
		item.Status = console.QueuePending
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO queue_items (id, tenant_id, site_id, url, status, attempts, enqueued_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		item.ID, item.TenantID, item.SiteID, item.URL, string(item.Status), item.Attempts, item.EnqueuedAt,
	)
	if err != nil {
		return console.QueueItem{}, fmt.Errorf("enqueue url: %w", err)
	}
	return item, nil
}

func (r *PostgresQueueRepo) ListPending(ctx context.Context, tenantID int64, limit int) ([]console.QueueItem, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, tenant_id, site_id, url, status, attempts, enqueued_at, updated_at
		 FROM queue_items
		 WHERE tenant_id = $1 AND status = $2
		 ORDER BY enqueued_at ASC, id ASC
		 LIMIT $3`,
		tenantID, string(console.QueuePending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending queue: %w", err)
	}
	defer rows.Close()

	var items []console.QueueItem
	for rows.Next() {
		var item console.QueueItem
		var status string
		if err := rows.Scan(&item.ID, &item.TenantID, &item.SiteID, &item.URL, &status, &item.Attempts, &item.EnqueuedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.Status = console.QueueStatus(status)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *PostgresQueueRepo) MarkSubmitted(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, console.QueueSubmitted)
}

func (r *PostgresQueueRepo) MarkFailed(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, console.QueueFailed)
}

func (r *PostgresQueueRepo) setStatus(ctx context.Context, id int64, status console.QueueStatus) error {
	_, err := r.db.Exec(ctx,
		`UPDATE queue_items SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("set queue status: %w", err)
	}
	return nil
}

func (r *PostgresQueueRepo) BumpAttempt(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE queue_items SET attempts = attempts + 1, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("bump queue attempt: %w", err)
	}
	return nil
}

// PostgresQuotaLedger implements QuotaLedger with a conditional upsert so the
// read-modify-write happens inside the storage engine.
type PostgresQuotaLedger struct {
	db    *pgxpool.Pool
	limit int
}

func NewPostgresQuotaLedger(db *pgxpool.Pool, dailyLimit int) *PostgresQuotaLedger {
	return &PostgresQuotaLedger{db: db, limit: dailyLimit}
}

const reserveQuotaSQL = `INSERT INTO quota_counters (tenant_id, day, count, daily_limit)
VALUES ($1, $2, 1, $3)
ON CONFLICT (tenant_id, day) DO UPDATE SET count = quota_counters.count + 1
WHERE quota_counters.count < quota_counters.daily_limit
RETURNING count`

func (r *PostgresQuotaLedger) TryReserve(ctx context.Context, tenantID int64, day string) (bool, error) {
	if r.limit <= 0 {
		return false, nil
	}
	var count int
	err := r.db.QueryRow(ctx, reserveQuotaSQL, tenantID, day, r.limit).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The conditional update matched no row: quota exhausted.
			return false, nil
		}
		return false, fmt.Errorf("reserve quota: %w", err)
	}
	return true, nil
}

func (r *PostgresQuotaLedger) Remaining(ctx context.Context, tenantID int64, day string) (int, error) {
	var remaining int
	err := r.db.QueryRow(ctx,
		`SELECT GREATEST(daily_limit - count, 0) FROM quota_counters WHERE tenant_id = $1 AND day = $2`,
		tenantID, day,
	).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.limit, nil
		}
		return 0, fmt.Errorf("quota remaining: %w", err)
	}
	return remaining, nil
}

// PostgresStoreLinkRepo implements StoreLinkRepo.
type PostgresStoreLinkRepo struct {
	db *pgxpool.Pool
}

func NewPostgresStoreLinkRepo(db *pgxpool.Pool) *PostgresStoreLinkRepo {
	return &PostgresStoreLinkRepo{db: db}
}

func (r *PostgresStoreLinkRepo) ListStoreDomains(ctx context.Context, tenantID int64) ([]console.StoreDomain, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, domain FROM stores WHERE tenant_id = $1 AND domain <> ''`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list store domains: %w", err)
	}
	defer rows.Close()

	var domains []console.StoreDomain
	for rows.Next() {
		var entry console.StoreDomain
		if err := rows.Scan(&entry.StoreID, &entry.Domain); err != nil {
			return nil, fmt.Errorf("scan store domain: %w", err)
		}
		domains = append(domains, entry)
	}
	return domains, rows.Err()
}

func (r *PostgresStoreLinkRepo) Link(ctx context.Context, storeID, siteID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO store_site_links (store_id, site_id, created_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (store_id, site_id) DO NOTHING`,
		storeID, siteID,
	)
	if err != nil {
		return fmt.Errorf("link store to site: %w", err)
	}
	return nil
}
