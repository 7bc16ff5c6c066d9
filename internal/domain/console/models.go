package console

import "time"

// Verdict is the provider's indexing classification for a URL.
type Verdict string

const (
	VerdictIndexed    Verdict = "indexed"
	VerdictNotIndexed Verdict = "not_indexed"
	VerdictUnknown    Verdict = "unknown"
	VerdictError      Verdict = "error"
)

// QueueStatus tracks the lifecycle of a deferred submission.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueSubmitted QueueStatus = "submitted"
	QueueFailed    QueueStatus = "failed"
)

// Category classifies a keyword opportunity on the long window.
type Category string

const (
	CategoryQuickWin Category = "quick_win"
	CategoryLowCTR   Category = "low_ctr"
	CategoryNoClicks Category = "no_clicks"
)

// Trend describes how a keyword moved between the short and long windows.
type Trend string

const (
	TrendNew       Trend = "new"
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// Connection holds the provider credential for one tenant. Token material is
// stored encrypted; at most one active connection exists per tenant.
type Connection struct {
	ID                int64
	TenantID          int64
	AccessCiphertext  []byte
	AccessNonce       []byte
	RefreshCiphertext []byte
	RefreshNonce      []byte
	TokenExpiry       time.Time
	AccountEmail      string
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Site is a provider property owned by a connection, unique per
// (connection id, site URL).
type Site struct {
	ID              int64
	ConnectionID    int64
	TenantID        int64
	SiteURL         string
	PermissionLevel string
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AuthState is the single-use CSRF token persisted during authorization.
type AuthState struct {
	Token     string    `json:"token"`
	TenantID  int64     `json:"tenant_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the state token is past its TTL.
func (s AuthState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IndexationURL carries the last-known verdict for a URL under a site.
type IndexationURL struct {
	ID            int64
	SiteID        int64
	URL           string
	Verdict       Verdict
	LastInspected time.Time
}

// QueueItem is a URL whose submission was deferred past the daily quota.
type QueueItem struct {
	ID         int64
	TenantID   int64
	SiteID     int64
	URL        string
	Status     QueueStatus
	Attempts   int
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}

// SiteSettings controls automatic indexation behaviour per site.
type SiteSettings struct {
	SiteID           int64 `json:"-"`
	AutoIndexNew     bool  `json:"auto_index_new"`
	AutoIndexUpdated bool  `json:"auto_index_updated"`
}

// PerformanceRow is one keyword/page datapoint from the provider's
// performance report.
type PerformanceRow struct {
	Query       string
	Page        string
	Clicks      int64
	Impressions int64
	CTR         float64
	Position    float64
}

// Opportunity is a scored, categorized and trend-tagged keyword/page pair.
type Opportunity struct {
	Query       string   `json:"query"`
	Page        string   `json:"page"`
	Clicks      int64    `json:"clicks"`
	Impressions int64    `json:"impressions"`
	CTR         float64  `json:"ctr"`
	Position    float64  `json:"position"`
	Category    Category `json:"category"`
	Trend       Trend    `json:"trend"`
	Score       float64  `json:"score"`
}

// TokenGrant is the normalized provider token endpoint response.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
	TokenType    string
}

// DiscoveredSite is one verified property returned by site discovery.
type DiscoveredSite struct {
	SiteURL         string
	PermissionLevel string
}

// StoreDomain links an internal store entity to the domain it serves,
// used for best-effort auto-linking after site discovery.
type StoreDomain struct {
	StoreID int64
	Domain  string
}

// DayKey derives the UTC date key used for quota accounting.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
