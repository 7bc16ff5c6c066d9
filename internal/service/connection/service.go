package connection

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/searchlift/searchlift/internal/adapter/searchconsole"
	"github.com/searchlift/searchlift/internal/config"
	"github.com/searchlift/searchlift/internal/domain/console"
	"github.com/searchlift/searchlift/internal/repository"
	"github.com/searchlift/searchlift/internal/secrets"
)

// Status reports how a callback concluded.
type Status string

const (
	// StatusConnected means the connection and its sites were persisted.
	StatusConnected Status = "connected"
	// StatusConnectedWithWarning means the connection was persisted but site
	// discovery failed or returned nothing; the user need not reauthorize.
	StatusConnectedWithWarning Status = "connected_with_warning"
)

// CallbackInput captures the provider redirect's query parameters. TenantID
// is optional; when set it must match the tenant recorded in the state.
type CallbackInput struct {
	Code     string
	State    string
	TenantID int64
}

// CallbackResult is the outcome of a completed authorization callback.
type CallbackResult struct {
	Status   Status
	TenantID int64
	Email    string
	Sites    []console.Site
	Warning  string
}

// ConnectionStatus summarizes the tenant's provider link for the dashboard.
type ConnectionStatus struct {
	Connected    bool           `json:"connected"`
	AccountEmail string         `json:"account_email,omitempty"`
	Sites        []console.Site `json:"-"`
	SiteCount    int            `json:"site_count"`
}

// Service drives the OAuth authorization-code flow and connection lifecycle.
type Service struct {
	states      repository.StateStore
	connections repository.ConnectionRepo
	sites       repository.SiteRepo
	storeLinks  repository.StoreLinkRepo
	provider    searchconsole.Client
	cipher      *secrets.Cipher
	cfg         config.Config
	logger      *zap.Logger
	now         func() time.Time
}

// NewService wires the connection manager.
func NewService(
	states repository.StateStore,
	connections repository.ConnectionRepo,
	sites repository.SiteRepo,
	storeLinks repository.StoreLinkRepo,
	provider searchconsole.Client,
	cipher *secrets.Cipher,
	cfg config.Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		states:      states,
		connections: connections,
		sites:       sites,
		storeLinks:  storeLinks,
		provider:    provider,
		cipher:      cipher,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// requestedScopes are the provider permissions the integration needs: site
// listing, URL inspection/submission, and the account email.
var requestedScopes = []string{
	"https://www.googleapis.com/auth/webmasters",
	"https://www.googleapis.com/auth/indexing",
	"openid",
	"email",
}

// BeginAuthorization issues a single-use CSRF state and returns the provider
// authorization URL the browser should be redirected to.
func (s *Service) BeginAuthorization(ctx context.Context, tenantID int64) (string, error) {
	if strings.TrimSpace(s.cfg.ProviderClientID) == "" {
		return "", fmt.Errorf("provider client id is not configured")
	}

	state, err := secureRandomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}

	now := s.now().UTC()
	record := console.AuthState{
		Token:     state,
		TenantID:  tenantID,
		ExpiresAt: now.Add(s.cfg.StateTTL),
		CreatedAt: now,
	}
	if err := s.states.Save(ctx, record, s.cfg.StateTTL); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}

	authURL, err := url.Parse(s.cfg.ProviderAuthURL)
	if err != nil {
		return "", fmt.Errorf("parse auth url: %w", err)
	}
	params := authURL.Query()
	params.Set("client_id", s.cfg.ProviderClientID)
	params.Set("redirect_uri", s.cfg.OAuthRedirectURL)
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(requestedScopes, " "))
	params.Set("state", state)
	params.Set("access_type", "offline")
	params.Set("prompt", "consent")
	authURL.RawQuery = params.Encode()

	return authURL.String(), nil
}

// HandleCallback completes the authorization flow: it consumes the state
// token (single use, success or expiry alike), exchanges the code, persists
// the connection, discovers sites, and auto-links stores best-effort.
func (s *Service) HandleCallback(ctx context.Context, in CallbackInput) (*CallbackResult, error) {
	if strings.TrimSpace(in.Code) == "" || strings.TrimSpace(in.State) == "" {
		return nil, console.ErrInvalidState
	}

	state, err := s.states.Get(ctx, in.State)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state == nil {
		return nil, console.ErrInvalidState
	}
	defer s.consumeState(ctx, in.State)

	if in.TenantID != 0 && in.TenantID != state.TenantID {
		return nil, console.ErrInvalidState
	}
	if state.Expired(s.now().UTC()) {
		return nil, console.ErrExpiredState
	}
	tenantID := state.TenantID

	grant, err := s.provider.ExchangeCode(ctx, in.Code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	var warning string
	email, err := s.provider.AccountEmail(ctx, grant.AccessToken)
	if err != nil {
		warning = "account email unavailable"
		s.log().Warn("failed to fetch account email", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}

	conn, err := s.persistConnection(ctx, tenantID, email, grant)
	if err != nil {
		return nil, err
	}

	sites, siteWarning := s.discoverSites(ctx, conn, grant.AccessToken)
	if siteWarning != "" {
		warning = siteWarning
	}

	if len(sites) > 0 {
		s.autoLinkStores(ctx, tenantID, sites)
	}

	result := &CallbackResult{
		Status:   StatusConnected,
		TenantID: tenantID,
		Email:    email,
		Sites:    sites,
		Warning:  warning,
	}
	if warning != "" {
		result.Status = StatusConnectedWithWarning
	}
	return result, nil
}

func (s *Service) persistConnection(ctx context.Context, tenantID int64, email string, grant *console.TokenGrant) (console.Connection, error) {
	accessCipher, accessNonce, err := s.cipher.Seal(grant.AccessToken)
	if err != nil {
		return console.Connection{}, fmt.Errorf("seal access token: %w", err)
	}
	refreshCipher, refreshNonce, err := s.cipher.Seal(grant.RefreshToken)
	if err != nil {
		return console.Connection{}, fmt.Errorf("seal refresh token: %w", err)
	}

	conn, err := s.connections.Upsert(ctx, console.Connection{
		TenantID:          tenantID,
		AccessCiphertext:  accessCipher,
		AccessNonce:       accessNonce,
		RefreshCiphertext: refreshCipher,
		RefreshNonce:      refreshNonce,
		TokenExpiry:       s.now().Add(time.Duration(grant.ExpiresIn) * time.Second),
		AccountEmail:      email,
		Active:            true,
	})
	if err != nil {
		return console.Connection{}, fmt.Errorf("persist connection: %w", err)
	}
	return conn, nil
}

// discoverSites fetches and persists the account's verified properties. Any
// failure here leaves the connection in place and is reported as a warning.
func (s *Service) discoverSites(ctx context.Context, conn console.Connection, accessToken string) ([]console.Site, string) {
	discovered, err := s.provider.ListSites(ctx, accessToken)
	if err != nil {
		s.log().Warn("site discovery failed", zap.Int64("tenant_id", conn.TenantID), zap.Error(err))
		return nil, "site discovery failed"
	}
	if len(discovered) == 0 {
		return nil, "no verified sites found"
	}

	sites, err := s.sites.BulkUpsert(ctx, conn.ID, conn.TenantID, discovered)
	if err != nil {
		s.log().Warn("site persistence failed", zap.Int64("tenant_id", conn.TenantID), zap.Error(err))
		return nil, "site discovery failed"
	}
	return sites, ""
}

// autoLinkStores matches discovered site domains against the tenant's known
// store domains. This pass is best-effort; failures never fail the callback.
func (s *Service) autoLinkStores(ctx context.Context, tenantID int64, sites []console.Site) {
	domains, err := s.storeLinks.ListStoreDomains(ctx, tenantID)
	if err != nil {
		s.log().Warn("store domain lookup failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		return
	}
	if len(domains) == 0 {
		return
	}

	byDomain := make(map[string]int64, len(domains))
	for _, entry := range domains {
		byDomain[normalizeDomain(entry.Domain)] = entry.StoreID
	}

	for _, site := range sites {
		host := siteHost(site.SiteURL)
		if host == "" {
			continue
		}
		storeID, ok := byDomain[host]
		if !ok {
			continue
		}
		if err := s.storeLinks.Link(ctx, storeID, site.ID); err != nil {
			s.log().Warn("store auto-link failed",
				zap.Int64("store_id", storeID), zap.Int64("site_id", site.ID), zap.Error(err))
		}
	}
}

func (s *Service) consumeState(ctx context.Context, token string) {
	if err := s.states.Delete(ctx, token); err != nil {
		s.log().Warn("failed to delete auth state", zap.Error(err))
	}
}

// Status reports the tenant's connection summary.
func (s *Service) Status(ctx context.Context, tenantID int64) (*ConnectionStatus, error) {
	conn, err := s.connections.GetByTenant(ctx, tenantID)
	if err != nil {
		if err == console.ErrConnectionNotFound {
			return &ConnectionStatus{}, nil
		}
		return nil, err
	}
	if !conn.Active {
		return &ConnectionStatus{}, nil
	}
	sites, err := s.sites.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &ConnectionStatus{
		Connected:    true,
		AccountEmail: conn.AccountEmail,
		Sites:        sites,
		SiteCount:    len(sites),
	}, nil
}

// Disconnect soft-deactivates the connection; purge removes it physically.
func (s *Service) Disconnect(ctx context.Context, tenantID int64, purge bool) error {
	if purge {
		return s.connections.Delete(ctx, tenantID)
	}
	return s.connections.Deactivate(ctx, tenantID)
}

func (s *Service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

// secureRandomToken returns a URL-safe token with size*8 bits of entropy.
func secureRandomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// siteHost extracts a comparable host from a property URL. Domain properties
// arrive as "sc-domain:example.com", URL-prefix properties as full URLs.
func siteHost(siteURL string) string {
	trimmed := strings.TrimSpace(siteURL)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "sc-domain:") {
		return normalizeDomain(strings.TrimPrefix(trimmed, "sc-domain:"))
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return normalizeDomain(trimmed)
	}
	return normalizeDomain(parsed.Host)
}

func normalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "www.")
	return strings.TrimSuffix(d, "/")
}
