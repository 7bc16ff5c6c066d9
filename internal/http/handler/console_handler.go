package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/searchlift/searchlift/internal/config"
	"github.com/searchlift/searchlift/internal/domain/console"
	"github.com/searchlift/searchlift/internal/http/middleware"
	"github.com/searchlift/searchlift/internal/service/connection"
	"github.com/searchlift/searchlift/internal/service/indexation"
	"github.com/searchlift/searchlift/internal/service/opportunity"
)

// ConsoleHandler exposes the search-console integration endpoints.
type ConsoleHandler struct {
	Connections   *connection.Service
	Scheduler     *indexation.Scheduler
	Opportunities *opportunity.Scorer
	cfg           config.Config
	logger        *zap.Logger
}

// NewConsoleHandler wires the HTTP handler.
func NewConsoleHandler(
	connections *connection.Service,
	scheduler *indexation.Scheduler,
	opportunities *opportunity.Scorer,
	cfg config.Config,
	logger *zap.Logger,
) *ConsoleHandler {
	return &ConsoleHandler{
		Connections:   connections,
		Scheduler:     scheduler,
		Opportunities: opportunities,
		cfg:           cfg,
		logger:        logger,
	}
}

// ConnectStart issues the provider authorization URL for the tenant.
func (h *ConsoleHandler) ConnectStart(c *gin.Context) {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "error_description": "Tenant session required."})
		return
	}

	authURL, err := h.Connections.BeginAuthorization(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("begin authorization failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Could not start authorization."})
		return
	}

	c.JSON(http.StatusOK, gin.H{"authorization_url": authURL})
}

// ConnectCallback is the provider's browser redirect target. It always
// answers with a redirect carrying a status query parameter, never raw JSON.
func (h *ConsoleHandler) ConnectCallback(c *gin.Context) {
	if providerErr := strings.TrimSpace(c.Query("error")); providerErr != "" {
		h.redirectStatus(c, "error", "provider_denied")
		return
	}

	code := strings.TrimSpace(c.Query("code"))
	state := strings.TrimSpace(c.Query("state"))
	if code == "" || state == "" {
		h.redirectStatus(c, "error", "missing_params")
		return
	}

	// The callback arrives without a dashboard session; the tenant is bound
	// to the single-use state token. A session, when present, must agree.
	tenantID, _ := middleware.GetTenantID(c)

	result, err := h.Connections.HandleCallback(c.Request.Context(), connection.CallbackInput{
		Code:     code,
		State:    state,
		TenantID: tenantID,
	})
	if err != nil {
		switch {
		case errors.Is(err, console.ErrInvalidState):
			h.redirectStatus(c, "error", "invalid_state")
		case errors.Is(err, console.ErrExpiredState):
			h.redirectStatus(c, "error", "expired_state")
		default:
			h.logger.Error("oauth callback failed", zap.Error(err))
			h.redirectStatus(c, "error", "exchange_failed")
		}
		return
	}

	if result.Status == connection.StatusConnectedWithWarning {
		h.redirectStatus(c, "connected", "discovery_incomplete")
		return
	}
	h.redirectStatus(c, "connected", "")
}

func (h *ConsoleHandler) redirectStatus(c *gin.Context, status, reason string) {
	target, err := url.Parse(h.cfg.DashboardURL)
	if err != nil {
		target = &url.URL{Path: "/"}
	}
	params := target.Query()
	params.Set("status", status)
	if reason != "" {
		params.Set("reason", reason)
	}
	target.RawQuery = params.Encode()
	c.Redirect(http.StatusFound, target.String())
}

// Status reports the connection summary and today's quota budget.
func (h *ConsoleHandler) Status(c *gin.Context) {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	status, err := h.Connections.Status(c.Request.Context(), tenantID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	quotaRemaining := 0
	if status.Connected {
		if remaining, err := h.Scheduler.QuotaRemaining(c.Request.Context(), tenantID); err == nil {
			quotaRemaining = remaining
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"connected":       status.Connected,
		"account_email":   status.AccountEmail,
		"sites":           status.Sites,
		"site_count":      status.SiteCount,
		"quota_remaining": quotaRemaining,
	})
}

// Disconnect deactivates the connection; ?purge=true deletes it physically.
func (h *ConsoleHandler) Disconnect(c *gin.Context) {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	purge := strings.EqualFold(c.Query("purge"), "true")
	if err := h.Connections.Disconnect(c.Request.Context(), tenantID, purge); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disconnected": true, "purged": purge})
}

// Inspect runs a batch URL inspection for a site.
func (h *ConsoleHandler) Inspect(c *gin.Context) {
	tenantID, siteID, ok := h.tenantAndSite(c)
	if !ok {
		return
	}

	var req struct {
		URLs []string `json:"urls"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
			return
		}
	}

	result, err := h.Scheduler.Inspect(c.Request.Context(), tenantID, siteID, req.URLs)
	if err != nil && result == nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Submit submits URLs for (re)indexing under the daily quota.
func (h *ConsoleHandler) Submit(c *gin.Context) {
	tenantID, siteID, ok := h.tenantAndSite(c)
	if !ok {
		return
	}

	var req struct {
		URLs []string `json:"urls"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
			return
		}
	}

	// An empty list defers to the site's auto-index settings.
	result, err := h.Scheduler.Submit(c.Request.Context(), tenantID, siteID, req.URLs)
	if err != nil && result == nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// DrainQueue re-attempts queued submissions against fresh quota.
func (h *ConsoleHandler) DrainQueue(c *gin.Context) {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	result, err := h.Scheduler.DrainQueue(c.Request.Context(), tenantID)
	if err != nil && result == nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetSettings returns the site's auto-index configuration.
func (h *ConsoleHandler) GetSettings(c *gin.Context) {
	tenantID, siteID, ok := h.tenantAndSite(c)
	if !ok {
		return
	}

	settings, err := h.Scheduler.Settings(c.Request.Context(), tenantID, siteID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// PutSettings stores the site's auto-index configuration.
func (h *ConsoleHandler) PutSettings(c *gin.Context) {
	tenantID, siteID, ok := h.tenantAndSite(c)
	if !ok {
		return
	}

	var req console.SiteSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}
	req.SiteID = siteID

	if err := h.Scheduler.UpdateSettings(c.Request.Context(), tenantID, req); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// OpportunityReport returns categorized, scored, trend-tagged keywords.
func (h *ConsoleHandler) OpportunityReport(c *gin.Context) {
	tenantID, siteID, ok := h.tenantAndSite(c)
	if !ok {
		return
	}

	longDays := 28
	if raw := strings.TrimSuffix(strings.TrimSpace(c.Query("range")), "d"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			longDays = parsed
		}
	}

	report, err := h.Opportunities.Opportunities(c.Request.Context(), tenantID, siteID, longDays)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *ConsoleHandler) tenantAndSite(c *gin.Context) (int64, int64, bool) {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, 0, false
	}
	siteID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || siteID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid site id."})
		return 0, 0, false
	}
	return tenantID, siteID, true
}

func (h *ConsoleHandler) respondServiceError(c *gin.Context, err error) {
	var providerErr *console.ProviderError
	switch {
	case errors.Is(err, console.ErrReauthRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "reauth_required", "error_description": "Provider authorization must be repeated."})
	case errors.Is(err, console.ErrConnectionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_connected", "error_description": "No provider connection for tenant."})
	case errors.Is(err, console.ErrSiteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "site_not_found", "error_description": "Unknown site."})
	case errors.Is(err, console.ErrQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "quota_exceeded", "error_description": "Daily submission quota is spent."})
	case errors.Is(err, console.ErrCorruptCredential):
		h.logger.Error("corrupt stored credential", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Stored credential unreadable."})
	case errors.As(err, &providerErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error", "error_description": providerErr.Error()})
	default:
		h.logger.Error("console request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}
