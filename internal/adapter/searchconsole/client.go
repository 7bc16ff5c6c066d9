package searchconsole

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/searchlift/searchlift/internal/domain/console"
)

// Client encapsulates outbound HTTP calls to the search-console provider.
type Client interface {
	ExchangeCode(ctx context.Context, code string) (*console.TokenGrant, error)
	RefreshToken(ctx context.Context, refreshToken string) (*console.TokenGrant, error)
	AccountEmail(ctx context.Context, accessToken string) (string, error)
	ListSites(ctx context.Context, accessToken string) ([]console.DiscoveredSite, error)
	InspectURL(ctx context.Context, accessToken, siteURL, pageURL string) (console.Verdict, error)
	SubmitURL(ctx context.Context, accessToken, pageURL string) error
	QueryPerformance(ctx context.Context, accessToken, siteURL string, start, end time.Time) ([]console.PerformanceRow, error)
}

// Endpoints holds the provider URLs. Defaults target Google's APIs; tests
// point them at a local server.
type Endpoints struct {
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	SitesURL    string
	InspectURL  string
	PublishURL  string
	QueryURL    string // expects the url-escaped site URL appended
}

// DefaultEndpoints returns the production provider endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:    "https://oauth2.googleapis.com/token",
		UserInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		SitesURL:    "https://www.googleapis.com/webmasters/v3/sites",
		InspectURL:  "https://searchconsole.googleapis.com/v1/urlInspection/index:inspect",
		PublishURL:  "https://indexing.googleapis.com/v3/urlNotifications:publish",
		QueryURL:    "https://www.googleapis.com/webmasters/v3/sites/%s/searchAnalytics/query",
	}
}

// HTTPClient is the default HTTP implementation of Client.
type HTTPClient struct {
	httpClient   *http.Client
	clientID     string
	clientSecret string
	redirectURI  string
	endpoints    Endpoints
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs the default provider client. A nil http.Client
// gets a bounded 15s timeout.
func NewHTTPClient(client *http.Client, clientID, clientSecret, redirectURI string, endpoints Endpoints) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		httpClient:   client,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		endpoints:    endpoints,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// ExchangeCode performs the authorization-code grant.
func (c *HTTPClient) ExchangeCode(ctx context.Context, code string) (*console.TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("redirect_uri", c.redirectURI)
	return c.tokenCall(ctx, "exchange_code", form)
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (c *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (*console.TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	return c.tokenCall(ctx, "refresh_token", form)
}

func (c *HTTPClient) tokenCall(ctx context.Context, op string, form url.Values) (*console.TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req, op)
	if err != nil {
		return nil, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return nil, console.NewProviderError(op, http.StatusOK, "response missing access_token")
	}
	return &console.TokenGrant{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
		Scope:        resp.Scope,
		TokenType:    resp.TokenType,
	}, nil
}

// AccountEmail loads the authenticated account's email address.
func (c *HTTPClient) AccountEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("build userinfo request: %w", err)
	}
	authorize(req, accessToken)

	body, err := c.do(req, "userinfo")
	if err != nil {
		return "", err
	}

	var resp struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode userinfo: %w", err)
	}
	if strings.TrimSpace(resp.Email) == "" {
		return "", console.NewProviderError("userinfo", http.StatusOK, "response missing email")
	}
	return resp.Email, nil
}

// ListSites returns the verified properties the credential can access.
func (c *HTTPClient) ListSites(ctx context.Context, accessToken string) ([]console.DiscoveredSite, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.SitesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build sites request: %w", err)
	}
	authorize(req, accessToken)

	body, err := c.do(req, "list_sites")
	if err != nil {
		return nil, err
	}

	var resp struct {
		SiteEntry []struct {
			SiteURL         string `json:"siteUrl"`
			PermissionLevel string `json:"permissionLevel"`
		} `json:"siteEntry"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode sites: %w", err)
	}

	sites := make([]console.DiscoveredSite, 0, len(resp.SiteEntry))
	for _, entry := range resp.SiteEntry {
		if strings.TrimSpace(entry.SiteURL) == "" {
			continue
		}
		sites = append(sites, console.DiscoveredSite{
			SiteURL:         entry.SiteURL,
			PermissionLevel: entry.PermissionLevel,
		})
	}
	return sites, nil
}

// InspectURL asks the provider for the current indexing verdict of a page.
func (c *HTTPClient) InspectURL(ctx context.Context, accessToken, siteURL, pageURL string) (console.Verdict, error) {
	payload, err := json.Marshal(map[string]string{
		"inspectionUrl": pageURL,
		"siteUrl":       siteURL,
	})
	if err != nil {
		return console.VerdictError, fmt.Errorf("encode inspect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.InspectURL, bytes.NewReader(payload))
	if err != nil {
		return console.VerdictError, fmt.Errorf("build inspect request: %w", err)
	}
	authorize(req, accessToken)
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, "inspect")
	if err != nil {
		return console.VerdictError, err
	}

	var resp struct {
		InspectionResult struct {
			IndexStatusResult struct {
				Verdict       string `json:"verdict"`
				CoverageState string `json:"coverageState"`
			} `json:"indexStatusResult"`
		} `json:"inspectionResult"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return console.VerdictError, fmt.Errorf("decode inspect response: %w", err)
	}

	switch strings.ToUpper(resp.InspectionResult.IndexStatusResult.Verdict) {
	case "PASS":
		return console.VerdictIndexed, nil
	case "FAIL", "NEUTRAL", "PARTIAL":
		return console.VerdictNotIndexed, nil
	default:
		return console.VerdictUnknown, nil
	}
}

// SubmitURL notifies the provider that a page should be (re)crawled.
func (c *HTTPClient) SubmitURL(ctx context.Context, accessToken, pageURL string) error {
	payload, err := json.Marshal(map[string]string{
		"url":  pageURL,
		"type": "URL_UPDATED",
	})
	if err != nil {
		return fmt.Errorf("encode submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.PublishURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build submit request: %w", err)
	}
	authorize(req, accessToken)
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req, "submit")
	return err
}

// QueryPerformance fetches keyword performance rows for a date window.
func (c *HTTPClient) QueryPerformance(ctx context.Context, accessToken, siteURL string, start, end time.Time) ([]console.PerformanceRow, error) {
	payload, err := json.Marshal(map[string]any{
		"startDate":  start.UTC().Format("2006-01-02"),
		"endDate":    end.UTC().Format("2006-01-02"),
		"dimensions": []string{"query", "page"},
		"rowLimit":   5000,
	})
	if err != nil {
		return nil, fmt.Errorf("encode query request: %w", err)
	}

	endpoint := fmt.Sprintf(c.endpoints.QueryURL, url.PathEscape(siteURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	authorize(req, accessToken)
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, "query_performance")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Rows []struct {
			Keys        []string `json:"keys"`
			Clicks      float64  `json:"clicks"`
			Impressions float64  `json:"impressions"`
			CTR         float64  `json:"ctr"`
			Position    float64  `json:"position"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}

	rows := make([]console.PerformanceRow, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		if len(row.Keys) < 2 {
			continue
		}
		rows = append(rows, console.PerformanceRow{
			Query:       row.Keys[0],
			Page:        row.Keys[1],
			Clicks:      int64(row.Clicks),
			Impressions: int64(row.Impressions),
			CTR:         row.CTR,
			Position:    row.Position,
		})
	}
	return rows, nil
}

// do executes the request and returns the response body, mapping transport
// failures and non-2xx statuses to classified provider errors.
func (c *HTTPClient) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, console.NewTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, console.NewTransportError(op, err)
	}
	if resp.StatusCode >= 300 {
		return nil, console.NewProviderError(op, resp.StatusCode, truncate(string(body), 256))
	}
	return body, nil
}

func authorize(req *http.Request, accessToken string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
