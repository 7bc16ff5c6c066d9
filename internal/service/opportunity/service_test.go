package opportunity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/searchlift/searchlift/internal/domain/console"
)

func row(query string, clicks, impressions int64, ctr, position float64) console.PerformanceRow {
	return console.PerformanceRow{
		Query:       query,
		Page:        "https://example.com/page",
		Clicks:      clicks,
		Impressions: impressions,
		CTR:         ctr,
		Position:    position,
	}
}

func TestIsQuickWin(t *testing.T) {
	require.True(t, IsQuickWin(row("fits", 5, 80, 0.06, 10)))
	require.True(t, IsQuickWin(row("lower bound", 5, 50, 0.06, 4)))
	require.True(t, IsQuickWin(row("upper bound", 5, 50, 0.06, 20)))

	require.False(t, IsQuickWin(row("ranks too high", 5, 80, 0.06, 3)))
	require.False(t, IsQuickWin(row("ranks too low", 5, 80, 0.06, 21)))
	require.False(t, IsQuickWin(row("too few impressions", 5, 10, 0.06, 10)))
}

func TestIsLowCTR(t *testing.T) {
	// Position 3 expects 0.11.
	require.True(t, IsLowCTR(row("underperforms", 5, 500, 0.02, 3)))
	require.False(t, IsLowCTR(row("meets expectation", 5, 500, 0.12, 3)))
	require.False(t, IsLowCTR(row("outside top ten", 5, 500, 0.001, 11)))
}

func TestIsNoClicks(t *testing.T) {
	require.True(t, IsNoClicks(row("zero clicks", 0, 100, 0, 15)))
	require.False(t, IsNoClicks(row("has clicks", 1, 100, 0.01, 15)))
	require.False(t, IsNoClicks(row("no impressions", 0, 0, 0, 15)))
}

func TestExpectedCTRDecreasesWithRank(t *testing.T) {
	require.InDelta(t, 0.28, ExpectedCTR(1), 1e-9)
	require.InDelta(t, 0.025, ExpectedCTR(10), 1e-9)

	prev := ExpectedCTR(1)
	for pos := 2.0; pos <= 60; pos++ {
		cur := ExpectedCTR(pos)
		require.LessOrEqual(t, cur, prev, "position %.0f", pos)
		prev = cur
	}

	// Fractional positions clamp to the floor rank; deep ranks floor at 0.5%.
	require.InDelta(t, ExpectedCTR(3), ExpectedCTR(3.7), 1e-9)
	require.InDelta(t, 0.005, ExpectedCTR(200), 1e-9)
	require.InDelta(t, 0.28, ExpectedCTR(0.2), 1e-9)
}

func TestScoreOrdering(t *testing.T) {
	const maxImpressions = 1000

	// More impressions at the same position score higher.
	busy := Score(row("busy", 0, 900, 0.01, 8), maxImpressions)
	quiet := Score(row("quiet", 0, 90, 0.01, 8), maxImpressions)
	require.Greater(t, busy, quiet)

	// A better position at the same volume scores higher.
	near := Score(row("near", 0, 500, 0.01, 5), maxImpressions)
	far := Score(row("far", 0, 500, 0.01, 15), maxImpressions)
	require.Greater(t, near, far)

	// Zero max impressions must not divide by zero.
	require.GreaterOrEqual(t, Score(row("empty", 0, 0, 0, 1), 0), 0.0)
}

func TestBuildCategorizesAndSorts(t *testing.T) {
	longRows := []console.PerformanceRow{
		row("quick win big", 32, 800, 0.04, 9),
		row("quick win small", 2, 60, 0.03, 12),
		row("low ctr", 3, 400, 0.005, 2),
		row("no clicks", 0, 120, 0, 30),
		row("healthy", 90, 300, 0.3, 1),
	}

	report := Build(longRows, nil)

	require.Len(t, report.QuickWins, 2)
	require.Equal(t, "quick win big", report.QuickWins[0].Query)
	require.Equal(t, "quick win small", report.QuickWins[1].Query)
	require.Equal(t, console.CategoryQuickWin, report.QuickWins[0].Category)

	require.Len(t, report.LowCTR, 1)
	require.Equal(t, "low ctr", report.LowCTR[0].Query)

	require.Len(t, report.NoClicks, 1)
	require.Equal(t, "no clicks", report.NoClicks[0].Query)
}

func TestBuildAllowsMultipleCategories(t *testing.T) {
	// Zero clicks at position 9 with volume: quick win, low CTR and no clicks.
	longRows := []console.PerformanceRow{row("triple", 0, 200, 0, 9)}

	report := Build(longRows, nil)
	require.Len(t, report.QuickWins, 1)
	require.Len(t, report.LowCTR, 1)
	require.Len(t, report.NoClicks, 1)
}

func TestTrendTagging(t *testing.T) {
	longRows := []console.PerformanceRow{
		row("fresh", 0, 200, 0, 9),
		row("climbing", 0, 200, 0, 9),
		row("slipping", 0, 200, 0, 9),
		row("flat", 0, 200, 0, 9),
	}
	shortRows := []console.PerformanceRow{
		row("climbing", 0, 40, 0, 6),  // long 9 vs short 6: moved up recently
		row("slipping", 0, 40, 0, 12), // long 9 vs short 12: moved down recently
		row("flat", 0, 40, 0, 9.3),    // within the noise threshold
	}

	report := Build(longRows, shortRows)
	trends := make(map[string]console.Trend, len(report.QuickWins))
	for _, opp := range report.QuickWins {
		trends[opp.Query] = opp.Trend
	}

	require.Equal(t, console.TrendNew, trends["fresh"])
	require.Equal(t, console.TrendImproving, trends["climbing"])
	require.Equal(t, console.TrendDeclining, trends["slipping"])
	require.Equal(t, console.TrendStable, trends["flat"])
}

func TestTrendNewRequiresAbsenceFromShortWindow(t *testing.T) {
	longRows := []console.PerformanceRow{row("kw", 0, 200, 0, 9)}

	// Present in the short window even without impressions: not new.
	shortRows := []console.PerformanceRow{row("kw", 0, 0, 0, 9)}
	report := Build(longRows, shortRows)
	require.Len(t, report.QuickWins, 1)
	require.NotEqual(t, console.TrendNew, report.QuickWins[0].Trend)

	// Same query on a different page does not match.
	other := row("kw", 0, 50, 0, 9)
	other.Page = "https://example.com/other"
	report = Build(longRows, []console.PerformanceRow{other})
	require.Equal(t, console.TrendNew, report.QuickWins[0].Trend)
}

type singleSiteRepo struct {
	site console.Site
}

func (s *singleSiteRepo) BulkUpsert(context.Context, int64, int64, []console.DiscoveredSite) ([]console.Site, error) {
	return nil, errors.New("not implemented")
}

func (s *singleSiteRepo) ListByTenant(context.Context, int64) ([]console.Site, error) {
	return []console.Site{s.site}, nil
}

func (s *singleSiteRepo) GetByID(_ context.Context, tenantID, siteID int64) (console.Site, error) {
	if tenantID != s.site.TenantID || siteID != s.site.ID {
		return console.Site{}, console.ErrSiteNotFound
	}
	return s.site, nil
}

type staticTokens struct{}

func (staticTokens) AccessToken(context.Context, int64) (string, error) {
	return "access-token", nil
}

type windowProvider struct {
	calls []struct{ start, end time.Time }
	rows  [][]console.PerformanceRow
}

func (w *windowProvider) ExchangeCode(context.Context, string) (*console.TokenGrant, error) {
	return nil, errors.New("not implemented")
}

func (w *windowProvider) RefreshToken(context.Context, string) (*console.TokenGrant, error) {
	return nil, errors.New("not implemented")
}

func (w *windowProvider) AccountEmail(context.Context, string) (string, error) {
	return "", errors.New("not implemented")
}

func (w *windowProvider) ListSites(context.Context, string) ([]console.DiscoveredSite, error) {
	return nil, errors.New("not implemented")
}

func (w *windowProvider) InspectURL(context.Context, string, string, string) (console.Verdict, error) {
	return console.VerdictUnknown, errors.New("not implemented")
}

func (w *windowProvider) SubmitURL(context.Context, string, string) error {
	return errors.New("not implemented")
}

func (w *windowProvider) QueryPerformance(_ context.Context, _, _ string, start, end time.Time) ([]console.PerformanceRow, error) {
	w.calls = append(w.calls, struct{ start, end time.Time }{start, end})
	if len(w.rows) == 0 {
		return nil, nil
	}
	rows := w.rows[0]
	w.rows = w.rows[1:]
	return rows, nil
}

func TestOpportunitiesQueriesBothWindows(t *testing.T) {
	provider := &windowProvider{
		rows: [][]console.PerformanceRow{
			{row("kw", 0, 200, 0, 9)}, // long window
			nil,                       // short window
		},
	}
	sites := &singleSiteRepo{site: console.Site{ID: 31, TenantID: 7, SiteURL: "https://example.com/"}}
	scorer := NewScorer(sites, staticTokens{}, provider, zap.NewNop())

	report, err := scorer.Opportunities(context.Background(), 7, 31, 28)
	require.NoError(t, err)
	require.Len(t, report.QuickWins, 1)
	require.Equal(t, console.TrendNew, report.QuickWins[0].Trend)

	require.Len(t, provider.calls, 2)
	longSpan := provider.calls[0].end.Sub(provider.calls[0].start)
	shortSpan := provider.calls[1].end.Sub(provider.calls[1].start)
	require.Equal(t, 28*24*time.Hour, longSpan)
	require.Equal(t, 7*24*time.Hour, shortSpan)
}

func TestOpportunitiesDefaultsShortRanges(t *testing.T) {
	provider := &windowProvider{}
	sites := &singleSiteRepo{site: console.Site{ID: 31, TenantID: 7, SiteURL: "https://example.com/"}}
	scorer := NewScorer(sites, staticTokens{}, provider, zap.NewNop())

	// A requested window at or below the trend window falls back to 28 days.
	_, err := scorer.Opportunities(context.Background(), 7, 31, 7)
	require.NoError(t, err)
	require.Len(t, provider.calls, 2)
	require.Equal(t, 28*24*time.Hour, provider.calls[0].end.Sub(provider.calls[0].start))
}

func TestOpportunitiesUnknownSite(t *testing.T) {
	provider := &windowProvider{}
	sites := &singleSiteRepo{site: console.Site{ID: 31, TenantID: 7, SiteURL: "https://example.com/"}}
	scorer := NewScorer(sites, staticTokens{}, provider, zap.NewNop())

	_, err := scorer.Opportunities(context.Background(), 7, 99, 28)
	require.ErrorIs(t, err, console.ErrSiteNotFound)
}
