package opportunity

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/searchlift/searchlift/internal/adapter/searchconsole"
	"github.com/searchlift/searchlift/internal/domain/console"
	"github.com/searchlift/searchlift/internal/repository"
)

// TokenSource provides a valid provider access token for a tenant.
type TokenSource interface {
	AccessToken(ctx context.Context, tenantID int64) (string, error)
}

const (
	// shortWindowDays is the recent window used for trend detection.
	shortWindowDays = 7
	// defaultLongWindowDays is the observation window opportunities are
	// categorized and scored on.
	defaultLongWindowDays = 28

	quickWinMinPosition    = 4.0
	quickWinMaxPosition    = 20.0
	quickWinMinImpressions = 50

	lowCTRMaxPosition = 10.0

	// trendThreshold is the minimum position delta before a keyword is
	// tagged improving or declining, to avoid noise flapping.
	trendThreshold = 0.5
)

// Scoring weights are tunable policy; the score stays monotone
// non-decreasing in impressions and non-increasing in position.
const (
	weightImpressions = 0.5
	weightPosition    = 0.3
	weightCTRGap      = 0.2
)

// Report groups scored opportunities by category.
type Report struct {
	QuickWins []console.Opportunity `json:"quick_wins"`
	LowCTR    []console.Opportunity `json:"low_ctr"`
	NoClicks  []console.Opportunity `json:"no_clicks"`
}

// Scorer compares a short and a long keyword-performance window to classify
// and trend-tag ranking opportunities.
type Scorer struct {
	sites    repository.SiteRepo
	tokens   TokenSource
	provider searchconsole.Client
	logger   *zap.Logger
	now      func() time.Time
}

// NewScorer wires the opportunity scorer.
func NewScorer(sites repository.SiteRepo, tokens TokenSource, provider searchconsole.Client, logger *zap.Logger) *Scorer {
	return &Scorer{
		sites:    sites,
		tokens:   tokens,
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// Opportunities fetches both windows from the provider and builds the report.
// longDays below the short window falls back to the default.
func (s *Scorer) Opportunities(ctx context.Context, tenantID, siteID int64, longDays int) (*Report, error) {
	site, err := s.sites.GetByID(ctx, tenantID, siteID)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.AccessToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if longDays <= shortWindowDays {
		longDays = defaultLongWindowDays
	}

	end := s.now().UTC()
	longRows, err := s.provider.QueryPerformance(ctx, token, site.SiteURL, end.AddDate(0, 0, -longDays), end)
	if err != nil {
		return nil, err
	}
	shortRows, err := s.provider.QueryPerformance(ctx, token, site.SiteURL, end.AddDate(0, 0, -shortWindowDays), end)
	if err != nil {
		return nil, err
	}

	return Build(longRows, shortRows), nil
}

// Build categorizes, scores and trend-tags the long window against the raw
// short window.
func Build(longRows, shortRows []console.PerformanceRow) *Report {
	shortByKey := make(map[pairKey]console.PerformanceRow, len(shortRows))
	for _, row := range shortRows {
		shortByKey[keyOf(row)] = row
	}

	var maxImpressions int64
	for _, row := range longRows {
		if row.Impressions > maxImpressions {
			maxImpressions = row.Impressions
		}
	}

	report := &Report{}
	for _, row := range longRows {
		trend := trendFor(row, shortByKey)
		opp := console.Opportunity{
			Query:       row.Query,
			Page:        row.Page,
			Clicks:      row.Clicks,
			Impressions: row.Impressions,
			CTR:         row.CTR,
			Position:    row.Position,
			Trend:       trend,
			Score:       Score(row, maxImpressions),
		}

		if IsQuickWin(row) {
			opp.Category = console.CategoryQuickWin
			report.QuickWins = append(report.QuickWins, opp)
		}
		if IsLowCTR(row) {
			opp.Category = console.CategoryLowCTR
			report.LowCTR = append(report.LowCTR, opp)
		}
		if IsNoClicks(row) {
			opp.Category = console.CategoryNoClicks
			report.NoClicks = append(report.NoClicks, opp)
		}
	}

	sortByScore(report.QuickWins)
	sortByScore(report.LowCTR)
	sortByScore(report.NoClicks)
	return report
}

// IsQuickWin reports whether the keyword ranks just outside the top results
// with meaningful impression volume.
func IsQuickWin(row console.PerformanceRow) bool {
	return row.Position >= quickWinMinPosition &&
		row.Position <= quickWinMaxPosition &&
		row.Impressions >= quickWinMinImpressions
}

// IsLowCTR reports whether a top-ranking keyword underperforms the expected
// click-through rate for its position.
func IsLowCTR(row console.PerformanceRow) bool {
	return row.Position <= lowCTRMaxPosition && row.CTR < ExpectedCTR(row.Position)
}

// IsNoClicks reports whether the keyword gets impressions but no clicks.
func IsNoClicks(row console.PerformanceRow) bool {
	return row.Impressions > 0 && row.Clicks == 0
}

// ExpectedCTR is a monotonically decreasing reference click-through curve by
// rank, interpolated past position 10.
func ExpectedCTR(position float64) float64 {
	curve := []float64{0.28, 0.15, 0.11, 0.08, 0.07, 0.05, 0.04, 0.035, 0.03, 0.025}
	if position < 1 {
		position = 1
	}
	rank := int(math.Floor(position))
	if rank <= len(curve) {
		return curve[rank-1]
	}
	ctr := 0.25 / position
	if ctr < 0.005 {
		return 0.005
	}
	return ctr
}

// Score combines normalized impressions, inverse position and the
// gap-to-expected-CTR so that high-impression keywords near the top of page
// two rank highest.
func Score(row console.PerformanceRow, maxImpressions int64) float64 {
	impressions := 0.0
	if maxImpressions > 0 {
		impressions = math.Log1p(float64(row.Impressions)) / math.Log1p(float64(maxImpressions))
	}
	position := row.Position
	if position < 1 {
		position = 1
	}
	gap := ExpectedCTR(position) - row.CTR
	if gap < 0 {
		gap = 0
	}
	return weightImpressions*impressions + weightPosition*(1.0/position) + weightCTRGap*gap
}

type pairKey struct {
	query string
	page  string
}

func keyOf(row console.PerformanceRow) pairKey {
	return pairKey{query: row.Query, page: row.Page}
}

// trendFor tags a keyword new only when the (query, page) pair is absent from
// the raw short-window dataset; pairs present in both windows are compared by
// position delta beyond the noise threshold.
func trendFor(longRow console.PerformanceRow, shortByKey map[pairKey]console.PerformanceRow) console.Trend {
	shortRow, ok := shortByKey[keyOf(longRow)]
	if !ok {
		return console.TrendNew
	}
	delta := longRow.Position - shortRow.Position
	switch {
	case delta > trendThreshold:
		return console.TrendImproving
	case delta < -trendThreshold:
		return console.TrendDeclining
	default:
		return console.TrendStable
	}
}

func sortByScore(opportunities []console.Opportunity) {
	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].Score > opportunities[j].Score
	})
}
