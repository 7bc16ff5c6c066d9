package indexation

import (
	"context"
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

// URLVerdict pairs a URL with the verdict recorded for it.
type URLVerdict struct {
	URL     string          `json:"url"`
	Verdict console.Verdict `json:"verdict"`
}

// InspectResult summarizes a batch inspection. Per-URL provider failures are
// counted, never raised.
type InspectResult struct {
	Inspected int          `json:"inspected"`
	Failed    int          `json:"failed"`
	Verdicts  []URLVerdict `json:"verdicts"`
}

// SubmitResult summarizes a batch submission, distinguishing "sent now" from
// "deferred to the queue".
type SubmitResult struct {
	Submitted      int `json:"submitted"`
	Queued         int `json:"queued"`
	Failed         int `json:"failed"`
	QuotaRemaining int `json:"quota_remaining"`
}

// DrainResult summarizes one queue drain run.
type DrainResult struct {
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Scheduler inspects and submits URLs against the provider under the daily
// quota. It is the only component that mutates quota counters and the queue.
type Scheduler struct {
	sites       repository.SiteRepo
	urls        repository.IndexationRepo
	queue       repository.QueueRepo
	ledger      repository.QuotaLedger
	tokens      TokenSource
	provider    searchconsole.Client
	maxAttempts int
	staleAge    time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewScheduler wires the indexation scheduler.
func NewScheduler(
	sites repository.SiteRepo,
	urls repository.IndexationRepo,
	queue repository.QueueRepo,
	ledger repository.QuotaLedger,
	tokens TokenSource,
	provider searchconsole.Client,
	maxAttempts int,
	staleAge time.Duration,
	logger *zap.Logger,
) *Scheduler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Scheduler{
		sites:       sites,
		urls:        urls,
		queue:       queue,
		ledger:      ledger,
		tokens:      tokens,
		provider:    provider,
		maxAttempts: maxAttempts,
		staleAge:    staleAge,
		logger:      logger,
		now:         time.Now,
	}
}

// Inspect fetches indexing verdicts for the given URLs, or for all stale and
// unknown URLs of the site when the list is empty. Per-URL errors are
// recorded as error verdicts; the batch never aborts on them.
func (s *Scheduler) Inspect(ctx context.Context, tenantID, siteID int64, urls []string) (*InspectResult, error) {
	site, err := s.sites.GetByID(ctx, tenantID, siteID)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.AccessToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if len(urls) == 0 {
		stale, err := s.urls.ListStale(ctx, siteID, s.now().Add(-s.staleAge))
		if err != nil {
			return nil, err
		}
		for _, entry := range stale {
			urls = append(urls, entry.URL)
		}
	}

	result := &InspectResult{}
	for _, pageURL := range urls {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		verdict, err := s.provider.InspectURL(ctx, token, site.SiteURL, pageURL)
		inspectedAt := s.now().UTC()
		if err != nil {
			result.Failed++
			verdict = console.VerdictError
			s.log().Warn("url inspection failed",
				zap.Int64("site_id", siteID), zap.String("url", pageURL), zap.Error(err))
		} else {
			result.Inspected++
		}

		if err := s.urls.UpsertVerdict(ctx, siteID, pageURL, verdict, inspectedAt); err != nil {
			s.log().Warn("verdict persistence failed",
				zap.Int64("site_id", siteID), zap.String("url", pageURL), zap.Error(err))
		}
		result.Verdicts = append(result.Verdicts, URLVerdict{URL: pageURL, Verdict: verdict})
	}
	return result, nil
}

// Submit attempts to submit each URL under the daily quota. An empty list is
// expanded from the site's auto-index settings. URLs that cannot reserve a
// slot are queued for the next drain. A reserved slot is consumed even when
// the provider call fails; failed submissions never refund quota.
func (s *Scheduler) Submit(ctx context.Context, tenantID, siteID int64, urls []string) (*SubmitResult, error) {
	if _, err := s.sites.GetByID(ctx, tenantID, siteID); err != nil {
		return nil, err
	}
	token, err := s.tokens.AccessToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if len(urls) == 0 {
		urls, err = s.autoSubmitCandidates(ctx, siteID)
		if err != nil {
			return nil, err
		}
	}

	day := console.DayKey(s.now())
	result := &SubmitResult{}
	for _, pageURL := range urls {
		if ctx.Err() != nil {
			// Not-yet-attempted URLs are abandoned; completed reservations stand.
			s.fillRemaining(ctx, tenantID, day, result)
			return result, ctx.Err()
		}

		reserved, err := s.ledger.TryReserve(ctx, tenantID, day)
		if err != nil {
			return nil, err
		}
		if !reserved {
			if _, err := s.queue.Enqueue(ctx, console.QueueItem{
				TenantID: tenantID,
				SiteID:   siteID,
				URL:      pageURL,
			}); err != nil {
				return nil, err
			}
			result.Queued++
			continue
		}

		if err := s.provider.SubmitURL(ctx, token, pageURL); err != nil {
			result.Failed++
			s.log().Warn("url submission failed",
				zap.Int64("site_id", siteID), zap.String("url", pageURL), zap.Error(err))
			continue
		}
		result.Submitted++
	}

	s.fillRemaining(ctx, tenantID, day, result)
	return result, nil
}

// DrainQueue re-attempts pending queue items oldest-first, bounded by the
// quota remaining for the day of the run. Items hit terminal failed status
// once the attempt ceiling is reached or the error is not retryable.
func (s *Scheduler) DrainQueue(ctx context.Context, tenantID int64) (*DrainResult, error) {
	token, err := s.tokens.AccessToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	day := console.DayKey(s.now())
	remaining, err := s.ledger.Remaining(ctx, tenantID, day)
	if err != nil {
		return nil, err
	}

	result := &DrainResult{}
	if remaining <= 0 {
		return result, nil
	}

	items, err := s.queue.ListPending(ctx, tenantID, remaining)
	if err != nil {
		return nil, err
	}

	processed := 0
	for _, item := range items {
		if ctx.Err() != nil {
			result.Pending += len(items) - processed
			return result, ctx.Err()
		}

		reserved, err := s.ledger.TryReserve(ctx, tenantID, day)
		if err != nil {
			return nil, err
		}
		if !reserved {
			result.Pending += len(items) - processed
			break
		}
		processed++

		attempts := item.Attempts + 1
		if err := s.queue.BumpAttempt(ctx, item.ID); err != nil {
			s.log().Warn("attempt bump failed", zap.Int64("queue_id", item.ID), zap.Error(err))
		}

		submitErr := s.provider.SubmitURL(ctx, token, item.URL)
		switch {
		case submitErr == nil:
			if err := s.queue.MarkSubmitted(ctx, item.ID); err != nil {
				s.log().Warn("queue status update failed", zap.Int64("queue_id", item.ID), zap.Error(err))
			}
			result.Submitted++
		case console.IsRetryable(submitErr) && attempts < s.maxAttempts:
			// Stays pending for a later drain; the quota slot is consumed.
			result.Pending++
			s.log().Warn("queued submission failed, will retry",
				zap.Int64("queue_id", item.ID), zap.Int("attempts", attempts), zap.Error(submitErr))
		default:
			if err := s.queue.MarkFailed(ctx, item.ID); err != nil {
				s.log().Warn("queue status update failed", zap.Int64("queue_id", item.ID), zap.Error(err))
			}
			result.Failed++
			s.log().Warn("queued submission failed permanently",
				zap.Int64("queue_id", item.ID), zap.Int("attempts", attempts), zap.Error(submitErr))
		}
	}

	return result, nil
}

// QuotaRemaining reports today's unreserved submission budget.
func (s *Scheduler) QuotaRemaining(ctx context.Context, tenantID int64) (int, error) {
	return s.ledger.Remaining(ctx, tenantID, console.DayKey(s.now()))
}

// autoSubmitCandidates expands an empty submission into the URLs the site's
// auto-index settings cover: never-inspected URLs under auto_index_new,
// known not-indexed URLs under auto_index_updated.
func (s *Scheduler) autoSubmitCandidates(ctx context.Context, siteID int64) ([]string, error) {
	settings, err := s.urls.GetSettings(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if !settings.AutoIndexNew && !settings.AutoIndexUpdated {
		return nil, nil
	}

	entries, err := s.urls.ListStale(ctx, siteID, s.now().Add(-s.staleAge))
	if err != nil {
		return nil, err
	}

	var urls []string
	for _, entry := range entries {
		switch entry.Verdict {
		case console.VerdictUnknown:
			if settings.AutoIndexNew {
				urls = append(urls, entry.URL)
			}
		case console.VerdictNotIndexed:
			if settings.AutoIndexUpdated {
				urls = append(urls, entry.URL)
			}
		}
	}
	return urls, nil
}

func (s *Scheduler) fillRemaining(ctx context.Context, tenantID int64, day string, result *SubmitResult) {
	remaining, err := s.ledger.Remaining(ctx, tenantID, day)
	if err != nil {
		s.log().Warn("quota remaining lookup failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		return
	}
	result.QuotaRemaining = remaining
}

// Settings returns the site's auto-index configuration.
func (s *Scheduler) Settings(ctx context.Context, tenantID, siteID int64) (console.SiteSettings, error) {
	if _, err := s.sites.GetByID(ctx, tenantID, siteID); err != nil {
		return console.SiteSettings{}, err
	}
	return s.urls.GetSettings(ctx, siteID)
}

// UpdateSettings stores the site's auto-index configuration.
func (s *Scheduler) UpdateSettings(ctx context.Context, tenantID int64, settings console.SiteSettings) error {
	if _, err := s.sites.GetByID(ctx, tenantID, settings.SiteID); err != nil {
		return err
	}
	return s.urls.PutSettings(ctx, settings)
}

func (s *Scheduler) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
