package indexation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/searchlift/searchlift/internal/domain/console"
)

type memoryLedger struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

func newMemoryLedger(limit int) *memoryLedger {
	return &memoryLedger{limit: limit, counts: make(map[string]int)}
}

func (m *memoryLedger) key(tenantID int64, day string) string {
	return day
}

func (m *memoryLedger) TryReserve(_ context.Context, tenantID int64, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.key(tenantID, day)
	if m.counts[key] >= m.limit {
		return false, nil
	}
	m.counts[key]++
	return true, nil
}

func (m *memoryLedger) Remaining(_ context.Context, tenantID int64, day string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	remaining := m.limit - m.counts[m.key(tenantID, day)]
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

type memoryQueue struct {
	mu     sync.Mutex
	nextID int64
	items  []console.QueueItem
}

func (m *memoryQueue) Enqueue(_ context.Context, item console.QueueItem) (console.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	item.ID = m.nextID
	item.Status = console.QueuePending
	item.EnqueuedAt = time.Now()
	m.items = append(m.items, item)
	return item, nil
}

func (m *memoryQueue) ListPending(_ context.Context, tenantID int64, limit int) ([]console.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []console.QueueItem
	for _, item := range m.items {
		if item.TenantID == tenantID && item.Status == console.QueuePending {
			out = append(out, item)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memoryQueue) MarkSubmitted(_ context.Context, id int64) error {
	return m.setStatus(id, console.QueueSubmitted)
}

func (m *memoryQueue) MarkFailed(_ context.Context, id int64) error {
	return m.setStatus(id, console.QueueFailed)
}

func (m *memoryQueue) BumpAttempt(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id {
			m.items[i].Attempts++
			return nil
		}
	}
	return errors.New("queue item not found")
}

func (m *memoryQueue) setStatus(id int64, status console.QueueStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id {
			m.items[i].Status = status
			return nil
		}
	}
	return errors.New("queue item not found")
}

func (m *memoryQueue) countByStatus(status console.QueueStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, item := range m.items {
		if item.Status == status {
			n++
		}
	}
	return n
}

type memoryIndexationRepo struct {
	mu       sync.Mutex
	verdicts map[string]console.Verdict
	stale    []console.IndexationURL
	settings map[int64]console.SiteSettings
}

func newMemoryIndexationRepo() *memoryIndexationRepo {
	return &memoryIndexationRepo{
		verdicts: make(map[string]console.Verdict),
		settings: make(map[int64]console.SiteSettings),
	}
}

func (m *memoryIndexationRepo) UpsertVerdict(_ context.Context, _ int64, url string, verdict console.Verdict, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts[url] = verdict
	return nil
}

func (m *memoryIndexationRepo) ListStale(_ context.Context, _ int64, _ time.Time) ([]console.IndexationURL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale, nil
}

func (m *memoryIndexationRepo) GetSettings(_ context.Context, siteID int64) (console.SiteSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings, ok := m.settings[siteID]
	if !ok {
		return console.SiteSettings{SiteID: siteID}, nil
	}
	return settings, nil
}

func (m *memoryIndexationRepo) PutSettings(_ context.Context, settings console.SiteSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[settings.SiteID] = settings
	return nil
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

type fakeProvider struct {
	mu        sync.Mutex
	submitted []string
	inspectFn func(pageURL string) (console.Verdict, error)
	submitFn  func(pageURL string) error
}

func (f *fakeProvider) ExchangeCode(context.Context, string) (*console.TokenGrant, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) RefreshToken(context.Context, string) (*console.TokenGrant, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) AccountEmail(context.Context, string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeProvider) ListSites(context.Context, string) ([]console.DiscoveredSite, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) InspectURL(_ context.Context, _, _, pageURL string) (console.Verdict, error) {
	if f.inspectFn != nil {
		return f.inspectFn(pageURL)
	}
	return console.VerdictIndexed, nil
}

func (f *fakeProvider) SubmitURL(_ context.Context, _, pageURL string) error {
	if f.submitFn != nil {
		if err := f.submitFn(pageURL); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, pageURL)
	return nil
}

func (f *fakeProvider) QueryPerformance(context.Context, string, string, time.Time, time.Time) ([]console.PerformanceRow, error) {
	return nil, errors.New("not implemented")
}

type harness struct {
	scheduler *Scheduler
	ledger    *memoryLedger
	queue     *memoryQueue
	urls      *memoryIndexationRepo
	provider  *fakeProvider
}

const (
	testTenant = int64(7)
	testSite   = int64(31)
)

func newHarness(t *testing.T, quotaLimit, maxAttempts int) *harness {
	t.Helper()
	h := &harness{
		ledger:   newMemoryLedger(quotaLimit),
		queue:    &memoryQueue{},
		urls:     newMemoryIndexationRepo(),
		provider: &fakeProvider{},
	}
	sites := &singleSiteRepo{site: console.Site{
		ID:       testSite,
		TenantID: testTenant,
		SiteURL:  "https://example.com/",
		Active:   true,
	}}
	h.scheduler = NewScheduler(sites, h.urls, h.queue, h.ledger, staticTokens{}, h.provider, maxAttempts, 7*24*time.Hour, zap.NewNop())
	return h
}

func TestSubmitWithinQuota(t *testing.T) {
	h := newHarness(t, 10, 5)

	result, err := h.scheduler.Submit(context.Background(), testTenant, testSite, []string{"/a", "/b"})
	require.NoError(t, err)
	require.Equal(t, 2, result.Submitted)
	require.Zero(t, result.Queued)
	require.Zero(t, result.Failed)
	require.Equal(t, 8, result.QuotaRemaining)
	require.Equal(t, []string{"/a", "/b"}, h.provider.submitted)
}

func TestSubmitOverflowQueuesAndDrainsNextDay(t *testing.T) {
	h := newHarness(t, 2, 5)

	result, err := h.scheduler.Submit(context.Background(), testTenant, testSite, []string{"/a", "/b", "/c"})
	require.NoError(t, err)
	require.Equal(t, 2, result.Submitted)
	require.Equal(t, 1, result.Queued)
	require.Zero(t, result.Failed)
	require.Zero(t, result.QuotaRemaining)

	// With the quota spent, another submission goes straight to the queue.
	result, err = h.scheduler.Submit(context.Background(), testTenant, testSite, []string{"/d"})
	require.NoError(t, err)
	require.Zero(t, result.Submitted)
	require.Equal(t, 1, result.Queued)

	// Draining on the same day finds no budget.
	drained, err := h.scheduler.DrainQueue(context.Background(), testTenant)
	require.NoError(t, err)
	require.Zero(t, drained.Submitted)
	require.Equal(t, 2, h.queue.countByStatus(console.QueuePending))

	// A new UTC day resets the counter; both deferred URLs go out.
	h.scheduler.now = func() time.Time { return time.Now().UTC().Add(24 * time.Hour) }
	drained, err = h.scheduler.DrainQueue(context.Background(), testTenant)
	require.NoError(t, err)
	require.Equal(t, 2, drained.Submitted)
	require.Zero(t, drained.Failed)
	require.Zero(t, drained.Pending)
	require.Zero(t, h.queue.countByStatus(console.QueuePending))
	require.Equal(t, []string{"/a", "/b", "/c", "/d"}, h.provider.submitted)
}

func TestSubmitFailureConsumesQuotaSlot(t *testing.T) {
	h := newHarness(t, 2, 5)
	h.provider.submitFn = func(pageURL string) error {
		if pageURL == "/bad" {
			return console.NewProviderError("submit_url", 500, "boom")
		}
		return nil
	}

	result, err := h.scheduler.Submit(context.Background(), testTenant, testSite, []string{"/bad", "/a", "/b"})
	require.NoError(t, err)
	require.Equal(t, 1, result.Submitted)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, result.Queued)
	require.Zero(t, result.QuotaRemaining)
}

func TestSubmitEmptyListUsesAutoIndexSettings(t *testing.T) {
	h := newHarness(t, 10, 5)
	h.urls.stale = []console.IndexationURL{
		{SiteID: testSite, URL: "/never-seen", Verdict: console.VerdictUnknown},
		{SiteID: testSite, URL: "/dropped", Verdict: console.VerdictNotIndexed},
		{SiteID: testSite, URL: "/fine", Verdict: console.VerdictIndexed},
	}

	// No settings: nothing is picked up.
	result, err := h.scheduler.Submit(context.Background(), testTenant, testSite, nil)
	require.NoError(t, err)
	require.Zero(t, result.Submitted)
	require.Empty(t, h.provider.submitted)

	require.NoError(t, h.urls.PutSettings(context.Background(), console.SiteSettings{
		SiteID:       testSite,
		AutoIndexNew: true,
	}))
	result, err = h.scheduler.Submit(context.Background(), testTenant, testSite, nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.Submitted)
	require.Equal(t, []string{"/never-seen"}, h.provider.submitted)

	require.NoError(t, h.urls.PutSettings(context.Background(), console.SiteSettings{
		SiteID:           testSite,
		AutoIndexNew:     true,
		AutoIndexUpdated: true,
	}))
	result, err = h.scheduler.Submit(context.Background(), testTenant, testSite, nil)
	require.NoError(t, err)
	require.Equal(t, 2, result.Submitted)
	require.Contains(t, h.provider.submitted, "/dropped")
}

func TestSubmitUnknownSite(t *testing.T) {
	h := newHarness(t, 2, 5)

	_, err := h.scheduler.Submit(context.Background(), testTenant, 999, []string{"/a"})
	require.ErrorIs(t, err, console.ErrSiteNotFound)
}

func TestSubmitCancellationReturnsPartialResult(t *testing.T) {
	h := newHarness(t, 10, 5)
	ctx, cancel := context.WithCancel(context.Background())
	h.provider.submitFn = func(pageURL string) error {
		if pageURL == "/b" {
			cancel()
		}
		return nil
	}

	result, err := h.scheduler.Submit(ctx, testTenant, testSite, []string{"/a", "/b", "/c"})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	require.Equal(t, 2, result.Submitted)

	// The abandoned URL was never reserved for.
	remaining, err := h.ledger.Remaining(context.Background(), testTenant, console.DayKey(time.Now()))
	require.NoError(t, err)
	require.Equal(t, 8, remaining)
}

func TestDrainRetryableFailureStaysPending(t *testing.T) {
	h := newHarness(t, 10, 3)
	_, err := h.queue.Enqueue(context.Background(), console.QueueItem{TenantID: testTenant, SiteID: testSite, URL: "/flaky"})
	require.NoError(t, err)

	h.provider.submitFn = func(string) error {
		return console.NewProviderError("submit_url", 503, "unavailable")
	}

	drained, err := h.scheduler.DrainQueue(context.Background(), testTenant)
	require.NoError(t, err)
	require.Equal(t, 1, drained.Pending)
	require.Zero(t, drained.Failed)
	require.Equal(t, 1, h.queue.items[0].Attempts)
	require.Equal(t, console.QueuePending, h.queue.items[0].Status)
}

func TestDrainRetryCeilingMarksFailed(t *testing.T) {
	h := newHarness(t, 100, 3)
	_, err := h.queue.Enqueue(context.Background(), console.QueueItem{TenantID: testTenant, SiteID: testSite, URL: "/flaky"})
	require.NoError(t, err)

	h.provider.submitFn = func(string) error {
		return console.NewProviderError("submit_url", 503, "unavailable")
	}

	for i := 0; i < 2; i++ {
		drained, err := h.scheduler.DrainQueue(context.Background(), testTenant)
		require.NoError(t, err)
		require.Equal(t, 1, drained.Pending)
	}

	// Third attempt hits the ceiling.
	drained, err := h.scheduler.DrainQueue(context.Background(), testTenant)
	require.NoError(t, err)
	require.Zero(t, drained.Pending)
	require.Equal(t, 1, drained.Failed)
	require.Equal(t, console.QueueFailed, h.queue.items[0].Status)
	require.Equal(t, 3, h.queue.items[0].Attempts)
}

func TestDrainNonRetryableFailureIsTerminal(t *testing.T) {
	h := newHarness(t, 100, 5)
	_, err := h.queue.Enqueue(context.Background(), console.QueueItem{TenantID: testTenant, SiteID: testSite, URL: "/gone"})
	require.NoError(t, err)

	h.provider.submitFn = func(string) error {
		return console.NewProviderError("submit_url", 403, "forbidden")
	}

	drained, err := h.scheduler.DrainQueue(context.Background(), testTenant)
	require.NoError(t, err)
	require.Equal(t, 1, drained.Failed)
	require.Equal(t, console.QueueFailed, h.queue.items[0].Status)
}

func TestDrainBoundedByRemainingQuota(t *testing.T) {
	h := newHarness(t, 2, 5)
	for _, u := range []string{"/a", "/b", "/c"} {
		_, err := h.queue.Enqueue(context.Background(), console.QueueItem{TenantID: testTenant, SiteID: testSite, URL: u})
		require.NoError(t, err)
	}

	drained, err := h.scheduler.DrainQueue(context.Background(), testTenant)
	require.NoError(t, err)
	require.Equal(t, 2, drained.Submitted)
	require.Equal(t, 1, h.queue.countByStatus(console.QueuePending))
	require.Equal(t, []string{"/a", "/b"}, h.provider.submitted)
}

func TestTryReserveNeverOverAdmits(t *testing.T) {
	ledger := newMemoryLedger(10)
	day := console.DayKey(time.Now())

	var wg sync.WaitGroup
	granted := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.TryReserve(context.Background(), testTenant, day)
			require.NoError(t, err)
			granted <- ok
		}()
	}
	wg.Wait()
	close(granted)

	admitted := 0
	for ok := range granted {
		if ok {
			admitted++
		}
	}
	require.Equal(t, 10, admitted)
}

func TestInspectRecordsVerdicts(t *testing.T) {
	h := newHarness(t, 10, 5)
	h.provider.inspectFn = func(pageURL string) (console.Verdict, error) {
		switch pageURL {
		case "/indexed":
			return console.VerdictIndexed, nil
		case "/missing":
			return console.VerdictNotIndexed, nil
		default:
			return "", console.NewProviderError("inspect_url", 500, "boom")
		}
	}

	result, err := h.scheduler.Inspect(context.Background(), testTenant, testSite, []string{"/indexed", "/broken", "/missing"})
	require.NoError(t, err)
	require.Equal(t, 2, result.Inspected)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Verdicts, 3)

	require.Equal(t, console.VerdictIndexed, h.urls.verdicts["/indexed"])
	require.Equal(t, console.VerdictError, h.urls.verdicts["/broken"])
	require.Equal(t, console.VerdictNotIndexed, h.urls.verdicts["/missing"])
}

func TestInspectFallsBackToStaleURLs(t *testing.T) {
	h := newHarness(t, 10, 5)
	h.urls.stale = []console.IndexationURL{
		{SiteID: testSite, URL: "/old-1"},
		{SiteID: testSite, URL: "/old-2"},
	}

	result, err := h.scheduler.Inspect(context.Background(), testTenant, testSite, nil)
	require.NoError(t, err)
	require.Equal(t, 2, result.Inspected)
	require.Equal(t, console.VerdictIndexed, h.urls.verdicts["/old-1"])
	require.Equal(t, console.VerdictIndexed, h.urls.verdicts["/old-2"])
}

func TestQuotaRemaining(t *testing.T) {
	h := newHarness(t, 5, 5)

	_, err := h.scheduler.Submit(context.Background(), testTenant, testSite, []string{"/a", "/b"})
	require.NoError(t, err)

	remaining, err := h.scheduler.QuotaRemaining(context.Background(), testTenant)
	require.NoError(t, err)
	require.Equal(t, 3, remaining)
}

func TestSettingsRoundTrip(t *testing.T) {
	h := newHarness(t, 5, 5)

	settings, err := h.scheduler.Settings(context.Background(), testTenant, testSite)
	require.NoError(t, err)
	require.False(t, settings.AutoIndexNew)

	err = h.scheduler.UpdateSettings(context.Background(), testTenant, console.SiteSettings{
		SiteID:       testSite,
		AutoIndexNew: true,
	})
	require.NoError(t, err)

	settings, err = h.scheduler.Settings(context.Background(), testTenant, testSite)
	require.NoError(t, err)
	require.True(t, settings.AutoIndexNew)

	_, err = h.scheduler.Settings(context.Background(), testTenant, 999)
	require.ErrorIs(t, err, console.ErrSiteNotFound)
}
