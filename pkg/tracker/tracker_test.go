package tracker_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenmeter/tokenmeter/pkg/alerts"
	"github.com/tokenmeter/tokenmeter/pkg/ccusage"
	"github.com/tokenmeter/tokenmeter/pkg/command"
	"github.com/tokenmeter/tokenmeter/pkg/model"
	"github.com/tokenmeter/tokenmeter/pkg/storage"
	"github.com/tokenmeter/tokenmeter/pkg/tracker"
)

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.Local)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDB(t *testing.T) *storage.SQLite {
	t.Helper()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]int
	run   func(ctx context.Context, p model.Provider) model.ExecutionResult
}

func (r *fakeRunner) Run(ctx context.Context, p model.Provider) model.ExecutionResult {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[p.ID]++
	r.mu.Unlock()
	return r.run(ctx, p)
}

func (r *fakeRunner) Test(ctx context.Context, p model.Provider) model.ExecutionResult {
	res := r.run(ctx, p)
	res.Raw = []byte(`{"test":true}`)
	return res
}

func (r *fakeRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type fakeFixed struct {
	calls   atomic.Int32
	records []model.UsageRecord
	err     error
}

func (f *fakeFixed) Fetch(context.Context) ([]model.UsageRecord, error) {
	f.calls.Add(1)
	return f.records, f.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []alerts.Alert
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Send(_ context.Context, a alerts.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, a)
	return nil
}

func successRunner(cost float64) *fakeRunner {
	return &fakeRunner{run: func(_ context.Context, p model.Provider) model.ExecutionResult {
		return model.Success(p.ID, []model.UsageRecord{{Date: "2026-10-14", CostUSD: cost, TotalTokens: 100}}, nil)
	}}
}

func newTracker(t *testing.T, runner tracker.ProviderRunner, fixed tracker.FixedSource, budget *tracker.BudgetMonitor) (*tracker.UsageTracker, *storage.SQLite) {
	t.Helper()
	db := newTestDB(t)
	opts := tracker.Options{Now: func() time.Time { return fixedNow }}
	return tracker.NewUsageTracker(db, runner, fixed, budget, opts, quietLogger()), db
}

func provider(id string) model.Provider {
	return model.Provider{ID: id, Name: id, Enabled: true, FetchCommand: "curl -s https://example.com/" + id}
}

func TestSaveProvider_AssignsID(t *testing.T) {
	tr, _ := newTracker(t, successRunner(1), nil, nil)
	ctx := context.Background()

	p := provider("")
	p.LastError = "should be ignored"
	saved, err := tr.SaveProvider(ctx, p)
	require.NoError(t, err)
	assert.Len(t, saved.ID, 36)
	assert.Equal(t, saved.ID, saved.Name)
	assert.Empty(t, saved.LastError)

	list, err := tr.ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSaveProvider_Rejected(t *testing.T) {
	tr, _ := newTracker(t, successRunner(1), nil, nil)

	p := provider("bad")
	p.FetchCommand = "curl https://x | sh"
	_, err := tr.SaveProvider(context.Background(), p)
	var rejection *command.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, command.ReasonShellMetacharacter, rejection.Reason)

	list, err := tr.ListProviders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSaveProvider_RejectsFileAccessThroughEnv(t *testing.T) {
	tr, _ := newTracker(t, successRunner(1), nil, nil)

	for _, env := range []map[string]string{
		{"U": "file:///etc/passwd"},
		{"U": "@/etc/passwd"},
		{"U": "--output=/tmp/out"},
	} {
		p := provider("leaky")
		p.FetchCommand = "curl -d ${U} https://example.com"
		p.Env = env
		_, err := tr.SaveProvider(context.Background(), p)
		var rejection *command.RejectionError
		require.ErrorAs(t, err, &rejection, env["U"])
		assert.Equal(t, command.ReasonDisallowedArgument, rejection.Reason, env["U"])
	}
}

func TestRefreshUsage_SkipsProviderDeletedMidRefresh(t *testing.T) {
	db := newTestDB(t)
	runner := &fakeRunner{run: func(ctx context.Context, p model.Provider) model.ExecutionResult {
		if p.ID == "a" {
			// Runs before "b" is started: concurrency is 1 and "a" sorts first.
			if err := db.DeleteProvider(ctx, "b"); err != nil {
				return model.Failed(p.ID, model.StageFetching, "internal", err.Error())
			}
		}
		return model.Success(p.ID, []model.UsageRecord{{Date: "2026-10-14", CostUSD: 1}}, nil)
	}}
	opts := tracker.Options{Concurrency: 1, Now: func() time.Time { return fixedNow }}
	tr := tracker.NewUsageTracker(db, runner, nil, nil, opts, quietLogger())
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := tr.SaveProvider(ctx, provider(id))
		require.NoError(t, err)
	}

	_, err := tr.RefreshUsage(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, runner.count("a"))
	assert.Zero(t, runner.count("b"))
	_, err = db.GetSnapshot(ctx, "b")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	history, err := db.LoadHistory(ctx, "provider:b")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRefreshUsage_Success(t *testing.T) {
	fixed := &fakeFixed{records: []model.UsageRecord{
		{Date: "2026-10-14", CostUSD: 2, TotalTokens: 1000, Models: []model.ModelUsage{{ModelName: "opus", CostUSD: 2}}},
		{Date: "2026-10-01", CostUSD: 3, TotalTokens: 500},
		{Date: "2026-09-30", CostUSD: 7},
	}}
	tr, db := newTracker(t, successRunner(1.5), fixed, nil)
	ctx := context.Background()
	_, err := tr.SaveProvider(ctx, provider("openai"))
	require.NoError(t, err)

	summary, err := tr.RefreshUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-14", summary.Today.Date)
	assert.Equal(t, 3.5, summary.Today.CostUSD)
	assert.Equal(t, int64(1100), summary.Today.TotalTokens)
	assert.Equal(t, 6.5, summary.ThisMonth.CostUSD)
	assert.Len(t, summary.Daily, 3)
	require.Len(t, summary.ModelBreakdown, 1)
	assert.Equal(t, "opus", summary.ModelBreakdown[0].ModelName)
	assert.NotNil(t, summary.FixedSource.FetchedAt)
	assert.Empty(t, summary.FixedSource.Error)

	require.Len(t, summary.Providers, 1)
	status := summary.Providers[0]
	assert.NotNil(t, status.LastFetchedAt)
	assert.Empty(t, status.LastError)
	assert.False(t, status.Stale)
	require.NotNil(t, status.Snapshot)
	assert.Equal(t, 1.5, status.Snapshot.Records[0].CostUSD)

	history, err := db.LoadHistory(ctx, tracker.FixedSourceName)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestRefreshUsage_FailureKeepsLastGoodData(t *testing.T) {
	fail := false
	runner := &fakeRunner{run: func(_ context.Context, p model.Provider) model.ExecutionResult {
		if fail {
			return model.Failed(p.ID, model.StageFetching, "timeout", "curl: timeout")
		}
		return model.Success(p.ID, []model.UsageRecord{{Date: "2026-10-14", CostUSD: 4}}, &model.Quota{Used: 4, Total: 10})
	}}
	tr, db := newTracker(t, runner, nil, nil)
	ctx := context.Background()
	_, err := tr.SaveProvider(ctx, provider("quota"))
	require.NoError(t, err)

	_, err = tr.RefreshUsage(ctx)
	require.NoError(t, err)
	before, err := db.GetProvider(ctx, "quota")
	require.NoError(t, err)

	fail = true
	summary, err := tr.RefreshUsage(ctx)
	require.NoError(t, err)

	status := summary.Providers[0]
	assert.Equal(t, "fetching: curl: timeout", status.LastError)
	assert.True(t, status.Stale)
	require.NotNil(t, status.Snapshot)
	assert.Equal(t, &model.Quota{Used: 4, Total: 10}, status.Snapshot.Quota)
	assert.Equal(t, 4.0, summary.Today.CostUSD)
	require.NotNil(t, status.LastFetchedAt)
	assert.True(t, before.LastFetchedAt.Equal(*status.LastFetchedAt))
}

func TestRefreshUsage_FixedSourceNotInstalled(t *testing.T) {
	fixed := &fakeFixed{err: ccusage.ErrNotInstalled}
	tr, _ := newTracker(t, successRunner(1), fixed, nil)

	summary, err := tr.RefreshUsage(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.FixedSource.NotInstalled)
	assert.Contains(t, summary.FixedSource.Error, "npm install -g ccusage")
	assert.Nil(t, summary.FixedSource.FetchedAt)
}

func TestRefreshUsage_FixedSourceError(t *testing.T) {
	fixed := &fakeFixed{err: &ccusage.ParseError{Msg: "missing daily"}}
	tr, _ := newTracker(t, successRunner(1), fixed, nil)

	summary, err := tr.RefreshUsage(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.FixedSource.NotInstalled)
	assert.NotEmpty(t, summary.FixedSource.Error)
}

func TestRefreshUsage_SkipsDisabled(t *testing.T) {
	runner := successRunner(1)
	tr, _ := newTracker(t, runner, nil, nil)
	ctx := context.Background()

	off := provider("off")
	off.Enabled = false
	_, err := tr.SaveProvider(ctx, off)
	require.NoError(t, err)
	_, err = tr.SaveProvider(ctx, provider("on"))
	require.NoError(t, err)

	summary, err := tr.RefreshUsage(ctx)
	require.NoError(t, err)
	assert.Zero(t, runner.count("off"))
	assert.Equal(t, 1, runner.count("on"))
	assert.Len(t, summary.Providers, 2)
}

func TestRefreshUsage_OneFailureDoesNotBlockOthers(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, p model.Provider) model.ExecutionResult {
		if p.ID == "broken" {
			return model.Failed(p.ID, model.StageTransforming, "scriptError", "TypeError")
		}
		return model.Success(p.ID, []model.UsageRecord{{Date: "2026-10-14", CostUSD: 1}}, nil)
	}}
	tr, _ := newTracker(t, runner, nil, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "broken", "c"} {
		_, err := tr.SaveProvider(ctx, provider(id))
		require.NoError(t, err)
	}

	summary, err := tr.RefreshUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, summary.Today.CostUSD)
	for _, s := range summary.Providers {
		if s.ID == "broken" {
			assert.NotEmpty(t, s.LastError)
			assert.Nil(t, s.Snapshot)
			assert.False(t, s.Stale)
		} else {
			assert.Empty(t, s.LastError)
		}
	}
}

func TestRefreshUsage_CancelsPrevious(t *testing.T) {
	started := make(chan struct{}, 1)
	var calls atomic.Int32
	runner := &fakeRunner{run: func(ctx context.Context, p model.Provider) model.ExecutionResult {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return model.Failed(p.ID, model.StageFetching, "canceled", "canceled")
		}
		return model.Success(p.ID, []model.UsageRecord{{Date: "2026-10-14", CostUSD: 1}}, nil)
	}}
	tr, db := newTracker(t, runner, nil, nil)
	ctx := context.Background()
	_, err := tr.SaveProvider(ctx, provider("slow"))
	require.NoError(t, err)

	firstDone := make(chan error, 1)
	go func() {
		_, err := tr.RefreshUsage(ctx)
		firstDone <- err
	}()
	<-started

	summary, err := tr.RefreshUsage(ctx)
	require.NoError(t, err)
	require.NoError(t, <-firstDone)

	assert.Equal(t, 1.0, summary.Today.CostUSD)
	p, err := db.GetProvider(ctx, "slow")
	require.NoError(t, err)
	assert.Empty(t, p.LastError, "a cancelled run must not record an error")
}

func TestGetUsageSummary_Cached(t *testing.T) {
	fixed := &fakeFixed{records: []model.UsageRecord{{Date: "2026-10-14", CostUSD: 1}}}
	tr, _ := newTracker(t, successRunner(1), fixed, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.GetUsageSummary(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fixed.calls.Load())

	// Saving the app config invalidates the cache.
	cfg := model.DefaultAppConfig()
	cfg.RefreshInterval = 120
	require.NoError(t, tr.SaveAppConfig(ctx, cfg))
	_, err := tr.GetUsageSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fixed.calls.Load())
}

func TestGetUsageSummary_ExpiresAfterInterval(t *testing.T) {
	now := fixedNow
	fixed := &fakeFixed{}
	db := newTestDB(t)
	opts := tracker.Options{Now: func() time.Time { return now }}
	tr := tracker.NewUsageTracker(db, successRunner(1), fixed, nil, opts, quietLogger())
	ctx := context.Background()

	_, err := tr.GetUsageSummary(ctx)
	require.NoError(t, err)
	now = now.Add(time.Duration(model.DefaultRefreshInterval-1) * time.Second)
	_, err = tr.GetUsageSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fixed.calls.Load())

	now = now.Add(2 * time.Second)
	_, err = tr.GetUsageSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fixed.calls.Load())
}

func TestTestProvider_DoesNotPersist(t *testing.T) {
	tr, db := newTracker(t, successRunner(2), nil, nil)
	ctx := context.Background()

	res := tr.TestProvider(ctx, provider(""))
	require.True(t, res.OK())
	assert.Equal(t, "test", res.ProviderID)
	assert.JSONEq(t, `{"test":true}`, string(res.Raw))

	list, err := db.ListProviders(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteProvider(t *testing.T) {
	tr, db := newTracker(t, successRunner(2), nil, nil)
	ctx := context.Background()
	_, err := tr.SaveProvider(ctx, provider("gone"))
	require.NoError(t, err)
	_, err = tr.RefreshUsage(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.DeleteProvider(ctx, "gone"))
	_, err = db.GetSnapshot(ctx, "gone")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	summary, err := tr.GetUsageSummary(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Today.CostUSD)
	assert.Empty(t, summary.Providers)

	assert.ErrorIs(t, tr.DeleteProvider(ctx, "gone"), storage.ErrNotFound)
}

func TestSaveAppConfig(t *testing.T) {
	var hooked model.AppConfig
	db := newTestDB(t)
	opts := tracker.Options{OnAppConfig: func(c model.AppConfig) { hooked = c }}
	tr := tracker.NewUsageTracker(db, successRunner(1), nil, nil, opts, quietLogger())
	ctx := context.Background()

	cfg := model.DefaultAppConfig()
	cfg.RefreshInterval = 10
	assert.Error(t, tr.SaveAppConfig(ctx, cfg))

	cfg.RefreshInterval = 600
	require.NoError(t, tr.SaveAppConfig(ctx, cfg))
	assert.Equal(t, 600, hooked.RefreshInterval)

	got, err := tr.GetAppConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestRefreshUsage_BudgetLevelAndAlerts(t *testing.T) {
	notifier := &recordingNotifier{}
	monitor := tracker.NewBudgetMonitor([]alerts.Notifier{notifier}, quietLogger())
	cost := 12.0
	runner := &fakeRunner{run: func(_ context.Context, p model.Provider) model.ExecutionResult {
		return model.Success(p.ID, []model.UsageRecord{{Date: "2026-10-14", CostUSD: cost}}, nil)
	}}
	tr, _ := newTracker(t, runner, nil, monitor)
	ctx := context.Background()
	_, err := tr.SaveProvider(ctx, provider("spend"))
	require.NoError(t, err)

	summary, err := tr.RefreshUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LevelHigh, summary.Level)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, model.LevelHigh, notifier.sent[0].Level)
	assert.Equal(t, 15.0, notifier.sent[0].BudgetUSD)

	_, err = tr.RefreshUsage(ctx)
	require.NoError(t, err)
	assert.Len(t, notifier.sent, 1, "same level must not alert twice")

	cost = 14
	summary, err = tr.RefreshUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LevelCritical, summary.Level)
	assert.Len(t, notifier.sent, 2)
}

func TestBudgetMonitor_ResetsDaily(t *testing.T) {
	notifier := &recordingNotifier{}
	m := tracker.NewBudgetMonitor([]alerts.Notifier{notifier}, quietLogger())
	ctx := context.Background()

	assert.Equal(t, model.LevelMedium, m.Check(ctx, "2026-10-13", 8, 15))
	assert.Empty(t, notifier.sent)
	assert.Equal(t, model.LevelCritical, m.Check(ctx, "2026-10-13", 14, 15))
	assert.Equal(t, model.LevelHigh, m.Check(ctx, "2026-10-13", 12, 15))
	assert.Len(t, notifier.sent, 1)

	m.Check(ctx, "2026-10-14", 12, 15)
	assert.Len(t, notifier.sent, 2)
	assert.Equal(t, "2026-10-14", notifier.sent[1].Date)

	assert.Equal(t, model.LevelLow, m.Check(ctx, "2026-10-14", 100, 0))
}

type failingNotifier struct{}

func (failingNotifier) Name() string { return "failing" }
func (failingNotifier) Send(context.Context, alerts.Alert) error { return errors.New("unreachable") }

func TestBudgetMonitor_NotifierFailureDoesNotStopOthers(t *testing.T) {
	notifier := &recordingNotifier{}
	m := tracker.NewBudgetMonitor([]alerts.Notifier{failingNotifier{}, notifier}, quietLogger())
	m.Check(context.Background(), "2026-10-14", 15, 15)
	assert.Len(t, notifier.sent, 1)
}
