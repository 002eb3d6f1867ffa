package stitcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentLine struct {
	sd  string
	msg string
}

type mockSender struct {
	mu    sync.Mutex
	fail  bool
	lines []sentLine
}

func (m *mockSender) Send(ctx context.Context, structuredData string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("receiver down")
	}
	m.lines = append(m.lines, sentLine{sd: structuredData, msg: message})
	return nil
}

func (m *mockSender) count(typ string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.lines {
		if strings.Contains(l.sd, `type="`+typ+`"`) {
			n++
		}
	}
	return n
}

var runNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func runnerFixture(t *testing.T) (RunnerConfig, string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "in/sales/jan.json", `[
		{"order-id": "111-0000000-0000001", "purchase-date": "2024-01-03", "sku": "ABC", "quantity": 1},
		{"sku": "ABC"}
	]`)
	writeFile(t, dir, "in/po/jan.json", `[{"date": "2024-01-05", "sku": "abc"}]`)
	writeFile(t, dir, "in/events/feb.json", `[
		{"type": "ORDER_PLACED", "asin": "B1", "at": "2024-02-29T00:00:00Z"},
		{"type": "EXPORTED", "asin": "B2", "at": "2024-02-25T12:00:00Z"},
		{"type": "ORDER_PLACED", "asin": "B3", "at": "2024-02-27T00:00:00Z"},
		{"type": "US_PO_CREATED", "asin": "B3", "at": "2024-02-28T06:00:00Z"}
	]`)
	cfg := RunnerConfig{
		DBPath:   filepath.Join(dir, "stitch.db"),
		JobLabel: "test",
		Inputs: []InputSpec{
			{Category: "sales", Glob: filepath.Join(dir, "in/sales/*.json")},
			{Category: "purchase", Glob: filepath.Join(dir, "in/po/*.json")},
		},
		EventGlobs: []string{filepath.Join(dir, "in/events/*.json")},
		SLA:        DefaultSettings(),
		Now:        runNow,
	}
	return cfg, dir
}

func newTestRunner(t *testing.T, cfg RunnerConfig, sender AlertSender) *Runner {
	t.Helper()
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	r.sender = sender
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRunner_RunOnce(t *testing.T) {
	cfg, _ := runnerFixture(t)
	sender := &mockSender{}
	r := newTestRunner(t, cfg, sender)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.InputFiles)
	assert.Equal(t, 3, res.Stats.RowsLoaded)
	assert.Equal(t, 4, res.Stats.EventsLoaded)
	assert.Equal(t, 1, res.Stats.Orders)
	assert.Equal(t, 1, res.Stats.Orphans)
	assert.Equal(t, 1, res.Timeline.Stats().LinkedPurchases)

	require.Len(t, res.Alerts, 2)
	assert.Equal(t, "B1", res.Alerts[0].ASIN)
	assert.Equal(t, AlertMissedUSPO, res.Alerts[0].Kind)
	assert.Equal(t, "B2", res.Alerts[1].ASIN)
	assert.Equal(t, SeverityYellow, res.Alerts[1].Severity)
	assert.Equal(t, 1.0, res.Summary.Segments.OrderToPO)

	assert.Equal(t, 2, res.Stats.AlertsNew)
	assert.Equal(t, 2, res.Stats.AlertsSentOK)
	assert.Equal(t, 2, sender.count("alert"))
	assert.Equal(t, 1, sender.count("run_summary"))

	orders, err := r.store.Orders()
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, res.RunID, orders[0].RunID)

	// A second pass over the same data raises nothing new.
	res2, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, res.RunID, res2.RunID)
	assert.Equal(t, 0, res2.Stats.AlertsNew)
	assert.Equal(t, 2, sender.count("alert"))
	assert.Equal(t, 2, sender.count("run_summary"))
}

func TestRunner_RetriesFailedSends(t *testing.T) {
	cfg, _ := runnerFixture(t)
	sender := &mockSender{fail: true}
	r := newTestRunner(t, cfg, sender)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.AlertsSentErr)

	pending, err := r.store.PendingAlerts()
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	sender.mu.Lock()
	sender.fail = false
	sender.mu.Unlock()

	res, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.AlertsNew)
	assert.Equal(t, 2, res.Stats.AlertsSentOK)
	assert.Equal(t, 2, sender.count("alert"))
}

func TestRunner_SkipsBadFilesAndArchives(t *testing.T) {
	cfg, dir := runnerFixture(t)
	writeFile(t, dir, "in/sales/broken.json", `{"order-id":`)
	cfg.ArchiveDir = filepath.Join(dir, "archive")
	r := newTestRunner(t, cfg, nil)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.InputErrors)
	assert.Equal(t, 3, res.Stats.FilesArchived)

	_, err = os.Stat(filepath.Join(dir, "in/sales/jan.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "in/sales/broken.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.ArchiveDir, "sales", "20240301", "jan.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.ArchiveDir, "purchase", "20240301", "jan.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.ArchiveDir, "events", "20240301", "feb.json"))
	assert.NoError(t, err)
}

func TestRunner_ArchivedInputsStayInLaterBuilds(t *testing.T) {
	cfg, dir := runnerFixture(t)
	cfg.ArchiveDir = filepath.Join(dir, "archive")
	sender := &mockSender{}
	r := newTestRunner(t, cfg, sender)

	first, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Stats.FilesArchived)
	require.Len(t, first.Alerts, 2)

	// Only a new purchase batch lands before the next run.
	writeFile(t, dir, "in/po/feb.json", `[{"date": "2024-01-06", "sku": "abc"}]`)

	second, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, second.Stats.InputFiles)
	assert.Equal(t, 4, second.Stats.RowsLoaded)
	assert.Equal(t, 1, second.Stats.FilesArchived)
	assert.Equal(t, 2, second.Timeline.Stats().LinkedPurchases)
	assert.Equal(t, 1, second.Stats.Orders)
	assert.Equal(t, 1, second.Stats.Orphans)
	assert.Len(t, second.Alerts, 2)
	assert.Equal(t, 0, second.Stats.AlertsNew)

	orders, err := r.store.Orders()
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "111-0000000-0000001", orders[0].OrderKey)
	assert.Equal(t, 3, orders[0].EventCount)

	open, err := r.store.ListAlerts(true)
	require.NoError(t, err)
	assert.Len(t, open, 2)
	assert.Equal(t, 2, sender.count("alert"))
}

func TestRunner_ServiceLabel(t *testing.T) {
	cfg, _ := runnerFixture(t)
	cfg.ServiceLabel = "ops-east"
	sender := &mockSender{}
	r := newTestRunner(t, cfg, sender)

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.NotEmpty(t, sender.lines)
	for _, l := range sender.lines {
		assert.Contains(t, l.sd, `service="ops-east"`)
	}
}

func TestRunner_CancelledContext(t *testing.T) {
	cfg, _ := runnerFixture(t)
	r := newTestRunner(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	run, err := r.store.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, res.RunID, run.RunID)
	assert.Contains(t, run.LastError, context.Canceled.Error())
	assert.False(t, run.FinishedAt.IsZero())

	orders, err := r.store.Orders()
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestNewRunner_Validation(t *testing.T) {
	cfg, _ := runnerFixture(t)

	bad := cfg
	bad.Inputs = nil
	_, err := NewRunner(bad)
	assert.Error(t, err)

	bad = cfg
	bad.Inputs = []InputSpec{{Category: "returns", Glob: "*.json"}}
	_, err = NewRunner(bad)
	assert.Error(t, err)

	bad = cfg
	bad.SLA.POHours = -1
	_, err = NewRunner(bad)
	assert.Error(t, err)

	bad = cfg
	bad.DBPath = ""
	_, err = NewRunner(bad)
	assert.Error(t, err)
}

func TestStorePath(t *testing.T) {
	at := time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "x.db", StorePath(RunnerConfig{DBPath: "x.db"}, at))
	assert.Equal(t, filepath.Join("dbs", "stitch_202407.db"), StorePath(RunnerConfig{DBPath: "x.db", DBFolder: "dbs"}, at))
	assert.Equal(t, filepath.Join("dbs", "ops_202407.db"), StorePath(RunnerConfig{DBFolder: "dbs", DBPrefix: "ops_"}, at))
}
