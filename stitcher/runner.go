package stitcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type RunnerConfig struct {
	// Single DB path. If DBFolder is set, DBPath is ignored.
	DBPath string
	// Monthly rolling DB settings.
	DBFolder string
	DBPrefix string

	JobLabel     string
	ServiceLabel string
	Debug        bool

	Inputs     []InputSpec `validate:"required,min=1,dive"`
	EventGlobs []string
	ArchiveDir string

	SLA          Settings
	BatteryASINs []string

	// SyslogAddr receives alerts and the run summary. Empty disables sending.
	SyslogAddr string
	Timeout    time.Duration
	// Now pins the evaluation clock. Zero uses the wall clock.
	Now time.Time

	Logger *zerolog.Logger `validate:"-"`
}

type Runner struct {
	cfg      RunnerConfig
	mu       sync.Mutex
	store    *Store
	storeKey string
	sender   AlertSender
	battery  BatteryLookup
	log      zerolog.Logger
}

// RunResult is everything one RunOnce produced, for callers that want more than the store.
type RunResult struct {
	RunID    string
	Timeline *Timeline
	Alerts   []Alert
	Summary  Summary
	Stats    RunStats
}

type RunStats struct {
	InputFiles     int
	InputErrors    int
	RowsLoaded     int
	EventsLoaded   int
	EventsSkipped  int
	AlertsNew      int
	AlertsSentOK   int
	AlertsSentErr  int
	FilesArchived  int
	TimelineEvents int
	Orders         int
	Orphans        int
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if strings.TrimSpace(cfg.DBFolder) == "" && strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("DBPath or DBFolder is required")
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}
	for _, in := range cfg.Inputs {
		if _, ok := ParseCategory(in.Category); !ok {
			return nil, fmt.Errorf("unknown input category %q", in.Category)
		}
	}
	if err := cfg.SLA.Validate(); err != nil {
		return nil, err
	}
	if cfg.ServiceLabel == "" {
		cfg.ServiceLabel = "order-stitcher"
	}

	r := &Runner{
		cfg:     cfg,
		battery: NewBatteryLookup(cfg.BatteryASINs),
		log:     loggerOrNop(cfg.Logger),
	}
	if cfg.SyslogAddr != "" {
		r.sender = NewSyslogClient(cfg.SyslogAddr)
	}
	if err := r.ensureStoreForNow(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runner) debugf(format string, args ...any) {
	if r == nil || !r.cfg.Debug {
		return
	}
	r.log.Debug().Msgf(format, args...)
}

func (r *Runner) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	err := r.store.Close()
	r.store = nil
	r.storeKey = ""
	return err
}

func (r *Runner) now() time.Time {
	if !r.cfg.Now.IsZero() {
		return r.cfg.Now
	}
	return time.Now()
}

// RunOnce rebuilds the timeline and alert set from the configured inputs. Calls are
// serialized so two runs never interleave writes to the alert set.
func (r *Runner) RunOnce(ctx context.Context) (res *RunResult, runErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	now := r.now()
	res = &RunResult{RunID: uuid.NewString()}
	run := &BuildRun{RunID: res.RunID, StartedAt: start.UTC()}
	defer func() {
		if r.sender == nil || strings.TrimSpace(r.cfg.JobLabel) == "" {
			return
		}
		// The summary goes out even when the run failed.
		if err := r.sendRunSummary(context.WithoutCancel(ctx), start, res, runErr); err != nil {
			r.debugf("run summary send failed err=%v", err)
		}
	}()
	defer func() {
		if runErr == nil || r.store == nil {
			return
		}
		run.FinishedAt = time.Now().UTC()
		if err := r.store.RecordFailedRun(run, runErr); err != nil {
			r.log.Warn().Err(err).Str("run", run.RunID).Msg("record failed run")
		}
	}()

	if err := r.ensureStoreForNow(); err != nil {
		return res, err
	}
	r.debugf("run_once start: run=%s inputs=%d eventGlobs=%d now=%s", res.RunID, len(r.cfg.Inputs), len(r.cfg.EventGlobs), now.Format(time.RFC3339))

	groups, rowFiles := r.loadRowGroups(&res.Stats)
	run.InputFiles = res.Stats.InputFiles
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Timeline = Stitch(groups, StitchOptions{Now: now, Logger: &r.log})
	st := res.Timeline.Stats()
	res.Stats.TimelineEvents = st.Events
	res.Stats.Orders = st.Orders
	res.Stats.Orphans = st.Orphans
	run.Events = st.Events
	run.Orders = st.Orders
	run.Orphans = st.Orphans
	run.LinkedPurchases = st.LinkedPurchases
	run.DroppedRows = st.DroppedRows

	events, eventFiles := r.loadLifecycleEvents(&res.Stats)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Alerts = Evaluate(events, r.cfg.SLA, r.battery, now)
	res.Summary = Summarize(events, r.cfg.SLA.BatteryExtraDays)
	run.Alerts = len(res.Alerts)

	summaryJSON, err := json.Marshal(res.Summary)
	if err != nil {
		return res, err
	}
	run.SummaryJSON = string(summaryJSON)
	run.FinishedAt = time.Now().UTC()
	if err := r.store.SaveBuild(run, res.Timeline); err != nil {
		return res, fmt.Errorf("save build: %w", err)
	}
	fresh, err := r.store.SyncAlerts(res.RunID, res.Alerts, now)
	if err != nil {
		return res, fmt.Errorf("sync alerts: %w", err)
	}
	res.Stats.AlertsNew = len(fresh)

	if err := r.sendPending(ctx, &res.Stats); err != nil {
		return res, err
	}

	if r.cfg.ArchiveDir != "" {
		for _, f := range append(rowFiles, eventFiles...) {
			dst, err := ArchiveFile(f.path, filepath.Join(r.cfg.ArchiveDir, f.archiveSub), now)
			if err != nil {
				r.log.Warn().Err(err).Str("path", f.path).Msg("archive input failed")
				continue
			}
			r.debugf("archived path=%q dst=%q", f.path, dst)
			res.Stats.FilesArchived++
		}
	}

	r.log.Info().
		Str("run", res.RunID).
		Int("files", res.Stats.InputFiles).
		Int("events", st.Events).
		Int("orders", st.Orders).
		Int("orphans", st.Orphans).
		Int("linked_purchases", st.LinkedPurchases).
		Int("alerts", len(res.Alerts)).
		Int("alerts_new", res.Stats.AlertsNew).
		Dur("elapsed", time.Since(start)).
		Msg("run complete")
	return res, nil
}

// consumedFile is an input file read by this run that still sits under an input glob.
type consumedFile struct {
	path       string
	archiveSub string
}

// eventsArchiveSub is the archive subfolder for lifecycle files. Row files go under their
// category name.
const eventsArchiveSub = "events"

// archiveGlob matches every file previously archived under sub.
func (r *Runner) archiveGlob(sub string) string {
	if r.cfg.ArchiveDir == "" {
		return ""
	}
	return filepath.Join(r.cfg.ArchiveDir, sub, "**", "*")
}

// loadRowGroups reads every input file plus, when archiving, every file earlier runs moved
// into the archive, so each build still sees the complete history. A file that cannot be
// read or decoded is logged and left out of the run; it never aborts the batch.
func (r *Runner) loadRowGroups(stats *RunStats) ([]RowGroup, []consumedFile) {
	var groups []RowGroup
	var consumed []consumedFile
	seen := make(map[string]struct{})

	archived := make(map[Category]bool)
	for _, in := range r.cfg.Inputs {
		cat, _ := ParseCategory(in.Category)
		archived[cat] = r.cfg.ArchiveDir != ""
		for _, p := range r.loadRowFiles(cat, in.Glob, seen, &groups, stats) {
			consumed = append(consumed, consumedFile{path: p, archiveSub: string(cat)})
		}
	}
	for _, cat := range Categories {
		if archived[cat] {
			r.loadRowFiles(cat, r.archiveGlob(string(cat)), seen, &groups, stats)
		}
	}
	return groups, consumed
}

func (r *Runner) loadRowFiles(cat Category, glob string, seen map[string]struct{}, groups *[]RowGroup, stats *RunStats) []string {
	paths, err := expandGlobs(glob)
	if err != nil {
		stats.InputErrors++
		r.log.Warn().Err(err).Str("glob", glob).Msg("expand input glob")
		return nil
	}
	var loaded []string
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		rows, err := LoadRowFile(p)
		if err != nil {
			stats.InputErrors++
			r.log.Warn().Err(err).Str("path", p).Str("category", string(cat)).Msg("load input file")
			continue
		}
		r.debugf("loaded path=%q category=%s rows=%d", p, cat, len(rows))
		stats.InputFiles++
		stats.RowsLoaded += len(rows)
		*groups = append(*groups, RowGroup{Category: string(cat), Rows: rows})
		loaded = append(loaded, p)
	}
	return loaded
}

func (r *Runner) loadLifecycleEvents(stats *RunStats) ([]LifecycleEvent, []consumedFile) {
	fresh, err := expandGlobs(r.cfg.EventGlobs...)
	if err != nil {
		stats.InputErrors++
		r.log.Warn().Err(err).Msg("expand event globs")
		return nil, nil
	}
	archivedPaths, err := expandGlobs(r.archiveGlob(eventsArchiveSub))
	if err != nil {
		stats.InputErrors++
		r.log.Warn().Err(err).Msg("expand archived event files")
	}
	isFresh := make(map[string]bool, len(fresh))
	for _, p := range fresh {
		isFresh[p] = true
	}
	paths := fresh
	for _, p := range archivedPaths {
		if !isFresh[p] {
			paths = append(paths, p)
		}
	}

	var events []LifecycleEvent
	var consumed []consumedFile
	for _, p := range paths {
		evs, skipped, err := LoadLifecycleFile(p)
		if err != nil {
			stats.InputErrors++
			r.log.Warn().Err(err).Str("path", p).Msg("load lifecycle file")
			continue
		}
		r.debugf("loaded lifecycle path=%q events=%d skipped=%d", p, len(evs), skipped)
		stats.EventsLoaded += len(evs)
		stats.EventsSkipped += skipped
		events = append(events, evs...)
		if isFresh[p] {
			consumed = append(consumed, consumedFile{path: p, archiveSub: eventsArchiveSub})
		}
	}
	return events, consumed
}

// sendPending delivers every open alert not yet sent, including ones a previous run failed
// to deliver.
func (r *Runner) sendPending(ctx context.Context, stats *RunStats) error {
	if r.sender == nil {
		return nil
	}
	pending, err := r.store.PendingAlerts()
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		sendErr := r.sendAlert(ctx, rec)
		if sendErr != nil {
			r.debugf("alert send failed id=%s asin=%s err=%v", rec.AlertID, rec.ASIN, sendErr)
			stats.AlertsSentErr++
		} else {
			stats.AlertsSentOK++
		}
		if err := r.store.MarkSent(rec.ID, sendErr); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) sendAlert(ctx context.Context, rec AlertRecord) error {
	sev := NormalizeSeverity(rec.Severity)
	sd := buildStructuredData("stitch", map[string]string{
		"job":      r.cfg.JobLabel,
		"service":  r.cfg.ServiceLabel,
		"type":     "alert",
		"asin":     rec.ASIN,
		"kind":     rec.Kind,
		"severity": string(sev),
		"level":    sev.syslogLevel(),
		"alert_id": rec.AlertID,
		"run_id":   rec.RunID,
	})
	b, err := json.Marshal(rec.toAlert())
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return r.sender.Send(sendCtx, sd, string(b))
}

func (r *Runner) sendRunSummary(ctx context.Context, start time.Time, res *RunResult, runErr error) error {
	status := "ok"
	errMsg := ""
	if runErr != nil {
		status = "error"
		errMsg = runErr.Error()
	}
	end := time.Now()
	msg := map[string]any{
		"status":          status,
		"error":           errMsg,
		"started_at":      start.UTC().Format(time.RFC3339Nano),
		"ended_at":        end.UTC().Format(time.RFC3339Nano),
		"duration_ms":     end.Sub(start).Milliseconds(),
		"input_files":     res.Stats.InputFiles,
		"input_errors":    res.Stats.InputErrors,
		"rows_loaded":     res.Stats.RowsLoaded,
		"timeline_events": res.Stats.TimelineEvents,
		"orders":          res.Stats.Orders,
		"orphans":         res.Stats.Orphans,
		"alerts":          len(res.Alerts),
		"alerts_new":      res.Stats.AlertsNew,
		"alerts_sent_ok":  res.Stats.AlertsSentOK,
		"alerts_sent_err": res.Stats.AlertsSentErr,
		"segments":        res.Summary.Segments,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	level := "info"
	if runErr != nil {
		level = "critical"
	}
	sd := buildStructuredData("stitch", map[string]string{
		"job":     r.cfg.JobLabel,
		"service": r.cfg.ServiceLabel,
		"type":    "run_summary",
		"level":   level,
		"run_id":  res.RunID,
	})
	sendCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return r.sender.Send(sendCtx, sd, string(b))
}

// StorePath is the database file a runner with cfg uses at now: DBPath, or the monthly
// <prefix>YYYYMM.db file under DBFolder.
func StorePath(cfg RunnerConfig, now time.Time) string {
	if strings.TrimSpace(cfg.DBFolder) == "" {
		return cfg.DBPath
	}
	prefix := cfg.DBPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = "stitch_"
	}
	return filepath.Join(cfg.DBFolder, fmt.Sprintf("%s%04d%02d.db", prefix, now.Year(), int(now.Month())))
}

func (r *Runner) ensureStoreForNow() error {
	path := StorePath(r.cfg, time.Now())
	if r.store != nil && r.storeKey == path {
		return nil
	}
	// switch DB per natural month
	_ = r.Close()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	s, err := OpenStore(path)
	if err != nil {
		return err
	}
	r.store = s
	r.storeKey = path
	return nil
}
