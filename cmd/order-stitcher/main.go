package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"order-stitcher/stitcher"

	"github.com/rs/zerolog"
)

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	var configPath string
	var inputs multiFlag
	var eventGlobs multiFlag
	var dbPath string
	var dbFolder string
	var dbPrefix string
	var debug bool
	var jobLabel string
	var serviceLabel string
	var syslogAddr string
	var archiveDir string
	var poHours float64
	var customsDays float64
	var batteryExtraDays float64
	var twoPersonRule bool
	var batteryASINsCSV string
	var timeout time.Duration
	var once bool
	var pollInterval time.Duration
	var nowFlag string
	var ackID string
	var ackBy string
	var listAlerts bool

	flag.StringVar(&configPath, "config", "", "YAML config file path.")
	flag.Var(&inputs, "input", "Input as category=glob (e.g. sales=data/sales/*.json). Can be repeated.")
	flag.Var(&eventGlobs, "events", "Lifecycle event file glob. Can be repeated.")
	flag.StringVar(&dbPath, "db", "stitch.db", "SQLite database path.")
	flag.StringVar(&dbFolder, "db-folder", "", "Monthly rolling DB folder (overrides config.database.folder).")
	flag.StringVar(&dbPrefix, "db-prefix", "", "Monthly rolling DB prefix (overrides config.database.prefix).")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.StringVar(&jobLabel, "job", "", "Job label sent with the run summary.")
	flag.StringVar(&serviceLabel, "service", "", "Service label sent with every syslog line (default order-stitcher).")
	flag.StringVar(&syslogAddr, "syslog-addr", "", "Syslog receiver address (tcp). Empty disables sending.")
	flag.StringVar(&archiveDir, "archive-dir", "", "Move consumed input files here after a run.")
	flag.Float64Var(&poHours, "po-hours", 0, "Hours allowed between order placed and US PO created.")
	flag.Float64Var(&customsDays, "customs-days", 0, "Days after export before a yellow customs alert.")
	flag.Float64Var(&batteryExtraDays, "battery-extra-days", 0, "Extra customs days for battery products.")
	flag.BoolVar(&twoPersonRule, "two-person-rule", false, "Red alerts need two distinct acknowledgements.")
	flag.StringVar(&batteryASINsCSV, "battery-asins", "", "Comma-separated battery ASINs. Overrides config.")
	flag.DurationVar(&timeout, "timeout", 0, "Overall timeout for one run (e.g. 30s, 2m).")
	flag.BoolVar(&once, "once", true, "Run once and exit.")
	flag.DurationVar(&pollInterval, "poll-interval", 60*time.Second, "Re-evaluation interval when running with --once=false.")
	flag.StringVar(&nowFlag, "now", "", "Evaluate as of this time (RFC3339). Defaults to the wall clock.")
	flag.StringVar(&ackID, "ack", "", "Acknowledge the alert with this id and exit.")
	flag.StringVar(&ackBy, "ack-by", "", "Who acknowledges (with --ack).")
	flag.BoolVar(&listAlerts, "alerts", false, "Print open alerts as JSON and exit.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	fileCfg := &stitcher.FileConfig{SLA: stitcher.DefaultSettings()}
	if configPath != "" {
		cfg, err := stitcher.LoadConfig(configPath)
		if err != nil {
			fatal(fmt.Errorf("load config: %w", err))
		}
		fileCfg = cfg
	}

	finalDebug := fileCfg.Debug
	if visited["debug"] {
		finalDebug = debug
	}
	logger := newLogger(finalDebug)

	finalDBFolder := fileCfg.Database.Folder
	finalDBPrefix := fileCfg.Database.Prefix
	if visited["db-folder"] {
		finalDBFolder = dbFolder
	}
	if visited["db-prefix"] {
		finalDBPrefix = dbPrefix
	}
	finalDB := fileCfg.DB
	if finalDB == "" || visited["db"] {
		finalDB = dbPath
	}
	finalJob := fileCfg.Job
	if visited["job"] {
		finalJob = jobLabel
	}
	finalService := fileCfg.Service
	if visited["service"] {
		finalService = serviceLabel
	}
	finalSyslog := fileCfg.SyslogAddr
	if visited["syslog-addr"] {
		finalSyslog = syslogAddr
	}
	finalArchive := fileCfg.ArchiveDir
	if visited["archive-dir"] {
		finalArchive = archiveDir
	}

	sla := fileCfg.SLA
	if visited["po-hours"] {
		sla.POHours = poHours
	}
	if visited["customs-days"] {
		sla.CustomsDays = customsDays
	}
	if visited["battery-extra-days"] {
		sla.BatteryExtraDays = batteryExtraDays
	}
	if visited["two-person-rule"] {
		sla.TwoPersonRule = twoPersonRule
	}

	finalBattery := fileCfg.BatteryASINs
	if strings.TrimSpace(batteryASINsCSV) != "" {
		finalBattery = splitCSV(batteryASINsCSV)
	}

	finalInputs := fileCfg.Inputs.Items
	if visited["input"] {
		finalInputs = make([]stitcher.InputSpec, 0, len(inputs))
		for _, in := range inputs {
			cat, glob, ok := strings.Cut(in, "=")
			if !ok || strings.TrimSpace(glob) == "" {
				fmt.Fprintf(os.Stderr, "bad --input %q (want category=glob)\n", in)
				os.Exit(2)
			}
			finalInputs = append(finalInputs, stitcher.InputSpec{Category: strings.TrimSpace(cat), Glob: strings.TrimSpace(glob)})
		}
	}
	finalEvents := fileCfg.Events
	if visited["events"] {
		finalEvents = eventGlobs
	}

	var finalNow time.Time
	if strings.TrimSpace(nowFlag) != "" {
		tm, err := time.Parse(time.RFC3339, strings.TrimSpace(nowFlag))
		if err != nil {
			fatal(fmt.Errorf("parse --now: %w", err))
		}
		finalNow = tm
	}

	if len(finalInputs) == 0 && ackID == "" && !listAlerts {
		fmt.Fprintln(os.Stderr, "missing inputs (use config.yaml inputs or --input category=glob)")
		os.Exit(2)
	}
	runnerCfg := stitcher.RunnerConfig{
		DBPath:       finalDB,
		DBFolder:     finalDBFolder,
		DBPrefix:     finalDBPrefix,
		JobLabel:     finalJob,
		ServiceLabel: finalService,
		Debug:        finalDebug,
		Inputs:       finalInputs,
		EventGlobs:   finalEvents,
		ArchiveDir:   finalArchive,
		SLA:          sla,
		BatteryASINs: finalBattery,
		SyslogAddr:   finalSyslog,
		Timeout:      timeout,
		Now:          finalNow,
		Logger:       &logger,
	}

	if ackID != "" || listAlerts {
		if err := storeCommand(stitcher.StorePath(runnerCfg, time.Now()), ackID, ackBy, listAlerts, sla.TwoPersonRule); err != nil {
			fatal(err)
		}
		return
	}

	runner, err := stitcher.NewRunner(runnerCfg)
	if err != nil {
		fatal(fmt.Errorf("init runner: %w", err))
	}
	defer runner.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if once {
		if _, err := runner.RunOnce(ctx); err != nil {
			runner.Close()
			fatal(fmt.Errorf("run once: %w", err))
		}
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if _, err := runner.RunOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("run once")
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return
		case <-ticker.C:
		}
	}
}

func storeCommand(dbPath string, ackID, ackBy string, list bool, twoPersonRule bool) error {
	store, err := stitcher.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if ackID != "" {
		rec, err := store.Acknowledge(ackID, ackBy, twoPersonRule)
		if err != nil {
			return fmt.Errorf("acknowledge: %w", err)
		}
		fmt.Fprintf(os.Stdout, "%s %s/%s acknowledged=%v\n", rec.AlertID, rec.ASIN, rec.Kind, rec.Acknowledged(twoPersonRule))
		return nil
	}
	if !list {
		return nil
	}
	recs, err := store.ListAlerts(true)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Str("app", "order-stitcher").Logger()
}

func fatal(err error) {
	logger := newLogger(false)
	logger.Error().Err(err).Msg("order-stitcher failed")
	os.Exit(1)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
