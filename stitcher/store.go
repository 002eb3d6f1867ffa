package stitcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrAlertNotFound       = errors.New("alert not found")
	ErrAlreadyAcknowledged = errors.New("alert already acknowledged")
	ErrSameAcknowledger    = errors.New("second acknowledgement must come from a different person")
)

func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&BuildRun{}, &OrderSnapshot{}, &AlertRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Store persists build results. The core never touches it; the runner decides what to keep.
type Store struct {
	db *gorm.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	s.db = nil
	return err
}

// SaveBuild records the run and replaces every order snapshot with the new timeline.
func (s *Store) SaveBuild(run *BuildRun, tl *Timeline) error {
	orphans, err := json.Marshal(tl.Orphans)
	if err != nil {
		return err
	}
	run.OrphansJSON = string(orphans)

	snaps := make([]OrderSnapshot, 0, len(tl.ByOrder))
	for _, key := range tl.OrderKeys() {
		snap, err := newOrderSnapshot(run.RunID, tl.ByOrder[key])
		if err != nil {
			return err
		}
		snaps = append(snaps, snap)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&OrderSnapshot{}).Error; err != nil {
			return err
		}
		if len(snaps) == 0 {
			return nil
		}
		return tx.CreateInBatches(&snaps, 200).Error
	})
}

func newOrderSnapshot(runID string, th *Thread) (OrderSnapshot, error) {
	b, err := json.Marshal(th.Events)
	if err != nil {
		return OrderSnapshot{}, err
	}
	snap := OrderSnapshot{
		RunID:      runID,
		OrderKey:   th.OrderKey,
		EventCount: len(th.Events),
		EventsJSON: string(b),
	}
	var cats []string
	seen := make(map[Category]struct{})
	for _, ev := range th.Events {
		if ev.When != "" {
			if snap.FirstDate == "" {
				snap.FirstDate = ev.When
			}
			snap.LastDate = ev.When
		}
		if _, ok := seen[ev.Category]; !ok {
			seen[ev.Category] = struct{}{}
			cats = append(cats, string(ev.Category))
		}
	}
	snap.Categories = strings.Join(cats, ",")
	return snap, nil
}

// SyncAlerts makes the stored alert set match alerts, last write wins per (asin, kind).
// Acknowledgements survive the update. Alerts missing from the new set are marked cleared.
// The returned records are the ones that still need sending: new, escalated or changed
// severity, or reopened after being cleared.
func (s *Store) SyncAlerts(runID string, alerts []Alert, now time.Time) ([]AlertRecord, error) {
	var toSend []AlertRecord
	err := s.db.Transaction(func(tx *gorm.DB) error {
		live := make(map[string]struct{}, len(alerts))
		for _, a := range alerts {
			live[a.ASIN+"|"+string(a.Kind)] = struct{}{}

			var rec AlertRecord
			err := tx.Where("asin = ? AND kind = ?", a.ASIN, string(a.Kind)).First(&rec).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				rec = AlertRecord{
					AlertID:  a.ID,
					ASIN:     a.ASIN,
					Kind:     string(a.Kind),
					Severity: string(a.Severity),
					Message:  a.Message,
					RaisedAt: a.CreatedAt,
					RunID:    runID,
				}
				if err := tx.Create(&rec).Error; err != nil {
					return err
				}
				toSend = append(toSend, rec)
				continue
			case err != nil:
				return err
			}

			changed := rec.Cleared || NormalizeSeverity(rec.Severity) != a.Severity
			updates := map[string]any{
				"alert_id":   a.ID,
				"severity":   string(a.Severity),
				"message":    a.Message,
				"raised_at":  a.CreatedAt,
				"run_id":     runID,
				"cleared":    false,
				"cleared_at": nil,
			}
			if changed {
				updates["sent"] = false
				updates["sent_at"] = nil
				updates["send_error"] = ""
			}
			if err := tx.Model(&AlertRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
				return err
			}
			if changed {
				if err := tx.First(&rec, rec.ID).Error; err != nil {
					return err
				}
				toSend = append(toSend, rec)
			}
		}

		var open []AlertRecord
		if err := tx.Where("cleared = ?", false).Find(&open).Error; err != nil {
			return err
		}
		for _, rec := range open {
			if _, ok := live[rec.ASIN+"|"+rec.Kind]; ok {
				continue
			}
			if err := tx.Model(&AlertRecord{}).Where("id = ?", rec.ID).
				Updates(map[string]any{"cleared": true, "cleared_at": &now}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toSend, nil
}

// PendingAlerts returns open alerts whose last send failed or never happened.
func (s *Store) PendingAlerts() ([]AlertRecord, error) {
	var out []AlertRecord
	err := s.db.Where("sent = ? AND cleared = ?", false, false).Order("id asc").Find(&out).Error
	return out, err
}

// MarkSent stores the outcome of one send attempt.
func (s *Store) MarkSent(id uint, sendErr error) error {
	if sendErr != nil {
		return s.db.Model(&AlertRecord{}).Where("id = ?", id).
			Updates(map[string]any{"send_error": sendErr.Error()}).Error
	}
	now := time.Now().UTC()
	return s.db.Model(&AlertRecord{}).Where("id = ?", id).
		Updates(map[string]any{"sent": true, "sent_at": &now, "send_error": ""}).Error
}

// Acknowledge signs off an alert. Under the two-person rule a red alert needs a second,
// different person before it counts as acknowledged.
func (s *Store) Acknowledge(alertID string, by string, twoPersonRule bool) (AlertRecord, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return AlertRecord{}, fmt.Errorf("acknowledge %s: empty user", alertID)
	}
	var rec AlertRecord
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("alert_id = ?", alertID).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
		}
		if err != nil {
			return err
		}
		if rec.Acknowledged(twoPersonRule) {
			return fmt.Errorf("%w: %s", ErrAlreadyAcknowledged, alertID)
		}
		now := time.Now().UTC()
		updates := map[string]any{"acknowledged_at": &now}
		if rec.AcknowledgedBy == "" {
			updates["acknowledged_by"] = by
		} else {
			if strings.EqualFold(rec.AcknowledgedBy, by) {
				return fmt.Errorf("%w: %s", ErrSameAcknowledger, by)
			}
			updates["second_acknowledged_by"] = by
		}
		if err := tx.Model(&AlertRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&rec, rec.ID).Error
	})
	return rec, err
}

// ListAlerts returns stored alerts ordered by asin and kind.
func (s *Store) ListAlerts(openOnly bool) ([]AlertRecord, error) {
	q := s.db.Order("asin asc").Order("kind asc")
	if openOnly {
		q = q.Where("cleared = ?", false)
	}
	var out []AlertRecord
	err := q.Find(&out).Error
	return out, err
}

// Orders returns the current order snapshots ordered by key.
func (s *Store) Orders() ([]OrderSnapshot, error) {
	var out []OrderSnapshot
	err := s.db.Order("order_key asc").Find(&out).Error
	return out, err
}

func (s *Store) LatestRun() (BuildRun, error) {
	var run BuildRun
	err := s.db.Order("id desc").First(&run).Error
	return run, err
}

// RecordFailedRun keeps a trace of a run that did not finish. A run whose build row was
// already written gets LastError set on it; otherwise the row is created.
func (s *Store) RecordFailedRun(run *BuildRun, runErr error) error {
	run.LastError = runErr.Error()
	var existing BuildRun
	err := s.db.Where("run_id = ?", run.RunID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// An ID left over from a rolled-back SaveBuild is not a stored row.
		run.ID = 0
		return s.db.Create(run).Error
	case err != nil:
		return err
	}
	run.ID = existing.ID
	return s.db.Model(&BuildRun{}).Where("id = ?", existing.ID).
		Updates(map[string]any{"last_error": run.LastError, "finished_at": run.FinishedAt}).Error
}
