package stitcher

import "time"

// BuildRun records one stitch + evaluate pass.
type BuildRun struct {
	ID              uint      `gorm:"primaryKey"`
	RunID           string    `gorm:"uniqueIndex;size:36"`
	StartedAt       time.Time `gorm:"index"`
	FinishedAt      time.Time
	InputFiles      int
	Events          int
	Orders          int
	Orphans         int
	LinkedPurchases int
	DroppedRows     int
	Alerts          int
	// SummaryJSON is the segment analytics Summary of the run.
	SummaryJSON string `gorm:"type:text"`
	// OrphansJSON holds the orphan events so they stay visible between runs.
	OrphansJSON string `gorm:"type:text"`
	LastError   string `gorm:"type:text"`
}

// OrderSnapshot is the latest thread for one order key. The whole table is replaced on
// every successful build.
type OrderSnapshot struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"index;size:36"`
	OrderKey   string `gorm:"uniqueIndex;size:255"`
	EventCount int
	FirstDate  string `gorm:"size:10"`
	LastDate   string `gorm:"size:10"`
	Categories string `gorm:"size:255"` // comma separated, first-seen order
	EventsJSON string `gorm:"type:text"`
}

// AlertRecord is the stored, deduplicated alert for one (asin, kind).
type AlertRecord struct {
	ID       uint      `gorm:"primaryKey"`
	AlertID  string    `gorm:"index;size:36"`
	ASIN     string    `gorm:"column:asin;uniqueIndex:uniq_asin_kind;size:32"`
	Kind     string    `gorm:"uniqueIndex:uniq_asin_kind;size:32"`
	Severity string    `gorm:"index;size:16"` // red, yellow
	Message  string    `gorm:"type:text"`
	RaisedAt time.Time `gorm:"index"`
	RunID    string    `gorm:"index;size:36"`
	// Cleared is set when a later run no longer produces the alert.
	Cleared   bool `gorm:"index"`
	ClearedAt *time.Time

	AcknowledgedBy       string `gorm:"size:128"`
	SecondAcknowledgedBy string `gorm:"size:128"`
	AcknowledgedAt       *time.Time

	Sent      bool `gorm:"index"`
	SentAt    *time.Time
	SendError string `gorm:"type:text"`
}

// Acknowledged reports whether enough people have signed off the alert.
func (a AlertRecord) Acknowledged(twoPersonRule bool) bool {
	if a.AcknowledgedBy == "" {
		return false
	}
	if twoPersonRule && NormalizeSeverity(a.Severity) == SeverityRed {
		return a.SecondAcknowledgedBy != ""
	}
	return true
}

func (a AlertRecord) toAlert() Alert {
	return Alert{
		ID:             a.AlertID,
		ASIN:           a.ASIN,
		Severity:       NormalizeSeverity(a.Severity),
		Kind:           AlertKind(a.Kind),
		Message:        a.Message,
		CreatedAt:      a.RaisedAt,
		AcknowledgedBy: a.AcknowledgedBy,
	}
}
