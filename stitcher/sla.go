package stitcher

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// EventType names a lifecycle milestone in the caller-supplied event log.
type EventType string

const (
	EventOrderPlaced     EventType = "ORDER_PLACED"
	EventUSPOCreated     EventType = "US_PO_CREATED"
	EventExported        EventType = "EXPORTED"
	EventCustomsCleared  EventType = "CUSTOMS_CLEARED"
	EventDelivered       EventType = "DELIVERED"
	EventPaymentReceived EventType = "PAYMENT_RECEIVED"
)

// ParseEventType accepts the canonical names plus the spaced lower-case forms
// ("order placed", "po created", ...).
func ParseEventType(s string) (EventType, bool) {
	n := strings.ToUpper(strings.TrimSpace(s))
	n = strings.NewReplacer(" ", "_", "-", "_").Replace(n)
	switch n {
	case "ORDER_PLACED", "ORDERED":
		return EventOrderPlaced, true
	case "US_PO_CREATED", "PO_CREATED", "PURCHASE_ORDER_CREATED":
		return EventUSPOCreated, true
	case "EXPORTED", "EXPORT":
		return EventExported, true
	case "CUSTOMS_CLEARED", "CLEARED":
		return EventCustomsCleared, true
	case "DELIVERED":
		return EventDelivered, true
	case "PAYMENT_RECEIVED", "PAYMENT", "PAID":
		return EventPaymentReceived, true
	default:
		return "", false
	}
}

type LifecycleEvent struct {
	ID      string         `json:"id"`
	Type    EventType      `json:"type"`
	ASIN    string         `json:"asin,omitempty"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

var asinFields = []string{"asin", "ASIN", "Asin", "product_asin"}

// asin prefers the explicit field and falls back to the payload.
func (e LifecycleEvent) asin() string {
	if a := strings.TrimSpace(e.ASIN); a != "" {
		return a
	}
	if a, ok := Row(e.Payload).First(asinFields...); ok {
		return a
	}
	return ""
}

type AlertKind string

const (
	AlertMissedUSPO     AlertKind = "MISSED_US_PO"
	AlertCustomsTimeout AlertKind = "CUSTOMS_TIMEOUT"
)

type Alert struct {
	ID             string    `json:"id"`
	ASIN           string    `json:"asin"`
	Severity       Severity  `json:"severity"`
	Kind           AlertKind `json:"kind"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
	AcknowledgedBy string    `json:"acknowledgedBy,omitempty"`
}

// Settings is the SLA snapshot used for one evaluation pass.
type Settings struct {
	POHours          float64 `yaml:"po_hours" json:"poHours" validate:"gte=0"`
	CustomsDays      float64 `yaml:"customs_days" json:"customsDays" validate:"gte=0"`
	BatteryExtraDays float64 `yaml:"battery_extra_days" json:"batteryExtraDays" validate:"gte=0"`
	TwoPersonRule    bool    `yaml:"two_person_rule" json:"twoPersonRule"`
}

func DefaultSettings() Settings {
	return Settings{POHours: 24, CustomsDays: 4, BatteryExtraDays: 3}
}

var validate = validator.New()

func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid sla settings: %w", err)
	}
	return nil
}

// customsRedDays is the fixed red line for customs clearance before any battery extension.
const customsRedDays = 6

var alertNamespace = uuid.MustParse("0b7e4f0a-93c2-4d5e-8c61-2f4a9d3e7b15")

func alertID(asin string, kind AlertKind, createdAt time.Time) string {
	name := asin + "|" + string(kind) + "|" + createdAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}

// milestones keeps the earliest timestamp per event type for one ASIN.
type milestones map[EventType]time.Time

func (m milestones) has(t EventType) bool {
	_, ok := m[t]
	return ok
}

// at returns the milestone time; events that carried no timestamp report false.
func (m milestones) at(t EventType) (time.Time, bool) {
	tm, ok := m[t]
	if !ok || tm.IsZero() {
		return time.Time{}, false
	}
	return tm, true
}

func groupByASIN(events []LifecycleEvent) map[string]milestones {
	out := make(map[string]milestones)
	for _, ev := range events {
		asin := ev.asin()
		if asin == "" {
			continue
		}
		m, ok := out[asin]
		if !ok {
			m = make(milestones)
			out[asin] = m
		}
		prev, seen := m[ev.Type]
		if !seen || prev.IsZero() || (!ev.At.IsZero() && ev.At.Before(prev)) {
			m[ev.Type] = ev.At
		}
	}
	return out
}

func sortedASINs(groups map[string]milestones) []string {
	asins := make([]string, 0, len(groups))
	for a := range groups {
		asins = append(asins, a)
	}
	sort.Strings(asins)
	return asins
}

// Evaluate checks every ASIN's milestones against the SLA and returns deduplicated alerts.
// It keeps no state: the same events, settings and now always give the same alerts.
func Evaluate(events []LifecycleEvent, s Settings, battery BatteryLookup, now time.Time) []Alert {
	if now.IsZero() {
		now = time.Now()
	}
	groups := groupByASIN(events)
	var alerts []Alert
	for _, asin := range sortedASINs(groups) {
		m := groups[asin]
		if a, ok := checkMissedPO(asin, m, s, now); ok {
			alerts = append(alerts, a)
		}
		if a, ok := checkCustoms(asin, m, s, battery.isBattery(asin), now); ok {
			alerts = append(alerts, a)
		}
	}
	return DedupeAlerts(alerts)
}

func checkMissedPO(asin string, m milestones, s Settings, now time.Time) (Alert, bool) {
	placed, ok := m.at(EventOrderPlaced)
	if !ok || m.has(EventUSPOCreated) {
		return Alert{}, false
	}
	hours := now.Sub(placed).Hours()
	if hours <= s.POHours {
		return Alert{}, false
	}
	return newAlert(asin, AlertMissedUSPO, SeverityRed, now,
		fmt.Sprintf("ASIN %s: no US purchase order %.1fh after order placed (limit %gh)", asin, hours, s.POHours)), true
}

// checkCustoms tests the red line before the yellow one; red wins when both are crossed.
func checkCustoms(asin string, m milestones, s Settings, isBattery bool, now time.Time) (Alert, bool) {
	exported, ok := m.at(EventExported)
	if !ok || m.has(EventCustomsCleared) {
		return Alert{}, false
	}
	extra := 0.0
	note := ""
	if isBattery {
		extra = s.BatteryExtraDays
		note = fmt.Sprintf(", battery product +%g days", extra)
	}
	days := now.Sub(exported).Hours() / 24
	if limit := customsRedDays + extra; days > limit {
		return newAlert(asin, AlertCustomsTimeout, SeverityRed, now,
			fmt.Sprintf("ASIN %s: customs not cleared %.1f days after export (limit %g days%s)", asin, days, limit, note)), true
	}
	if limit := s.CustomsDays + extra; days > limit {
		return newAlert(asin, AlertCustomsTimeout, SeverityYellow, now,
			fmt.Sprintf("ASIN %s: customs clearance slow, %.1f days after export (warn at %g days%s)", asin, days, limit, note)), true
	}
	return Alert{}, false
}

func newAlert(asin string, kind AlertKind, sev Severity, now time.Time, msg string) Alert {
	return Alert{
		ID:        alertID(asin, kind, now),
		ASIN:      asin,
		Severity:  sev,
		Kind:      kind,
		Message:   msg,
		CreatedAt: now,
	}
}

// DedupeAlerts keeps the latest alert per (asin, kind). A later run supersedes earlier
// findings for the same issue. Output is sorted by asin, then kind.
func DedupeAlerts(alerts []Alert) []Alert {
	type key struct {
		asin string
		kind AlertKind
	}
	latest := make(map[key]Alert, len(alerts))
	for _, a := range alerts {
		k := key{a.ASIN, a.Kind}
		prev, ok := latest[k]
		if !ok || a.CreatedAt.After(prev.CreatedAt) {
			latest[k] = a
		}
	}
	out := make([]Alert, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ASIN != out[j].ASIN {
			return out[i].ASIN < out[j].ASIN
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
