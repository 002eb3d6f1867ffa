package stitcher

import "strings"

type Severity string

const (
	SeverityRed    Severity = "red"
	SeverityYellow Severity = "yellow"
)

// NormalizeSeverity maps stored or operator-typed levels onto red/yellow:
// - red/critical/error/2..5 -> red
// - yellow/warn/warning/1 -> yellow
// - else -> "" (unknown)
func NormalizeSeverity(v string) Severity {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "red", "critical", "error", "2", "3", "4", "5":
		return SeverityRed
	case "yellow", "warn", "warning", "1":
		return SeverityYellow
	default:
		return ""
	}
}

// syslogLevel is the level label sent alongside an alert.
func (s Severity) syslogLevel() string {
	switch s {
	case SeverityRed:
		return "critical"
	case SeverityYellow:
		return "warning"
	default:
		return "unknown"
	}
}
