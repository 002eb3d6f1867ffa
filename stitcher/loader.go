package stitcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// LoadRowFile reads a JSON array of records (or a single record) and flattens each one.
// Array items that are not objects are skipped.
func LoadRowFile(p string) ([]Row, error) {
	items, err := decodeJSONFile(p)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		if _, ok := item.(map[string]any); !ok {
			continue
		}
		rows = append(rows, FlattenRow(item, FlattenOptions{}))
	}
	return rows, nil
}

var (
	eventTypeFields = []string{"type", "event", "event_type", "eventType", "status"}
	eventTimeFields = []string{"at", "time", "timestamp", "ts", "occurred_at", "occurredAt", "created_at", "createdAt"}
	eventIDFields   = []string{"id", "event_id", "eventId"}
)

// LoadLifecycleFile reads lifecycle milestones. Records with an unknown type are counted in
// skipped rather than failing the file.
func LoadLifecycleFile(p string) (events []LifecycleEvent, skipped int, err error) {
	items, err := decodeJSONFile(p)
	if err != nil {
		return nil, 0, err
	}
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		row := Row(m)
		typ, _ := row.First(eventTypeFields...)
		et, ok := ParseEventType(typ)
		if !ok {
			skipped++
			continue
		}
		ev := LifecycleEvent{Type: et, Payload: m}
		if id, ok := row.First(eventIDFields...); ok {
			ev.ID = id
		} else {
			ev.ID = fmt.Sprintf("%s#%d", filepath.Base(p), i)
		}
		if a, ok := row.First(asinFields...); ok {
			ev.ASIN = a
		}
		if v, ok := row.FirstValue(eventTimeFields...); ok {
			if tm, ok := parseAnyTime(v); ok {
				ev.At = tm
			}
		}
		events = append(events, ev)
	}
	return events, skipped, nil
}

func decodeJSONFile(p string) ([]any, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	switch v := decoded.(type) {
	case []any:
		return v, nil
	case map[string]any:
		return []any{v}, nil
	default:
		return nil, fmt.Errorf("decode %s: expected object or array, got %T", p, decoded)
	}
}

// expandGlobs returns the de-duplicated, sorted matches of every pattern.
func expandGlobs(patterns ...string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, g := range patterns {
		if strings.TrimSpace(g) == "" {
			continue
		}
		matches, err := expandGlobWithDoubleStar(g)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func expandGlobWithDoubleStar(pattern string) ([]string, error) {
	// filepath.Glob has no **; walk from the part before it and match the rest.
	if !strings.Contains(pattern, "**") {
		return filepath.Glob(pattern)
	}

	idx := strings.Index(pattern, "**")
	basePart := strings.TrimRight(pattern[:idx], string(filepath.Separator)+"/")
	if basePart == "" {
		basePart = "."
	}
	basePart = filepath.Clean(basePart)
	// Like filepath.Glob, a missing directory is no match rather than an error.
	if _, err := os.Stat(basePart); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	suffix := strings.TrimLeft(pattern[idx+2:], string(filepath.Separator)+"/")
	if suffix == "" {
		suffix = "*"
	}

	baseSlash := filepath.ToSlash(basePart)
	suffixSlash := filepath.ToSlash(suffix)
	matchBasenameOnly := !strings.Contains(suffixSlash, "/")

	var matches []string
	err := filepath.WalkDir(basePart, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := strings.TrimLeft(strings.TrimPrefix(filepath.ToSlash(p), baseSlash), "/")
		candidate := rel
		if matchBasenameOnly {
			candidate = path.Base(rel)
		}
		ok, matchErr := path.Match(suffixSlash, candidate)
		if matchErr != nil {
			return matchErr
		}
		if ok {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}
