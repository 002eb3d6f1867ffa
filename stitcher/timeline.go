package stitcher

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var eventNamespace = uuid.MustParse("6f1c1d4e-2a7b-4c39-9a53-5d0f8e7b1a20")

type StitchOptions struct {
	// Now overrides the build timestamp. Zero means time.Now().
	Now time.Time
	// Logger receives row-level diagnostics. Nil discards them.
	Logger *zerolog.Logger
}

func loggerOrNop(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}

// Stitch buckets rows by category, links them to orders and returns one thread per order.
// It is a pure function of groups: every call builds a new Timeline from scratch.
func Stitch(groups []RowGroup, opts StitchOptions) *Timeline {
	log := loggerOrNop(opts.Logger)
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	tl := &Timeline{
		ByOrder:     make(map[string]*Thread),
		Orphans:     []Event{},
		LastBuildAt: now,
	}

	buckets := make(map[Category][]Row, len(Categories))
	for _, g := range groups {
		cat, ok := ParseCategory(g.Category)
		if !ok {
			log.Warn().Str("category", g.Category).Int("rows", len(g.Rows)).Msg("dropping rows with unknown category")
			tl.dropped += len(g.Rows)
			continue
		}
		buckets[cat] = append(buckets[cat], g.Rows...)
	}

	ix := newSalesIndex()
	for i, row := range buckets[CategorySales] {
		if err := guardRow(func() {
			key, ok := ResolveOrderKey(row, CategorySales)
			if !ok {
				return
			}
			ix.add(row, key)
		}); err != nil {
			log.Warn().Err(err).Int("row", i).Msg("skipping malformed sales row while indexing")
		}
	}
	ix.sortSKUs()

	for _, cat := range Categories {
		for i, row := range buckets[cat] {
			var ev Event
			var linked bool
			if err := guardRow(func() {
				ev, linked = buildEvent(ix, cat, i, row)
			}); err != nil {
				log.Warn().Err(err).Str("category", string(cat)).Int("row", i).Msg("skipping malformed row")
				continue
			}
			if linked {
				tl.linkedPurchases++
			}
			if ev.OrderKey == "" {
				tl.Orphans = append(tl.Orphans, ev)
				continue
			}
			th, ok := tl.ByOrder[ev.OrderKey]
			if !ok {
				th = &Thread{OrderKey: ev.OrderKey}
				tl.ByOrder[ev.OrderKey] = th
			}
			th.Events = append(th.Events, ev)
		}
	}

	for _, th := range tl.ByOrder {
		sort.SliceStable(th.Events, func(i, j int) bool {
			return th.Events[i].When < th.Events[j].When
		})
	}
	return tl
}

// buildEvent resolves the row independently of the indexing pass. linked reports that the
// key came from purchase linking rather than the row itself.
func buildEvent(ix *salesIndex, cat Category, idx int, row Row) (ev Event, linked bool) {
	ev = Event{
		ID:       uuid.NewSHA1(eventNamespace, []byte(string(cat)+"/"+strconv.Itoa(idx))).String(),
		Category: cat,
		Raw:      row,
	}
	if d, ok := rowDate(row); ok {
		ev.When = d
	}
	if key, ok := ResolveOrderKey(row, cat); ok {
		ev.OrderKey = key
		return ev, false
	}
	if cat == CategoryPurchase {
		if key, ok := ix.LinkPurchase(row); ok {
			ev.OrderKey = key
			return ev, true
		}
	}
	return ev, false
}

// guardRow turns a panic raised while reading one row into an error so the batch continues.
func guardRow(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("row panic: %v", r)
		}
	}()
	fn()
	return nil
}

// Events returns every event on the timeline: threads in order-key order, then orphans.
func (t *Timeline) Events() []Event {
	keys := t.OrderKeys()
	var out []Event
	for _, k := range keys {
		out = append(out, t.ByOrder[k].Events...)
	}
	return append(out, t.Orphans...)
}

// OrderKeys returns the thread keys sorted.
func (t *Timeline) OrderKeys() []string {
	keys := make([]string, 0, len(t.ByOrder))
	for k := range t.ByOrder {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type TimelineStats struct {
	Orders          int
	Events          int
	Orphans         int
	LinkedPurchases int
	DroppedRows     int
	ByCategory      map[Category]int
}

func (t *Timeline) Stats() TimelineStats {
	st := TimelineStats{
		Orders:          len(t.ByOrder),
		Orphans:         len(t.Orphans),
		LinkedPurchases: t.linkedPurchases,
		DroppedRows:     t.dropped,
		ByCategory:      make(map[Category]int),
	}
	for _, ev := range t.Events() {
		st.Events++
		st.ByCategory[ev.Category]++
	}
	return st
}
