package stitcher

import (
	"fmt"
	"strings"
	"time"
)

// Category is the source system a row came from. It is assigned by the caller.
type Category string

const (
	CategorySales        Category = "sales"
	CategoryPurchase     Category = "purchase"
	CategoryIntlShipment Category = "intl_shipment"
	CategoryNatlShipment Category = "natl_shipment"
	CategoryPayment      Category = "payment"
	CategoryRefund       Category = "refund"
	CategoryCancel       Category = "cancel"
)

// Categories lists every category in processing order. Sales must stay first:
// purchase linking reads the sales indices.
var Categories = []Category{
	CategorySales,
	CategoryPurchase,
	CategoryIntlShipment,
	CategoryNatlShipment,
	CategoryPayment,
	CategoryRefund,
	CategoryCancel,
}

// ParseCategory accepts exactly one of the seven category labels; surrounding blanks are
// ignored. Anything else is unknown and its rows are dropped.
func ParseCategory(s string) (Category, bool) {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Row is one raw record as received from a source system. Field names vary by source.
type Row map[string]any

// First returns the first present, non-blank value among keys, trimmed.
func (r Row) First(keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(valueString(v))
		if s != "" {
			return s, true
		}
	}
	return "", false
}

// FirstValue is like First but returns the untouched value, for dates and numbers.
func (r Row) FirstValue(keys ...string) (any, bool) {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

func valueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers; avoid exponent formatting for integral ids.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(v)
	}
}

// RowGroup is a batch of rows from one source.
type RowGroup struct {
	Category string `json:"category" yaml:"category"`
	Rows     []Row  `json:"rows" yaml:"rows"`
}

// Event is one raw row placed on the timeline.
type Event struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
	OrderKey string   `json:"orderKey,omitempty"`
	When     string   `json:"when,omitempty"`
	Raw      Row      `json:"raw"`
}

// Thread is every event that resolved to one order key, ordered by When.
type Thread struct {
	OrderKey string  `json:"orderKey"`
	Events   []Event `json:"events"`
}

// Timeline is the result of one stitch run.
type Timeline struct {
	ByOrder     map[string]*Thread `json:"byOrder"`
	Orphans     []Event            `json:"orphan"`
	LastBuildAt time.Time          `json:"lastBuildAt"`

	linkedPurchases int
	dropped         int
}
