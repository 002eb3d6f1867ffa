package stitcher

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var orderIDPattern = regexp.MustCompile(`\d{3}-\d{7}-\d{7}`)

// Field spellings seen across the source systems, most specific first.
var (
	explicitKeyFields = []string{"order_key", "orderKey", "OrderKey"}
	orderKeyFields    = []string{
		"order-id", "order_id", "OrderId", "orderId", "OrderID",
		"amazon-order-id", "amazon_order_id", "AmazonOrderId",
		"order_no", "order_number", "OrderNumber",
		"reference", "reference_no", "Reference", "ref",
	}
	categoryKeyFields = map[Category][]string{
		CategoryPurchase:     {"customer_order_id", "sales_order_id"},
		CategoryIntlShipment: {"customer_order_ref", "shipment_order_id"},
		CategoryNatlShipment: {"customer_order_ref", "shipment_order_id"},
		CategoryPayment:      {"merchant_order_id", "payment_reference"},
		CategoryRefund:       {"merchant_order_id", "refund_reference"},
		CategoryCancel:       {"merchant_order_id"},
	}
	skuFields      = []string{"sku", "SKU", "seller-sku", "seller_sku", "SellerSKU", "SellerSku", "item_sku", "msku"}
	quantityFields = []string{"quantity", "qty", "Quantity", "quantity-purchased", "quantity_purchased", "QuantityOrdered"}
	dateFields     = []string{
		"date", "Date",
		"purchase-date", "purchase_date", "PurchaseDate",
		"order-date", "order_date", "OrderDate",
		"posted-date", "posted_date",
		"ship_date", "shipped_at", "scan_date", "scanned_at",
		"payment_date", "refund_date", "cancel_date",
		"created_at", "createdAt", "timestamp",
	}
)

// NormalizeOrderID extracts a marketplace order id (NNN-NNNNNNN-NNNNNNN) from raw.
// Anything without that exact shape is not canonical.
func NormalizeOrderID(raw string) (string, bool) {
	m := orderIDPattern.FindString(raw)
	if m == "" {
		return "", false
	}
	return m, true
}

func NormalizeSKU(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	return s, true
}

// ToCalendarDate returns the YYYY-MM-DD part of a date-like value in the value's own zone.
func ToCalendarDate(v any) (string, bool) {
	tm, ok := parseAnyTime(v)
	if !ok {
		return "", false
	}
	return tm.Format(dateLayout), true
}

const dateLayout = "2006-01-02"

// parseAnyTime keeps the parsed location: callers that need an instant convert themselves.
func parseAnyTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t, true
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case string:
		return parseTimeString(t)
	case float64:
		return fromNumber(t)
	case float32:
		return fromNumber(float64(t))
	case int:
		return fromNumber(float64(t))
	case int64:
		return fromNumber(float64(t))
	case int32:
		return fromNumber(float64(t))
	default:
		return time.Time{}, false
	}
}

// fromNumber reads an integral 8-digit value as YYYYMMDD and anything else as an epoch.
func fromNumber(n float64) (time.Time, bool) {
	if n >= 1e7 && n < 1e8 && n == math.Trunc(n) {
		if tm, err := time.Parse("20060102", strconv.FormatInt(int64(n), 10)); err == nil {
			return tm, true
		}
	}
	return fromEpoch(n)
}

// fromEpoch treats values below 1e11 as seconds and everything else as milliseconds.
func fromEpoch(n float64) (time.Time, bool) {
	if math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 || n > 1e15 {
		return time.Time{}, false
	}
	if n < 1e11 {
		return time.Unix(int64(n), 0).UTC(), true
	}
	return time.UnixMilli(int64(n)).UTC(), true
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
	time.RFC1123Z,
	time.RFC1123,
}

var localLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006.01.02",
	"02-Jan-2006",
	"Jan 2, 2006",
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if isDigits(s) {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, false
		}
		return fromNumber(n)
	}
	for _, layout := range zonedLayouts {
		if tm, err := time.Parse(layout, s); err == nil {
			return tm, true
		}
	}
	// Zone-less values are read as wall-clock, so the date is exactly what was written.
	for _, layout := range localLayouts {
		if tm, err := time.Parse(layout, s); err == nil {
			return tm, true
		}
	}
	return time.Time{}, false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func orderKeyCandidates(cat Category) []string {
	extra := categoryKeyFields[cat]
	out := make([]string, 0, len(explicitKeyFields)+len(extra)+len(orderKeyFields))
	out = append(out, explicitKeyFields...)
	out = append(out, extra...)
	out = append(out, orderKeyFields...)
	return out
}

// ResolveOrderKey picks the order key for a row. Any candidate that carries a canonical
// marketplace id wins, in priority order; otherwise the first non-empty candidate is used.
func ResolveOrderKey(row Row, cat Category) (string, bool) {
	var fallback string
	for _, field := range orderKeyCandidates(cat) {
		v, ok := row.First(field)
		if !ok {
			continue
		}
		if id, ok := NormalizeOrderID(v); ok {
			return id, true
		}
		if fallback == "" {
			fallback = v
		}
	}
	if fallback == "" {
		return "", false
	}
	return fallback, true
}

func rowSKU(row Row) (string, bool) {
	v, ok := row.First(skuFields...)
	if !ok {
		return "", false
	}
	return NormalizeSKU(v)
}

// rowQuantity defaults to 1 when absent, unparsable or zero.
func rowQuantity(row Row) string {
	v, ok := row.First(quantityFields...)
	if !ok {
		return "1"
	}
	q, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
	if err != nil || q == 0 || math.IsNaN(q) || math.IsInf(q, 0) {
		return "1"
	}
	return strconv.FormatFloat(q, 'f', -1, 64)
}

func rowDate(row Row) (string, bool) {
	for _, field := range dateFields {
		v, ok := row.FirstValue(field)
		if !ok {
			continue
		}
		if d, ok := ToCalendarDate(v); ok {
			return d, true
		}
	}
	return "", false
}
