package stitcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sale(key, date, sku string, qty any) Row {
	r := Row{"order-id": key, "purchase-date": date, "sku": sku}
	if qty != nil {
		r["quantity"] = qty
	}
	return r
}

func indexOf(rows ...Row) *salesIndex {
	ix := newSalesIndex()
	for _, r := range rows {
		key, ok := ResolveOrderKey(r, CategorySales)
		if !ok {
			continue
		}
		ix.add(r, key)
	}
	ix.sortSKUs()
	return ix
}

func TestLinkPurchase_WindowBeatsSKUFallback(t *testing.T) {
	ix := indexOf(
		sale("111-0000000-0000001", "2024-01-03", "ABC", "2"),
		sale("111-0000000-0000002", "2024-02-01", "ABC", "2"),
	)
	got, ok := ix.LinkPurchase(Row{"date": "2024-01-10", "sku": "abc", "qty": 2.0})
	require.True(t, ok)
	assert.Equal(t, "111-0000000-0000001", got)
}

func TestLinkPurchase_SameDayFirst(t *testing.T) {
	ix := indexOf(
		sale("111-0000000-0000001", "2024-01-09", "ABC", "1"),
		sale("111-0000000-0000002", "2024-01-10", "ABC", "1"),
	)
	got, _ := ix.LinkPurchase(Row{"date": "2024-01-10", "sku": "ABC"})
	assert.Equal(t, "111-0000000-0000002", got)
}

func TestLinkPurchase_OffsetOrderIsMinusSevenUpward(t *testing.T) {
	ix := indexOf(
		sale("111-0000000-0000003", "2024-01-11", "ABC", "1"), // +1
		sale("111-0000000-0000004", "2024-01-08", "ABC", "1"), // -2
	)
	got, _ := ix.LinkPurchase(Row{"date": "2024-01-10", "sku": "ABC"})
	assert.Equal(t, "111-0000000-0000004", got)
}

func TestLinkPurchase_SKUFallbackUsesMostRecentSale(t *testing.T) {
	ix := indexOf(
		sale("111-0000000-0000001", "2023-06-01", "ABC", "5"),
		sale("111-0000000-0000002", "2023-09-01", "ABC", "5"),
		sale("111-0000000-0000003", "2023-07-01", "ABC", "5"),
	)
	// Quantity mismatch and far outside the window.
	got, ok := ix.LinkPurchase(Row{"date": "2024-01-10", "sku": "ABC", "qty": "1"})
	require.True(t, ok)
	assert.Equal(t, "111-0000000-0000002", got)
}

func TestLinkPurchase_FirstWriterWinsCompositeKey(t *testing.T) {
	ix := indexOf(
		sale("111-0000000-0000001", "2024-01-10", "ABC", "1"),
		sale("111-0000000-0000002", "2024-01-10", "ABC", "1"),
	)
	got, _ := ix.LinkPurchase(Row{"date": "2024-01-10", "sku": "ABC", "qty": "1"})
	assert.Equal(t, "111-0000000-0000001", got)
}

func TestLinkPurchase_QuantityDefaultsToOne(t *testing.T) {
	ix := indexOf(
		sale("111-0000000-0000001", "2024-01-10", "ABC", nil),
		sale("111-0000000-0000002", "2024-01-30", "ABC", "3"),
	)
	for _, qty := range []any{nil, "abc", "0", 1.0} {
		row := Row{"date": "2024-01-12", "sku": "ABC"}
		if qty != nil {
			row["qty"] = qty
		}
		got, _ := ix.LinkPurchase(row)
		assert.Equal(t, "111-0000000-0000001", got, "qty=%v", qty)
	}
}

func TestLinkPurchase_Unlinked(t *testing.T) {
	ix := indexOf(sale("111-0000000-0000001", "2024-01-10", "ABC", "1"))

	_, ok := ix.LinkPurchase(Row{"date": "2024-01-10"})
	assert.False(t, ok, "no sku")

	_, ok = ix.LinkPurchase(Row{"date": "2024-01-10", "sku": "XYZ"})
	assert.False(t, ok, "unknown sku")
}

func TestLinkPurchase_UndatedPurchaseFallsBackToSKU(t *testing.T) {
	ix := indexOf(
		sale("111-0000000-0000001", "2024-01-10", "ABC", "1"),
		sale("111-0000000-0000002", "2024-03-10", "ABC", "1"),
	)
	got, ok := ix.LinkPurchase(Row{"sku": "ABC"})
	require.True(t, ok)
	assert.Equal(t, "111-0000000-0000002", got)
}
