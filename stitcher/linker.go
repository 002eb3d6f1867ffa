package stitcher

import (
	"sort"
	"time"
)

// linkWindowDays is how far either side of a purchase date a matching sale may sit.
const linkWindowDays = 7

type skuSale struct {
	date     string
	orderKey string
}

// salesIndex holds the two lookups purchase linking needs. It is built once per stitch run
// from the sales rows and never mutated after sortSKUs.
type salesIndex struct {
	composite map[string]string
	bySKU     map[string][]skuSale
}

func newSalesIndex() *salesIndex {
	return &salesIndex{
		composite: make(map[string]string),
		bySKU:     make(map[string][]skuSale),
	}
}

func compositeKey(date, sku, qty string) string {
	return date + "|" + sku + "|" + qty
}

// add records one keyed sales row. The first row for a composite key keeps it.
func (ix *salesIndex) add(row Row, orderKey string) bool {
	sku, ok := rowSKU(row)
	if !ok {
		return false
	}
	date, _ := rowDate(row)
	key := compositeKey(date, sku, rowQuantity(row))
	if _, exists := ix.composite[key]; !exists {
		ix.composite[key] = orderKey
	}
	ix.bySKU[sku] = append(ix.bySKU[sku], skuSale{date: date, orderKey: orderKey})
	return true
}

// sortSKUs orders every SKU's sales most recent first.
func (ix *salesIndex) sortSKUs() {
	for _, sales := range ix.bySKU {
		sort.SliceStable(sales, func(i, j int) bool {
			return sales[i].date > sales[j].date
		})
	}
}

// LinkPurchase finds the sale a purchase row most likely replenishes. Matching stops at the
// first hit: same-day composite key, then composite keys from -7 to +7 days, then the most
// recent sale of the SKU regardless of date or quantity.
func (ix *salesIndex) LinkPurchase(row Row) (string, bool) {
	sku, ok := rowSKU(row)
	if !ok {
		return "", false
	}
	qty := rowQuantity(row)
	date, hasDate := rowDate(row)

	if key, ok := ix.composite[compositeKey(date, sku, qty)]; ok {
		return key, true
	}
	if hasDate {
		if base, err := time.Parse(dateLayout, date); err == nil {
			for off := -linkWindowDays; off <= linkWindowDays; off++ {
				d := base.AddDate(0, 0, off).Format(dateLayout)
				if key, ok := ix.composite[compositeKey(d, sku, qty)]; ok {
					return key, true
				}
			}
		}
	}
	if sales := ix.bySKU[sku]; len(sales) > 0 {
		return sales[0].orderKey, true
	}
	return "", false
}
