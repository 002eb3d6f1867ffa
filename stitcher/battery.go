package stitcher

import "strings"

// BatteryLookup reports whether an ASIN ships as a battery product. A nil lookup
// flags nothing.
type BatteryLookup func(asin string) bool

// NewBatteryLookup matches ASINs case-insensitively against a configured list.
func NewBatteryLookup(asins []string) BatteryLookup {
	set := make(map[string]struct{}, len(asins))
	for _, a := range asins {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		set[a] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return func(asin string) bool {
		_, ok := set[strings.ToUpper(strings.TrimSpace(asin))]
		return ok
	}
}

func (b BatteryLookup) isBattery(asin string) bool {
	if b == nil {
		return false
	}
	return b(asin)
}
