package stitcher

import (
	"math"
	"time"
)

type segment struct {
	from, to EventType
}

var (
	segmentOrderToPO          = segment{EventOrderPlaced, EventUSPOCreated}
	segmentPOToExport         = segment{EventUSPOCreated, EventExported}
	segmentExportToCustoms    = segment{EventExported, EventCustomsCleared}
	segmentDeliveredToPayment = segment{EventDelivered, EventPaymentReceived}
)

// Segments holds the average whole-day gap for each milestone pair.
type Segments struct {
	OrderToPO          float64 `json:"orderToPo"`
	POToExport         float64 `json:"poToExport"`
	ExportToCustoms    float64 `json:"exportToCustoms"`
	DeliveredToPayment float64 `json:"deliveredToPayment"`
}

type Summary struct {
	Segments         Segments `json:"segments"`
	BatteryExtraDays float64  `json:"batteryExtraDays"`
}

// Summarize averages the gap between milestone pairs over every ASIN that has both ends.
// batteryExtraDays is echoed for display and takes no part in the averages.
func Summarize(events []LifecycleEvent, batteryExtraDays float64) Summary {
	groups := groupByASIN(events)
	avg := func(seg segment) float64 {
		var sum float64
		var n int
		for _, asin := range sortedASINs(groups) {
			m := groups[asin]
			from, ok := m.at(seg.from)
			if !ok {
				continue
			}
			to, ok := m.at(seg.to)
			if !ok {
				continue
			}
			sum += wholeDays(from, to)
			n++
		}
		if n == 0 {
			return 0
		}
		return sum / float64(n)
	}
	return Summary{
		Segments: Segments{
			OrderToPO:          avg(segmentOrderToPO),
			POToExport:         avg(segmentPOToExport),
			ExportToCustoms:    avg(segmentExportToCustoms),
			DeliveredToPayment: avg(segmentDeliveredToPayment),
		},
		BatteryExtraDays: batteryExtraDays,
	}
}

func wholeDays(a, b time.Time) float64 {
	return math.Floor(math.Abs(b.Sub(a).Hours()) / 24)
}
