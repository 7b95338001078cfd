package spend

import (
	"sort"
	"time"

	"spend-enrichment-pipeline/internal/models"
)

// Recurring cadences and the interval windows, in days, that define them.
const (
	FrequencyMonthly   = "monthly"
	FrequencyQuarterly = "quarterly"

	minOccurrences = 3
)

type cadence struct {
	name     string
	min, max float64
}

var cadences = []cadence{
	{name: FrequencyMonthly, min: 25, max: 35},
	{name: FrequencyQuarterly, min: 80, max: 100},
}

// Occurrence is one payment day for a vendor/category pair.
type Occurrence struct {
	Date   time.Time
	Amount float64
}

// DetectRecurring classifies a series of payment days. It returns false
// unless there are at least three occurrences and every gap between
// consecutive days falls inside one cadence window.
func DetectRecurring(occ []Occurrence) (frequency string, avgInterval float64, ok bool) {
	if len(occ) < minOccurrences {
		return "", 0, false
	}
	sorted := append([]Occurrence(nil), occ...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	gaps := make([]float64, 0, len(sorted)-1)
	var sum float64
	for i := 1; i < len(sorted); i++ {
		d := sorted[i].Date.Sub(sorted[i-1].Date).Hours() / 24
		gaps = append(gaps, d)
		sum += d
	}
	for _, c := range cadences {
		if allWithin(gaps, c.min, c.max) {
			return c.name, sum / float64(len(gaps)), true
		}
	}
	return "", 0, false
}

func allWithin(xs []float64, lo, hi float64) bool {
	for _, x := range xs {
		if x < lo || x > hi {
			return false
		}
	}
	return true
}

func (a *Accumulator) recurring() []models.RecurringPattern {
	var out []models.RecurringPattern
	for k, days := range a.pairs {
		occ := make([]Occurrence, 0, len(days))
		for d, amt := range days {
			occ = append(occ, Occurrence{Date: d, Amount: amt})
		}
		freq, interval, ok := DetectRecurring(occ)
		if !ok {
			continue
		}
		sort.Slice(occ, func(i, j int) bool { return occ[i].Date.Before(occ[j].Date) })
		var total float64
		for _, o := range occ {
			total += o.Amount
		}
		first, last := occ[0].Date, occ[len(occ)-1].Date
		out = append(out, models.RecurringPattern{
			Vendor:          k.vendor,
			Category:        k.category,
			Frequency:       freq,
			Occurrences:     len(occ),
			AverageAmount:   total / float64(len(occ)),
			AverageInterval: interval,
			FirstDate:       first,
			LastDate:        last,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Vendor != out[j].Vendor {
			return out[i].Vendor < out[j].Vendor
		}
		return out[i].Category < out[j].Category
	})
	return out
}
