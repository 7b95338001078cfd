// Package spend reduces raw spend transactions for one buyer into the
// derived summary document. Aggregation is a pure fold: the same
// transactions always produce the same summary apart from its timestamp.
package spend

import (
	"math"
	"sort"
	"time"

	"spend-enrichment-pipeline/internal/models"
)

// Vendor size thresholds. Either one alone makes a vendor large.
const (
	LargeVendorSpend = 500_000
	LargeVendorCount = 50

	SizeSME   = "sme"
	SizeLarge = "large"
)

// SME openness bonus and the vendor count it requires.
const (
	SMEBonus       = 10
	SMEBonusCutoff = 20
)

// DefaultStabilityScore is reported when fewer than two years have data.
const DefaultStabilityScore = 50

// TopVendorLimit bounds the vendors listed in a summary.
const TopVendorLimit = 20

// Tally is a running total and transaction count.
type Tally struct {
	Total float64
	Count int
}

type pairKey struct {
	vendor   string
	category string
}

// Accumulator folds transactions one at a time.
type Accumulator struct {
	buyerID    string
	total      float64
	count      int
	categories map[string]*Tally
	vendors    map[string]*Tally
	years      map[int]map[string]struct{}
	pairs      map[pairKey]map[time.Time]float64
}

// NewAccumulator starts an empty fold for buyerID.
func NewAccumulator(buyerID string) *Accumulator {
	return &Accumulator{
		buyerID:    buyerID,
		categories: make(map[string]*Tally),
		vendors:    make(map[string]*Tally),
		years:      make(map[int]map[string]struct{}),
		pairs:      make(map[pairKey]map[time.Time]float64),
	}
}

// Add folds one transaction.
func (a *Accumulator) Add(t models.SpendTransaction) {
	a.total += t.Amount
	a.count++

	c := a.categories[t.Category]
	if c == nil {
		c = &Tally{}
		a.categories[t.Category] = c
	}
	c.Total += t.Amount
	c.Count++

	v := a.vendors[t.VendorNormalized]
	if v == nil {
		v = &Tally{}
		a.vendors[t.VendorNormalized] = v
	}
	v.Total += t.Amount
	v.Count++

	date := t.Date.UTC()
	year := date.Year()
	if a.years[year] == nil {
		a.years[year] = make(map[string]struct{})
	}
	a.years[year][t.VendorNormalized] = struct{}{}

	k := pairKey{vendor: t.VendorNormalized, category: t.Category}
	if a.pairs[k] == nil {
		a.pairs[k] = make(map[time.Time]float64)
	}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	a.pairs[k][day] += t.Amount
}

// Summary builds the summary document for everything added so far.
func (a *Accumulator) Summary(now time.Time) models.SpendSummary {
	s := models.SpendSummary{
		BuyerID:           a.buyerID,
		TotalSpend:        a.total,
		TransactionCount:  a.count,
		CategoryBreakdown: []models.CategoryTotal{},
		TopVendors:        []models.VendorTotal{},
		YearlyVendorSets:  make(map[int][]string, len(a.years)),
		RecurringPatterns: []models.RecurringPattern{},
		LastComputedAt:    now,
	}

	for name, c := range a.categories {
		s.CategoryBreakdown = append(s.CategoryBreakdown, models.CategoryTotal{Category: name, Total: c.Total, TransactionCount: c.Count})
	}
	sort.Slice(s.CategoryBreakdown, func(i, j int) bool {
		x, y := s.CategoryBreakdown[i], s.CategoryBreakdown[j]
		if x.Total != y.Total {
			return x.Total > y.Total
		}
		return x.Category < y.Category
	})

	vendors := ClassifyVendors(a.vendors)
	s.VendorSizeBreakdown = SizeBreakdown(vendors)
	s.TopVendors = append(s.TopVendors, vendors[:min(len(vendors), TopVendorLimit)]...)

	for year, set := range a.years {
		names := make([]string, 0, len(set))
		for v := range set {
			names = append(names, v)
		}
		sort.Strings(names)
		s.YearlyVendorSets[year] = names
	}

	s.SMEOpennessScore = SMEOpennessScore(s.VendorSizeBreakdown)
	s.VendorStabilityScore = VendorStabilityScore(s.YearlyVendorSets)
	s.RecurringPatterns = append(s.RecurringPatterns, a.recurring()...)
	return s
}

// Aggregate is the batch form of Accumulator.
func Aggregate(buyerID string, txns []models.SpendTransaction, now time.Time) models.SpendSummary {
	acc := NewAccumulator(buyerID)
	for _, t := range txns {
		acc.Add(t)
	}
	return acc.Summary(now)
}

// IsLarge applies the vendor size rule.
func IsLarge(total float64, count int) bool {
	return total > LargeVendorSpend || count > LargeVendorCount
}

// ClassifyVendors sizes every vendor and orders them by total descending,
// then name.
func ClassifyVendors(vendors map[string]*Tally) []models.VendorTotal {
	out := make([]models.VendorTotal, 0, len(vendors))
	for name, v := range vendors {
		size := SizeSME
		if IsLarge(v.Total, v.Count) {
			size = SizeLarge
		}
		out = append(out, models.VendorTotal{Vendor: name, Total: v.Total, TransactionCount: v.Count, Size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Vendor < out[j].Vendor
	})
	return out
}

// SizeBreakdown totals spend and vendor counts per size class.
func SizeBreakdown(vendors []models.VendorTotal) models.VendorSizeBreakdown {
	var b models.VendorSizeBreakdown
	for _, v := range vendors {
		if v.Size == SizeLarge {
			b.LargeTotal += v.Total
			b.LargeVendorCount++
			continue
		}
		b.SMETotal += v.Total
		b.SMEVendorCount++
	}
	return b
}

// SMEOpennessScore is the SME share of spend as a percentage, plus a bonus
// when enough distinct SME vendors are used, clamped to [0, 100].
func SMEOpennessScore(b models.VendorSizeBreakdown) int {
	var pct float64
	if all := b.SMETotal + b.LargeTotal; all != 0 {
		pct = b.SMETotal / all * 100
	}
	if b.SMEVendorCount > SMEBonusCutoff {
		pct += SMEBonus
	}
	score := int(math.Round(pct))
	return max(0, min(100, score))
}

// VendorStabilityScore averages the Jaccard retention between each pair of
// consecutive years present in sets.
func VendorStabilityScore(sets map[int][]string) int {
	if len(sets) < 2 {
		return DefaultStabilityScore
	}
	years := make([]int, 0, len(sets))
	for y := range sets {
		years = append(years, y)
	}
	sort.Ints(years)

	var sum float64
	for i := 1; i < len(years); i++ {
		sum += jaccard(sets[years[i-1]], sets[years[i]])
	}
	return int(math.Round(sum / float64(len(years)-1) * 100))
}

func jaccard(a, b []string) float64 {
	seen := make(map[string]struct{}, len(a))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	inter := 0
	for _, v := range b {
		if _, ok := seen[v]; ok {
			inter++
		}
	}
	union := len(seen) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
