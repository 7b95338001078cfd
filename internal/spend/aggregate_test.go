package spend

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"spend-enrichment-pipeline/internal/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func txn(vendor, category string, date time.Time, amount float64) models.SpendTransaction {
	return models.SpendTransaction{BuyerID: "b1", Date: date, VendorNormalized: vendor, Category: category, Amount: amount}
}

func TestIsLarge(t *testing.T) {
	cases := []struct {
		total float64
		count int
		want  bool
	}{
		{500_001, 1, true},
		{10, 51, true},
		{499_999, 49, false},
		{500_000, 50, false},
	}
	for _, tc := range cases {
		if got := IsLarge(tc.total, tc.count); got != tc.want {
			t.Fatalf("IsLarge(%v, %d) = %v want %v", tc.total, tc.count, got, tc.want)
		}
	}
}

func TestClassifyVendors(t *testing.T) {
	out := ClassifyVendors(map[string]*Tally{
		"acme":     {Total: 500_001, Count: 1},
		"cleaners": {Total: 10, Count: 51},
		"local":    {Total: 499_999, Count: 49},
	})
	want := []models.VendorTotal{
		{Vendor: "acme", Total: 500_001, TransactionCount: 1, Size: SizeLarge},
		{Vendor: "local", Total: 499_999, TransactionCount: 49, Size: SizeSME},
		{Vendor: "cleaners", Total: 10, TransactionCount: 51, Size: SizeLarge},
	}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("unexpected classification %+v", out)
	}
	b := SizeBreakdown(out)
	if b.LargeVendorCount != 2 || b.SMEVendorCount != 1 || b.SMETotal != 499_999 || b.LargeTotal != 500_011 {
		t.Fatalf("unexpected breakdown %+v", b)
	}
}

func TestSMEOpennessScore(t *testing.T) {
	cases := []struct {
		name string
		in   models.VendorSizeBreakdown
		want int
	}{
		{"bonus applied", models.VendorSizeBreakdown{SMETotal: 80, LargeTotal: 20, SMEVendorCount: 25}, 90},
		{"no bonus at cutoff", models.VendorSizeBreakdown{SMETotal: 80, LargeTotal: 20, SMEVendorCount: 20}, 80},
		{"clamped", models.VendorSizeBreakdown{SMETotal: 99, LargeTotal: 1, SMEVendorCount: 30}, 100},
		{"no spend", models.VendorSizeBreakdown{}, 0},
		{"no spend with bonus", models.VendorSizeBreakdown{SMEVendorCount: 21}, 10},
		{"rounds", models.VendorSizeBreakdown{SMETotal: 2, LargeTotal: 1}, 67},
	}
	for _, tc := range cases {
		if got := SMEOpennessScore(tc.in); got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestVendorStabilityScore(t *testing.T) {
	if got := VendorStabilityScore(map[int][]string{2023: {"a", "b", "c", "d"}}); got != DefaultStabilityScore {
		t.Fatalf("single year: got %d want %d", got, DefaultStabilityScore)
	}
	if got := VendorStabilityScore(nil); got != DefaultStabilityScore {
		t.Fatalf("no data: got %d", got)
	}
	if got := VendorStabilityScore(map[int][]string{2021: {"a"}, 2022: {"a"}}); got != 100 {
		t.Fatalf("identical years: got %d", got)
	}
	if got := VendorStabilityScore(map[int][]string{2021: {"a"}, 2022: {"b"}}); got != 0 {
		t.Fatalf("disjoint years: got %d", got)
	}
	// Gaps between years present are still compared as consecutive.
	if got := VendorStabilityScore(map[int][]string{2019: {"a", "b"}, 2022: {"a"}}); got != 50 {
		t.Fatalf("gap years: got %d", got)
	}
}

func TestAggregate_ThreeYearScenario(t *testing.T) {
	var txns []models.SpendTransaction
	for _, v := range []string{"A", "B", "C"} {
		txns = append(txns, txn(v, "services", day(2021, 6, 1), 100))
	}
	for _, v := range []string{"A", "B", "D"} {
		txns = append(txns, txn(v, "services", day(2022, 6, 1), 100))
	}
	for _, v := range []string{"A", "D", "E"} {
		txns = append(txns, txn(v, "services", day(2023, 6, 1), 100))
	}
	s := Aggregate("b1", txns, time.Time{})
	if s.VendorStabilityScore != 50 {
		t.Fatalf("expected stability 50 got %d", s.VendorStabilityScore)
	}
	if !reflect.DeepEqual(s.YearlyVendorSets[2022], []string{"A", "B", "D"}) {
		t.Fatalf("unexpected 2022 set %v", s.YearlyVendorSets[2022])
	}
	if s.TotalSpend != 900 || s.TransactionCount != 9 {
		t.Fatalf("unexpected totals %+v", s)
	}
	if s.TopVendors[0].Vendor != "A" || s.TopVendors[0].Total != 300 {
		t.Fatalf("expected A to lead top vendors, got %+v", s.TopVendors)
	}
}

func TestAggregate_SingleYearDefaultsStability(t *testing.T) {
	var txns []models.SpendTransaction
	for i := 0; i < 30; i++ {
		txns = append(txns, txn(fmt.Sprintf("v%02d", i), "goods", day(2024, 1, 1+i%28), 10))
	}
	s := Aggregate("b1", txns, time.Time{})
	if s.VendorStabilityScore != 50 {
		t.Fatalf("expected default 50 got %d", s.VendorStabilityScore)
	}
	if s.SMEOpennessScore != 100 {
		t.Fatalf("expected all-SME spend with bonus clamped to 100, got %d", s.SMEOpennessScore)
	}
	if len(s.TopVendors) != TopVendorLimit {
		t.Fatalf("expected top vendors capped at %d got %d", TopVendorLimit, len(s.TopVendors))
	}
	if s.VendorSizeBreakdown.SMEVendorCount != 30 {
		t.Fatalf("size breakdown must cover all vendors, got %+v", s.VendorSizeBreakdown)
	}
}

func TestAggregate_EmptyInput(t *testing.T) {
	s := Aggregate("b1", nil, time.Time{})
	if s.TotalSpend != 0 || s.SMEOpennessScore != 0 || s.VendorStabilityScore != DefaultStabilityScore {
		t.Fatalf("unexpected empty summary %+v", s)
	}
	if s.CategoryBreakdown == nil || s.TopVendors == nil || s.RecurringPatterns == nil {
		t.Fatalf("expected empty, non-nil slices")
	}
}

func TestAggregate_CategoryOrdering(t *testing.T) {
	s := Aggregate("b1", []models.SpendTransaction{
		txn("a", "it", day(2024, 1, 1), 50),
		txn("a", "estates", day(2024, 1, 2), 50),
		txn("b", "care", day(2024, 1, 3), 200),
	}, time.Time{})
	var got []string
	for _, c := range s.CategoryBreakdown {
		got = append(got, c.Category)
	}
	if !reflect.DeepEqual(got, []string{"care", "estates", "it"}) {
		t.Fatalf("unexpected category order %v", got)
	}
}

func TestAggregate_Deterministic(t *testing.T) {
	var txns []models.SpendTransaction
	for i := 0; i < 200; i++ {
		txns = append(txns, txn(
			fmt.Sprintf("vendor-%d", i%17),
			fmt.Sprintf("cat-%d", i%5),
			day(2020+i%4, time.Month(1+i%12), 1+i%28),
			float64(i)*13.37,
		))
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := Aggregate("b1", txns, now)
	for i := 0; i < 5; i++ {
		if again := Aggregate("b1", txns, now); !reflect.DeepEqual(first, again) {
			t.Fatalf("aggregation not deterministic on run %d", i)
		}
	}
}

func TestDetectRecurring(t *testing.T) {
	monthly := []Occurrence{{Date: day(2024, 1, 1)}, {Date: day(2024, 1, 31)}, {Date: day(2024, 3, 1)}, {Date: day(2024, 4, 1)}}
	if f, avg, ok := DetectRecurring(monthly); !ok || f != FrequencyMonthly || avg < 30 || avg > 31 {
		t.Fatalf("expected monthly, got %s %v %v", f, avg, ok)
	}

	quarterly := []Occurrence{{Date: day(2024, 7, 1)}, {Date: day(2024, 1, 1)}, {Date: day(2024, 4, 1)}}
	if f, _, ok := DetectRecurring(quarterly); !ok || f != FrequencyQuarterly {
		t.Fatalf("expected quarterly regardless of input order, got %s %v", f, ok)
	}

	if _, _, ok := DetectRecurring(monthly[:2]); ok {
		t.Fatalf("two occurrences must not be recurring")
	}

	irregular := []Occurrence{{Date: day(2024, 1, 1)}, {Date: day(2024, 2, 1)}, {Date: day(2024, 5, 1)}}
	if _, _, ok := DetectRecurring(irregular); ok {
		t.Fatalf("mixed cadence must not be recurring")
	}
}

func TestAggregate_RecurringPatterns(t *testing.T) {
	txns := []models.SpendTransaction{
		txn("cleaners", "facilities", day(2024, 1, 15), 1000),
		txn("cleaners", "facilities", day(2024, 2, 14), 1000),
		txn("cleaners", "facilities", day(2024, 2, 14), 500),
		txn("cleaners", "facilities", day(2024, 3, 15), 1100),
		txn("cleaners", "supplies", day(2024, 1, 15), 20),
		txn("auditor", "finance", day(2024, 1, 10), 9000),
		txn("auditor", "finance", day(2024, 4, 10), 9000),
		txn("auditor", "finance", day(2024, 7, 10), 9000),
	}
	s := Aggregate("b1", txns, time.Time{})
	if len(s.RecurringPatterns) != 2 {
		t.Fatalf("expected 2 patterns got %+v", s.RecurringPatterns)
	}
	a, c := s.RecurringPatterns[0], s.RecurringPatterns[1]
	if a.Vendor != "auditor" || a.Frequency != FrequencyQuarterly || a.Occurrences != 3 || a.AverageAmount != 9000 {
		t.Fatalf("unexpected auditor pattern %+v", a)
	}
	// Same-day payments collapse into one occurrence.
	if c.Vendor != "cleaners" || c.Frequency != FrequencyMonthly || c.Occurrences != 3 || c.AverageAmount != 1200 {
		t.Fatalf("unexpected cleaners pattern %+v", c)
	}
	if !c.FirstDate.Equal(day(2024, 1, 15)) || !c.LastDate.Equal(day(2024, 3, 15)) {
		t.Fatalf("unexpected date range %v - %v", c.FirstDate, c.LastDate)
	}
}

type memSpendStore struct {
	mu        sync.Mutex
	txns      map[string][]models.SpendTransaction
	summaries map[string]models.SpendSummary
	failFor   string
}

func (m *memSpendStore) ListTransactionBuyers(context.Context) ([]string, error) {
	ids := make([]string, 0, len(m.txns))
	for id := range m.txns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memSpendStore) StreamTransactions(_ context.Context, buyerID string, fn func(models.SpendTransaction) error) error {
	if buyerID == m.failFor {
		return errors.New("stream broken")
	}
	for _, t := range m.txns[buyerID] {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func (m *memSpendStore) ReplaceSpendSummary(_ context.Context, s models.SpendSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[s.BuyerID] = s
	return nil
}

func TestReaggregator_Run(t *testing.T) {
	st := &memSpendStore{
		txns:      make(map[string][]models.SpendTransaction),
		summaries: make(map[string]models.SpendSummary),
	}
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("b%02d", i)
		st.txns[id] = []models.SpendTransaction{{BuyerID: id, Date: day(2024, 1, 1), VendorNormalized: "v", Category: "c", Amount: float64(i)}}
	}
	st.summaries["b03"] = models.SpendSummary{BuyerID: "b03", TotalSpend: -1}

	r := NewReaggregator(st, 4, nil)
	stats, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Buyers != 12 || stats.Succeeded != 12 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(st.summaries) != 12 || st.summaries["b03"].TotalSpend != 3 {
		t.Fatalf("expected every summary replaced, got %+v", st.summaries["b03"])
	}
}

func TestReaggregator_RunReportsFailures(t *testing.T) {
	st := &memSpendStore{
		txns: map[string][]models.SpendTransaction{
			"b1": {txn("v", "c", day(2024, 1, 1), 1)},
			"b2": {txn("v", "c", day(2024, 1, 1), 1)},
		},
		summaries: make(map[string]models.SpendSummary),
		failFor:   "b1",
	}
	stats, err := NewReaggregator(st, 2, nil).Run(context.Background())
	if err == nil {
		t.Fatalf("expected failure to be reported")
	}
	if stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if _, ok := st.summaries["b2"]; !ok {
		t.Fatalf("healthy buyer must still be aggregated")
	}
}
