package spend

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"spend-enrichment-pipeline/internal/harvest"
	"spend-enrichment-pipeline/internal/models"
)

var (
	csvColumns   = []string{"date", "vendor", "category", "amount"}
	buyerColumns = []string{"id", "name", "org_type"}
)

// NormalizeVendor folds case and whitespace so the same supplier spelled
// differently across files counts once.
func NormalizeVendor(v string) string {
	return strings.ToUpper(strings.Join(strings.Fields(v), " "))
}

// ReadTransactionsCSV parses a headed date,vendor,category,amount file for
// buyerID. Column order follows the header; extra columns are ignored.
// Amounts may carry a currency symbol and thousands separators.
func ReadTransactionsCSV(r io.Reader, buyerID string) ([]models.SpendTransaction, error) {
	cr, idx, err := readHeader(r, csvColumns)
	if err != nil {
		return nil, err
	}

	var out []models.SpendTransaction
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		field := recordField(idx, rec)
		date := harvest.ParseDate(field("date"))
		if date == nil {
			return nil, fmt.Errorf("line %d: invalid date %q", line, field("date"))
		}
		amount, err := parseAmount(field("amount"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		vendor := NormalizeVendor(field("vendor"))
		if vendor == "" {
			return nil, fmt.Errorf("line %d: empty vendor", line)
		}
		out = append(out, models.SpendTransaction{
			BuyerID:          buyerID,
			Date:             *date,
			VendorNormalized: vendor,
			Category:         field("category"),
			Amount:           amount,
		})
	}
	return out, nil
}

func parseAmount(s string) (float64, error) {
	clean := strings.NewReplacer("£", "", "$", "", "€", "", ",", "", " ", "").Replace(s)
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// ReadBuyersCSV parses a headed buyer list. id, name and org_type are
// required columns; website_url, democracy_platform and
// democracy_portal_url are optional and may be blank.
func ReadBuyersCSV(r io.Reader) ([]models.Buyer, error) {
	cr, idx, err := readHeader(r, buyerColumns)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]int)
	var out []models.Buyer
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		field := recordField(idx, rec)
		b := models.Buyer{
			ID:                 field("id"),
			Name:               field("name"),
			OrgType:            field("org_type"),
			WebsiteURL:         field("website_url"),
			DemocracyPlatform:  field("democracy_platform"),
			DemocracyPortalURL: field("democracy_portal_url"),
		}
		if b.ID == "" || b.Name == "" {
			return nil, fmt.Errorf("line %d: id and name are required", line)
		}
		if prev, ok := seen[b.ID]; ok {
			return nil, fmt.Errorf("line %d: buyer %s already listed on line %d", line, b.ID, prev)
		}
		seen[b.ID] = line
		out = append(out, b)
	}
	return out, nil
}

func readHeader(r io.Reader, required []string) (*csv.Reader, map[string]int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range required {
		if _, ok := idx[c]; !ok {
			return nil, nil, fmt.Errorf("missing column %q", c)
		}
	}
	return cr, idx, nil
}

// recordField looks up a column by header name. Absent columns read as "".
func recordField(idx map[string]int, rec []string) func(string) string {
	return func(name string) string {
		if i, ok := idx[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}
}
