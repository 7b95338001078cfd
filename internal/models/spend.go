package models

import "time"

// SpendTransaction is one immutable row of published spend data.
type SpendTransaction struct {
	BuyerID          string    `json:"buyerId"`
	Date             time.Time `json:"date"`
	VendorNormalized string    `json:"vendorNormalized"`
	Category         string    `json:"category"`
	Amount           float64   `json:"amount"`
}

// CategoryTotal is the spend attributed to one category.
type CategoryTotal struct {
	Category         string  `json:"category"`
	Total            float64 `json:"total"`
	TransactionCount int     `json:"transactionCount"`
}

// VendorTotal is the spend attributed to one vendor.
type VendorTotal struct {
	Vendor           string  `json:"vendor"`
	Total            float64 `json:"total"`
	TransactionCount int     `json:"transactionCount"`
	Size             string  `json:"size"`
}

// VendorSizeBreakdown splits spend between SME and large vendors.
type VendorSizeBreakdown struct {
	SMETotal         float64 `json:"smeTotal"`
	SMEVendorCount   int     `json:"smeVendorCount"`
	LargeTotal       float64 `json:"largeTotal"`
	LargeVendorCount int     `json:"largeVendorCount"`
}

// RecurringPattern describes a vendor/category pair paid on a regular cadence.
type RecurringPattern struct {
	Vendor          string    `json:"vendor"`
	Category        string    `json:"category"`
	Frequency       string    `json:"frequency"`
	Occurrences     int       `json:"occurrences"`
	AverageAmount   float64   `json:"averageAmount"`
	AverageInterval float64   `json:"averageIntervalDays"`
	FirstDate       time.Time `json:"firstDate"`
	LastDate        time.Time `json:"lastDate"`
}

// SpendSummary is the derived analytics document for one buyer. It is
// replaced wholesale on every re-aggregation.
type SpendSummary struct {
	BuyerID              string              `json:"buyerId"`
	TotalSpend           float64             `json:"totalSpend"`
	TransactionCount     int                 `json:"transactionCount"`
	CategoryBreakdown    []CategoryTotal     `json:"categoryBreakdown"`
	TopVendors           []VendorTotal       `json:"topVendors"`
	VendorSizeBreakdown  VendorSizeBreakdown `json:"vendorSizeBreakdown"`
	YearlyVendorSets     map[int][]string    `json:"yearlyVendorSets"`
	SMEOpennessScore     int                 `json:"smeOpennessScore"`
	VendorStabilityScore int                 `json:"vendorStabilityScore"`
	RecurringPatterns    []RecurringPattern  `json:"recurringPatterns"`
	LastComputedAt       time.Time           `json:"lastComputedAt"`
}
