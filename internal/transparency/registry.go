// Package transparency maps organization types to the site paths where
// that kind of body usually publishes its spend data.
package transparency

import (
	"net/url"
	"strings"
)

// URLPattern is a named group of candidate paths.
type URLPattern struct {
	Name     string   `json:"name"`
	Paths    []string `json:"paths"`
	Priority int      `json:"priority"`
}

var councilPatterns = []URLPattern{
	{Name: "spend_over_500", Paths: []string{"/spending-over-500", "/payments-over-500", "/council/transparency/spending-over-500"}, Priority: 1},
	{Name: "transparency_hub", Paths: []string{"/transparency", "/council-and-democracy/transparency", "/your-council/transparency"}, Priority: 2},
	{Name: "open_data", Paths: []string{"/open-data", "/opendata"}, Priority: 3},
}

var nhsPatterns = []URLPattern{
	{Name: "spend_over_25k", Paths: []string{"/about-us/spending-over-25000", "/about-us/our-spending", "/publications/expenditure-over-25000"}, Priority: 1},
	{Name: "corporate_publications", Paths: []string{"/about-us/publications", "/publications"}, Priority: 2},
}

var registry = map[string][]URLPattern{
	"local_council": councilPatterns,
	"nhs_trust":     nhsPatterns,
	"nhs_icb": {
		{Name: "icb_spend", Paths: []string{"/about-us/how-we-spend-our-money", "/about-us/spending-over-25000"}, Priority: 1},
		{Name: "corporate_publications", Paths: []string{"/publications", "/about-us/publications"}, Priority: 2},
	},
	"fire_rescue": {
		{Name: "fire_transparency", Paths: []string{"/about-us/transparency", "/transparency/spending-over-500"}, Priority: 1},
		{Name: "fire_finance", Paths: []string{"/about-us/finance", "/about-us/our-finances"}, Priority: 2},
	},
	"police_pcc": {
		{Name: "pcc_spend", Paths: []string{"/transparency/spending", "/what-we-publish/how-we-spend-money"}, Priority: 1},
		{Name: "pcc_finance", Paths: []string{"/finance", "/transparency"}, Priority: 2},
	},
	"combined_authority": {
		{Name: "ca_transparency", Paths: []string{"/transparency", "/about-us/transparency/spending"}, Priority: 1},
		{Name: "ca_open_data", Paths: []string{"/open-data"}, Priority: 2},
	},
	"university": {
		{Name: "uni_finance", Paths: []string{"/about/finance", "/finance/transparency", "/about/governance/financial-statements"}, Priority: 1},
		{Name: "uni_procurement", Paths: []string{"/procurement", "/about/procurement"}, Priority: 2},
	},
	"fe_college": {
		{Name: "college_finance", Paths: []string{"/about-us/financial-statements", "/about-us/governance"}, Priority: 1},
	},
	"mat": {
		{Name: "trust_finance", Paths: []string{"/about-us/financial-information", "/governance/financial-statements"}, Priority: 1},
	},
	"alb": {
		{Name: "alb_spend", Paths: []string{"/government/publications", "/about/transparency", "/about-us/spending-over-25000"}, Priority: 1},
	},
	"national_park": {
		{Name: "park_transparency", Paths: []string{"/about-us/transparency", "/authority/transparency"}, Priority: 1},
		{Name: "park_finance", Paths: []string{"/about-us/finance"}, Priority: 2},
	},
}

// OrgTypes returns the base organization-type keys known to the registry.
func OrgTypes() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

// PatternsForOrgType resolves orgType to its pattern list, stripping trailing
// underscore segments until a base key is found ("local_council_metro"
// resolves to "local_council"). Unknown types yield an empty list.
func PatternsForOrgType(orgType string) []URLPattern {
	key := strings.TrimSpace(orgType)
	for key != "" {
		if patterns, ok := registry[key]; ok {
			return clonePatterns(patterns)
		}
		idx := strings.LastIndex(key, "_")
		if idx < 0 {
			break
		}
		key = key[:idx]
	}
	return []URLPattern{}
}

// CandidateURLs joins every registry path for orgType onto the root of
// siteURL, in pattern order, without duplicates.
func CandidateURLs(siteURL, orgType string) ([]string, error) {
	base, err := url.Parse(strings.TrimSpace(siteURL))
	if err != nil {
		return nil, err
	}
	if base.Scheme == "" {
		base, err = url.Parse("https://" + strings.TrimSpace(siteURL))
		if err != nil {
			return nil, err
		}
	}
	seen := make(map[string]struct{})
	var out []string
	for _, p := range PatternsForOrgType(orgType) {
		for _, path := range p.Paths {
			u := url.URL{Scheme: base.Scheme, Host: base.Host, Path: path}
			s := u.String()
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out, nil
}

func clonePatterns(in []URLPattern) []URLPattern {
	out := make([]URLPattern, len(in))
	for i, p := range in {
		out[i] = URLPattern{Name: p.Name, Priority: p.Priority, Paths: append([]string(nil), p.Paths...)}
	}
	return out
}
