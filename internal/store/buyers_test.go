package store

import (
	"reflect"
	"strings"
	"testing"

	"spend-enrichment-pipeline/internal/models"
)

func TestBuildEligibleQuery(t *testing.T) {
	cursor := "buyer-010"
	q, args, err := buildEligibleQuery(Eligibility{
		Platform:       models.PlatformModernGov,
		RequiredFields: []string{FieldDemocracyPortalURL},
		ExcludeTag:     "moderngov",
	}, &cursor, 20)
	if err != nil {
		t.Fatalf("build query: %v", err)
	}
	for _, frag := range []string{
		"democracy_platform = $1",
		"COALESCE(democracy_portal_url, '') <> ''",
		"NOT ($2 = ANY(enrichment_sources))",
		"id > $3",
		"ORDER BY id ASC LIMIT $4",
	} {
		if !strings.Contains(q, frag) {
			t.Fatalf("query missing %q: %s", frag, q)
		}
	}
	want := []any{models.PlatformModernGov, "moderngov", "buyer-010", 20}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args: expected %v got %v", want, args)
	}
}

func TestBuildEligibleQuery_NoCursor(t *testing.T) {
	q, args, err := buildEligibleQuery(Eligibility{ExcludeTag: "x"}, nil, 5)
	if err != nil {
		t.Fatalf("build query: %v", err)
	}
	if strings.Contains(q, "id >") {
		t.Fatalf("unexpected cursor clause: %s", q)
	}
	if len(args) != 2 {
		t.Fatalf("expected two args, got %v", args)
	}
}

func TestBuildEligibleQuery_RejectsUnknownField(t *testing.T) {
	if _, _, err := buildEligibleQuery(Eligibility{RequiredFields: []string{"id; DROP TABLE buyers"}}, nil, 1); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestEligibilityMatches(t *testing.T) {
	e := Eligibility{
		Platform:       models.PlatformModernGov,
		RequiredFields: []string{FieldDemocracyPortalURL},
		ExcludeTag:     "moderngov",
	}
	ok := models.Buyer{ID: "a", DemocracyPlatform: models.PlatformModernGov, DemocracyPortalURL: "https://x"}
	if !e.Matches(ok) {
		t.Fatalf("expected match")
	}
	done := ok
	done.EnrichmentSources = []string{"moderngov"}
	if e.Matches(done) {
		t.Fatalf("expected completed buyer to be excluded")
	}
	noURL := ok
	noURL.DemocracyPortalURL = " "
	if e.Matches(noURL) {
		t.Fatalf("expected blank url to be excluded")
	}
	other := ok
	other.DemocracyPlatform = "CMIS"
	if e.Matches(other) {
		t.Fatalf("expected other platform to be excluded")
	}
}
