package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"spend-enrichment-pipeline/internal/models"
)

// Buyer columns that an Eligibility may require to be present.
const (
	FieldWebsiteURL         = "website_url"
	FieldDemocracyPortalURL = "democracy_portal_url"
	FieldOrgType            = "org_type"
)

var allowedRequiredFields = map[string]bool{
	FieldWebsiteURL:         true,
	FieldDemocracyPortalURL: true,
	FieldOrgType:            true,
}

// Eligibility selects the buyers a stage may still work on.
type Eligibility struct {
	// Platform, when set, must equal democracy_platform.
	Platform string
	// RequiredFields must be non-null and non-empty.
	RequiredFields []string
	// ExcludeTag drops buyers whose enrichment_sources already contain it.
	ExcludeTag string
}

// Matches applies the same predicate in memory.
func (e Eligibility) Matches(b models.Buyer) bool {
	if e.Platform != "" && b.DemocracyPlatform != e.Platform {
		return false
	}
	for _, f := range e.RequiredFields {
		var v string
		switch f {
		case FieldWebsiteURL:
			v = b.WebsiteURL
		case FieldDemocracyPortalURL:
			v = b.DemocracyPortalURL
		case FieldOrgType:
			v = b.OrgType
		}
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return e.ExcludeTag == "" || !b.HasSource(e.ExcludeTag)
}

// buildEligibleQuery renders the eligibility filter plus cursor and limit.
func buildEligibleQuery(e Eligibility, after *string, limit int) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if e.Platform != "" {
		where = append(where, "democracy_platform = "+arg(e.Platform))
	}
	for _, f := range e.RequiredFields {
		if !allowedRequiredFields[f] {
			return "", nil, fmt.Errorf("unsupported eligibility field %q", f)
		}
		where = append(where, fmt.Sprintf("COALESCE(%s, '') <> ''", f))
	}
	if e.ExcludeTag != "" {
		where = append(where, "NOT ("+arg(e.ExcludeTag)+" = ANY(enrichment_sources))")
	}
	if after != nil {
		where = append(where, "id > "+arg(*after))
	}
	q := `SELECT id, name, org_type, website_url, democracy_platform, democracy_portal_url, enrichment_sources FROM buyers`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id ASC LIMIT " + arg(limit)
	return q, args, nil
}

// ListEligibleBuyers returns up to limit buyers matching e whose id sorts
// strictly after the cursor, ascending by id.
func (s *Store) ListEligibleBuyers(ctx context.Context, e Eligibility, after *string, limit int) ([]models.Buyer, error) {
	q, args, err := buildEligibleQuery(e, after, limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list eligible buyers: %w", err)
	}
	defer rows.Close()

	var out []models.Buyer
	for rows.Next() {
		var (
			b                         models.Buyer
			website, platform, portal pgtype.Text
		)
		if err := rows.Scan(&b.ID, &b.Name, &b.OrgType, &website, &platform, &portal, &b.EnrichmentSources); err != nil {
			return nil, fmt.Errorf("scan buyer: %w", err)
		}
		b.WebsiteURL = website.String
		b.DemocracyPlatform = platform.String
		b.DemocracyPortalURL = portal.String
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkStageDone adds tag to the buyer's enrichment sources in a single
// conditional update. Marking twice is a no-op.
func (s *Store) MarkStageDone(ctx context.Context, buyerID, tag string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE buyers SET enrichment_sources = array_append(enrichment_sources, $2)
		WHERE id = $1 AND NOT ($2 = ANY(enrichment_sources))
	`, buyerID, tag)
	if err != nil {
		return fmt.Errorf("mark stage %s done for %s: %w", tag, buyerID, err)
	}
	return nil
}

// UpsertBuyer inserts or updates a buyer's descriptive fields. Enrichment
// sources are never overwritten here.
func (s *Store) UpsertBuyer(ctx context.Context, b models.Buyer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO buyers (id, name, org_type, website_url, democracy_platform, democracy_portal_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			org_type = EXCLUDED.org_type,
			website_url = EXCLUDED.website_url,
			democracy_platform = EXCLUDED.democracy_platform,
			democracy_portal_url = EXCLUDED.democracy_portal_url
	`, b.ID, b.Name, b.OrgType, emptyToNil(b.WebsiteURL), emptyToNil(b.DemocracyPlatform), emptyToNil(b.DemocracyPortalURL))
	if err != nil {
		return fmt.Errorf("upsert buyer %s: %w", b.ID, err)
	}
	return nil
}
