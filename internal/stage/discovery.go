package stage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"spend-enrichment-pipeline/internal/harvest"
	"spend-enrichment-pipeline/internal/models"
	"spend-enrichment-pipeline/internal/store"
	"spend-enrichment-pipeline/internal/telemetry"
)

// Discoverer finds scored spend-data links on an organization's site.
type Discoverer interface {
	TestConnection(ctx context.Context, siteURL string) bool
	Discover(ctx context.Context, siteURL, orgType string) (harvest.Discovery, error)
}

// LinkStore persists discovered spend links.
type LinkStore interface {
	UpsertSpendLink(ctx context.Context, link models.SpendLink) error
}

// TransparencyDiscovery probes buyer websites for published spend data.
type TransparencyDiscovery struct {
	Prober Discoverer
	Links  LinkStore
}

func (t *TransparencyDiscovery) Tag() string { return TagTransparencyDiscovery }

func (t *TransparencyDiscovery) Eligibility() store.Eligibility {
	return store.Eligibility{RequiredFields: []string{store.FieldWebsiteURL}}
}

func (t *TransparencyDiscovery) Preflight(context.Context) error {
	if t.Prober == nil || t.Links == nil {
		return fmt.Errorf("transparency prober and link store are required: %w", ErrNotConfigured)
	}
	return nil
}

// Process stores the best links found for one buyer. A site that answers
// but publishes nothing recognisable still counts as done.
func (t *TransparencyDiscovery) Process(ctx context.Context, b models.Buyer) error {
	if !t.Prober.TestConnection(ctx, b.WebsiteURL) {
		return fmt.Errorf("site %s unreachable", b.WebsiteURL)
	}
	d, err := t.Prober.Discover(ctx, b.WebsiteURL, b.OrgType)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	for _, l := range d.Links {
		err := t.Links.UpsertSpendLink(ctx, models.SpendLink{
			BuyerID:         b.ID,
			URL:             l.URL,
			Score:           l.Score,
			MatchedPatterns: l.MatchedPatternNames,
			AnchorText:      l.AnchorText,
			SourcePage:      l.SourcePage,
		})
		if err != nil {
			return err
		}
	}
	telemetry.RecordsHarvested.WithLabelValues(TagTransparencyDiscovery).Add(float64(len(d.Links)))
	zap.L().Debug("transparency: buyer probed",
		zap.String("buyer", b.ID),
		zap.Int("pages_tried", d.PagesTried),
		zap.Int("pages_fetched", d.PagesFetched),
		zap.Int("links", len(d.Links)),
	)
	return nil
}
