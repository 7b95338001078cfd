package stage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"spend-enrichment-pipeline/internal/archive"
	"spend-enrichment-pipeline/internal/harvest"
	"spend-enrichment-pipeline/internal/models"
	"spend-enrichment-pipeline/internal/store"
	"spend-enrichment-pipeline/internal/telemetry"
)

// Stage tags. Each is also the marker written to a buyer's enrichment sources.
const (
	TagModernGov             = "moderngov"
	TagTransparencyDiscovery = "transparency_discovery"
)

// DocumentStore persists harvested board documents.
type DocumentStore interface {
	InsertBoardDocument(ctx context.Context, doc models.BoardDocument) (models.BoardDocument, bool, error)
	SetDocumentArchiveKey(ctx context.Context, id, key string) error
}

// Downloader fetches a raw document for archiving.
type Downloader interface {
	Get(ctx context.Context, url string, timeout time.Duration) ([]byte, string, error)
}

// ModernGov harvests meeting documents from buyers on the ModernGov platform.
type ModernGov struct {
	Client   harvest.Client
	Docs     DocumentStore
	Lookback time.Duration

	// Archive and Download are optional; both must be set to keep raw copies.
	Archive      archive.Uploader
	Download     Downloader
	FetchTimeout time.Duration

	Now func() time.Time
}

func (m *ModernGov) Tag() string { return TagModernGov }

func (m *ModernGov) Eligibility() store.Eligibility {
	return store.Eligibility{
		Platform:       models.PlatformModernGov,
		RequiredFields: []string{store.FieldDemocracyPortalURL},
	}
}

func (m *ModernGov) Preflight(context.Context) error {
	if m.Client == nil || m.Docs == nil {
		return fmt.Errorf("moderngov client and document store are required: %w", ErrNotConfigured)
	}
	if m.Lookback <= 0 {
		return fmt.Errorf("moderngov lookback must be positive: %w", ErrNotConfigured)
	}
	return nil
}

func (m *ModernGov) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// Process harvests the lookback window for one buyer. Documents already
// stored for the buyer are left as they are.
func (m *ModernGov) Process(ctx context.Context, b models.Buyer) error {
	portal := b.DemocracyPortalURL
	if !m.Client.TestConnection(ctx, portal) {
		return fmt.Errorf("portal %s unreachable", portal)
	}
	end := m.now()
	records, err := m.Client.FetchRecords(ctx, portal, end.Add(-m.Lookback), end)
	if err != nil {
		return fmt.Errorf("fetch records: %w", err)
	}

	created := 0
	for _, rec := range records {
		doc, isNew, err := m.Docs.InsertBoardDocument(ctx, models.BoardDocument{
			BuyerID:     b.ID,
			Title:       rec.Title,
			MeetingDate: rec.Date,
			CommitteeID: rec.ExternalGroupID,
			SourceURL:   rec.SourceDocumentURL,
		})
		if err != nil {
			return err
		}
		if !isNew {
			continue
		}
		created++
		m.archiveDocument(ctx, doc)
	}
	telemetry.RecordsHarvested.WithLabelValues(TagModernGov).Add(float64(created))
	zap.L().Debug("moderngov: buyer harvested",
		zap.String("buyer", b.ID),
		zap.Int("records", len(records)),
		zap.Int("created", created),
	)
	return nil
}

// archiveDocument keeps a raw copy of doc. Failures are logged and do not
// fail the subject; the document row is already stored.
func (m *ModernGov) archiveDocument(ctx context.Context, doc models.BoardDocument) {
	if m.Archive == nil || m.Download == nil || doc.SourceURL == "" {
		return
	}
	body, contentType, err := m.Download.Get(ctx, doc.SourceURL, m.FetchTimeout)
	if err != nil {
		zap.L().Warn("moderngov: archive download failed", zap.String("url", doc.SourceURL), zap.Error(err))
		return
	}
	loc, err := m.Archive.Upload(ctx, archive.DocumentKey(doc.BuyerID, doc.ID, doc.SourceURL), body, contentType)
	if err != nil {
		zap.L().Warn("moderngov: archive upload failed", zap.String("document", doc.ID), zap.Error(err))
		return
	}
	if err := m.Docs.SetDocumentArchiveKey(ctx, doc.ID, loc); err != nil {
		zap.L().Warn("moderngov: archive key not saved", zap.String("document", doc.ID), zap.Error(err))
	}
}
