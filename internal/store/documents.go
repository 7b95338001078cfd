package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"spend-enrichment-pipeline/internal/models"
)

// InsertBoardDocument stores a harvested document unless one already exists
// for the same buyer and source URL. It reports whether a row was created.
func (s *Store) InsertBoardDocument(ctx context.Context, doc models.BoardDocument) (models.BoardDocument, bool, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO board_documents (id, buyer_id, title, meeting_date, committee_id, source_url, archive_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (buyer_id, source_url) DO NOTHING
	`, doc.ID, doc.BuyerID, doc.Title, doc.MeetingDate, doc.CommitteeID, doc.SourceURL, doc.ArchiveKey, doc.CreatedAt)
	if err != nil {
		return doc, false, fmt.Errorf("insert board document: %w", err)
	}
	return doc, tag.RowsAffected() == 1, nil
}

// SetDocumentArchiveKey records where the raw document was archived.
func (s *Store) SetDocumentArchiveKey(ctx context.Context, id, key string) error {
	_, err := s.pool.Exec(ctx, `UPDATE board_documents SET archive_key = $2 WHERE id = $1`, id, key)
	if err != nil {
		return fmt.Errorf("set archive key: %w", err)
	}
	return nil
}

// UpsertSpendLink records a discovered spend-data link, keeping the best score
// seen for the buyer/url pair.
func (s *Store) UpsertSpendLink(ctx context.Context, link models.SpendLink) error {
	patterns := link.MatchedPatterns
	if patterns == nil {
		patterns = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO spend_links (buyer_id, url, score, matched_patterns, anchor_text, source_page)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (buyer_id, url) DO UPDATE SET
			score = GREATEST(spend_links.score, EXCLUDED.score),
			matched_patterns = CASE WHEN EXCLUDED.score > spend_links.score THEN EXCLUDED.matched_patterns ELSE spend_links.matched_patterns END,
			anchor_text = CASE WHEN EXCLUDED.score > spend_links.score THEN EXCLUDED.anchor_text ELSE spend_links.anchor_text END
	`, link.BuyerID, link.URL, link.Score, patterns, link.AnchorText, link.SourcePage)
	if err != nil {
		return fmt.Errorf("upsert spend link: %w", err)
	}
	return nil
}

// ListSpendLinks returns a buyer's links best first.
func (s *Store) ListSpendLinks(ctx context.Context, buyerID string) ([]models.SpendLink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT buyer_id, url, score, matched_patterns, anchor_text, source_page
		FROM spend_links WHERE buyer_id = $1 ORDER BY score DESC, discovered_at ASC
	`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("list spend links: %w", err)
	}
	defer rows.Close()
	var out []models.SpendLink
	for rows.Next() {
		var l models.SpendLink
		if err := rows.Scan(&l.BuyerID, &l.URL, &l.Score, &l.MatchedPatterns, &l.AnchorText, &l.SourcePage); err != nil {
			return nil, fmt.Errorf("scan spend link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
