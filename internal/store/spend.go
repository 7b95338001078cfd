package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"spend-enrichment-pipeline/internal/models"
)

// StreamTransactions calls fn for every transaction of buyerID in date order
// without materialising the full set.
func (s *Store) StreamTransactions(ctx context.Context, buyerID string, fn func(models.SpendTransaction) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT buyer_id, txn_date, vendor_normalized, category, amount
		FROM spend_transactions WHERE buyer_id = $1 ORDER BY txn_date ASC, id ASC
	`, buyerID)
	if err != nil {
		return fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t models.SpendTransaction
		if err := rows.Scan(&t.BuyerID, &t.Date, &t.VendorNormalized, &t.Category, &t.Amount); err != nil {
			return fmt.Errorf("scan transaction: %w", err)
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ListTransactionBuyers returns the ids of buyers that have any transactions.
func (s *Store) ListTransactionBuyers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT buyer_id FROM spend_transactions ORDER BY buyer_id`)
	if err != nil {
		return nil, fmt.Errorf("list transaction buyers: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan buyer id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CopyTransactions bulk-loads transactions with the COPY protocol.
func (s *Store) CopyTransactions(ctx context.Context, txns []models.SpendTransaction) (int64, error) {
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"spend_transactions"},
		[]string{"buyer_id", "txn_date", "vendor_normalized", "category", "amount"},
		pgx.CopyFromSlice(len(txns), func(i int) ([]any, error) {
			t := txns[i]
			return []any{t.BuyerID, t.Date, t.VendorNormalized, t.Category, t.Amount}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy transactions: %w", err)
	}
	return n, nil
}

// ReplaceSpendSummary overwrites the buyer's summary document.
func (s *Store) ReplaceSpendSummary(ctx context.Context, summary models.SpendSummary) error {
	doc, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO spend_summaries (buyer_id, summary, last_computed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (buyer_id) DO UPDATE SET summary = EXCLUDED.summary, last_computed_at = EXCLUDED.last_computed_at
	`, summary.BuyerID, doc, summary.LastComputedAt)
	if err != nil {
		return fmt.Errorf("replace spend summary %s: %w", summary.BuyerID, err)
	}
	return nil
}

// GetSpendSummary loads the stored summary for buyerID.
func (s *Store) GetSpendSummary(ctx context.Context, buyerID string) (models.SpendSummary, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT summary FROM spend_summaries WHERE buyer_id = $1`, buyerID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SpendSummary{}, fmt.Errorf("spend summary %s: %w", buyerID, ErrNotFound)
	}
	if err != nil {
		return models.SpendSummary{}, fmt.Errorf("query spend summary: %w", err)
	}
	var summary models.SpendSummary
	if err := json.Unmarshal(doc, &summary); err != nil {
		return models.SpendSummary{}, fmt.Errorf("unmarshal spend summary: %w", err)
	}
	return summary, nil
}
