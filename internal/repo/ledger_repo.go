// Package repo implements the data persistence layer for the publishing
// pipeline, backed by GORM. This file provides the posted-product ledger:
// content-keyed dedup independent of URL, with age-based pruning.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-publisher-backend/internal/domain"
)

// RecordPosted appends a product key to the posted ledger. The ledger is
// append-only; the same key may legitimately appear multiple times if an
// item is re-posted after the lookback window elapses.
func RecordPosted(ctx context.Context, db *gorm.DB, productKey, url string) error {
	rec := &domain.PostedProduct{
		ProductKey: productKey,
		URL:        url,
		PostedAt:   time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(rec).Error
}

// IsDuplicateRecent reports whether productKey was posted within the last
// `days` days. days <= 0 disables the lookback entirely.
func IsDuplicateRecent(ctx context.Context, db *gorm.DB, productKey string, days int) (bool, error) {
	if days <= 0 {
		return false, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.PostedProduct{}).
		Where("product_key = ? AND posted_at >= ?", productKey, cutoff).
		Count(&n).Error
	return n > 0, err
}

// PrunePostedBefore deletes ledger rows older than cutoff and returns the
// number removed. Called by the scheduler's periodic maintenance task.
func PrunePostedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("posted_at < ?", cutoff).
		Delete(&domain.PostedProduct{})
	return res.RowsAffected, res.Error
}
