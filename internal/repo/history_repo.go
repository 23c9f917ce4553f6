// Package repo implements the data persistence layer for the publishing
// pipeline, backed by GORM. This file provides the publication history
// archive: everything actually posted, keyed by normalized URL.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-publisher-backend/internal/domain"
	"github.com/tbourn/go-publisher-backend/internal/productkey"
)

// AddHistory archives a successful publication. The UNIQUE index on
// normalized_url makes the history the second duplicate guard; re-inserting
// an already-archived item returns ErrDuplicate and changes nothing.
func AddHistory(ctx context.Context, db *gorm.DB, rec *domain.HistoryRecord) error {
	if rec.NormalizedURL == "" {
		rec.NormalizedURL = productkey.Normalize(rec.URL)
	}
	if rec.PostedAt.IsZero() {
		rec.PostedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// HistoryContains reports whether url (after normalization) was ever posted.
func HistoryContains(ctx context.Context, db *gorm.DB, url string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.HistoryRecord{}).
		Where("normalized_url = ?", productkey.Normalize(url)).
		Count(&n).Error
	return n > 0, err
}

// CountHistory returns the total number of archived publications.
func CountHistory(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.HistoryRecord{}).Count(&n).Error
	return n, err
}

// ListHistoryPage returns a page of history records, most recent first.
// The caller computes offset and limit (e.g., (page-1)*pageSize).
func ListHistoryPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.HistoryRecord, error) {
	var out []domain.HistoryRecord
	err := db.WithContext(ctx).
		Order("posted_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkHistoryDeleted flags an archived publication as deleted by the external
// cleanup collaborator. The row itself is retained.
func MarkHistoryDeleted(ctx context.Context, db *gorm.DB, id uint) error {
	res := db.WithContext(ctx).
		Model(&domain.HistoryRecord{}).
		Where("id = ?", id).
		Update("deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
