// Package repo implements the data persistence layer for the publishing
// pipeline, backed by GORM. This file provides repository functions for the
// durable queue.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - AddToQueue returns ErrDuplicate when the normalized URL already exists;
//     in that case nothing is persisted (the queue row and its publishing
//     entry are created atomically, or not at all).
//   - When an entry is not found, functions return ErrNotFound.
//   - On other DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-publisher-backend/internal/domain"
	"github.com/tbourn/go-publisher-backend/internal/productkey"
)

// EnqueueOpts carries the optional fields of an enqueue. Discovery supplies
// a content-derived ProductKey, a pre-rendered Text, and the item Title; the
// operator API leaves them empty and falls back to URL-derived values.
type EnqueueOpts struct {
	ProductKey string // overrides the URL-derived content key
	Text       string // rendered message stored on the publishing entry
	Title      string // item title, archived with the history record
}

// AddToQueue inserts a new queue entry together with its paired publishing
// entry (state "queued") in a single transaction: either both rows exist
// afterwards, or neither does.
//
// The normalized URL and product key are computed here so every write path
// shares one canonicalization. Duplicate submissions are rejected by the
// UNIQUE index on normalized_url and surface as ErrDuplicate; this is what
// makes concurrent enqueues of the same logical item safe without locking.
func AddToQueue(ctx context.Context, db *gorm.DB, url string, priority int, scheduledTime *time.Time) (*domain.QueueEntry, error) {
	return Enqueue(ctx, db, url, priority, scheduledTime, nil)
}

// Enqueue is AddToQueue with explicit options.
func Enqueue(ctx context.Context, db *gorm.DB, url string, priority int, scheduledTime *time.Time, opts *EnqueueOpts) (*domain.QueueEntry, error) {
	now := time.Now().UTC()
	entry := &domain.QueueEntry{
		ID:            uuid.NewString(),
		URL:           url,
		NormalizedURL: productkey.Normalize(url),
		ProductKey:    productkey.GenerateKey("", "", "", "", url),
		Priority:      priority,
		ScheduledTime: scheduledTime,
		Status:        domain.QueueStatusPending,
		CreatedAt:     now,
	}
	var text, title string
	if opts != nil {
		if opts.ProductKey != "" {
			entry.ProductKey = opts.ProductKey
		}
		text = opts.Text
		title = opts.Title
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		pub := &domain.PublishingEntry{
			QueueID:       entry.ID,
			URL:           url,
			State:         domain.StateQueued,
			Text:          text,
			Title:         title,
			ScheduledTime: scheduledTime,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.Create(pub).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return entry, nil
}

// ExistsNormalized reports whether a queue row with the same canonical form
// of url already exists. The lookup hits the unique index, not a scan.
func ExistsNormalized(ctx context.Context, db *gorm.DB, url string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.QueueEntry{}).
		Where("normalized_url = ?", productkey.Normalize(url)).
		Count(&n).Error
	return n > 0, err
}

// ClaimNext returns the next pending entry eligible for publication:
// highest priority first, oldest first among ties (the "rotate" order), with
// insertion id as the final tiebreaker. With respectSchedule, entries whose
// scheduled_time lies in the future are skipped. Returns ErrNotFound when the
// queue holds no eligible entry.
//
// Claiming itself does not mutate the row; completion exclusivity is enforced
// by the publishing state machine's guarded transition.
func ClaimNext(ctx context.Context, db *gorm.DB, respectSchedule, rotate bool) (*domain.QueueEntry, error) {
	q := db.WithContext(ctx).Where("status = ?", domain.QueueStatusPending)
	if respectSchedule {
		q = q.Where("scheduled_time IS NULL OR scheduled_time <= ?", time.Now().UTC())
	}
	if rotate {
		q = q.Order("priority desc, created_at asc, id asc")
	} else {
		q = q.Order("priority desc, id asc")
	}

	var entry domain.QueueEntry
	if err := q.First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// ClaimBatch returns up to limit eligible pending entries in claim order.
// Used by the digest batcher.
func ClaimBatch(ctx context.Context, db *gorm.DB, limit int) ([]domain.QueueEntry, error) {
	var out []domain.QueueEntry
	err := db.WithContext(ctx).
		Where("status = ?", domain.QueueStatusPending).
		Where("scheduled_time IS NULL OR scheduled_time <= ?", time.Now().UTC()).
		Order("priority desc, created_at asc, id asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkDone marks a queue entry as done. Entries are never deleted; the
// terminal status preserves the audit trail.
func MarkDone(ctx context.Context, db *gorm.DB, id string) error {
	return setQueueStatus(ctx, db, id, domain.QueueStatusDone)
}

// MarkError marks a queue entry as errored.
func MarkError(ctx context.Context, db *gorm.DB, id string) error {
	return setQueueStatus(ctx, db, id, domain.QueueStatusError)
}

func setQueueStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	res := db.WithContext(ctx).
		Model(&domain.QueueEntry{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPending returns the number of pending queue entries.
func CountPending(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.QueueEntry{}).
		Where("status = ?", domain.QueueStatusPending).
		Count(&n).Error
	return n, err
}

// CountEligible returns the number of pending entries whose scheduled_time
// has passed (or is unset). The digest batcher uses it to decide whether a
// digest is worth assembling.
func CountEligible(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.QueueEntry{}).
		Where("status = ?", domain.QueueStatusPending).
		Where("scheduled_time IS NULL OR scheduled_time <= ?", time.Now().UTC()).
		Count(&n).Error
	return n, err
}

// GetQueueEntry fetches a queue entry by id, or ErrNotFound.
func GetQueueEntry(ctx context.Context, db *gorm.DB, id string) (*domain.QueueEntry, error) {
	var entry domain.QueueEntry
	err := db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
