// Package services – QueueService
//
// This file implements the QueueService, the single admission path into the
// durable queue. Every submission, whether from catalog discovery or from the
// operator API, passes three duplicate guards in order: the posted-product
// ledger (content key, URL-independent), the publication history (normalized
// URL), and finally the queue's own UNIQUE constraint. A hit on any layer is
// a successful no-op surfaced as ErrDuplicate.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-publisher-backend/internal/catalog"
	"github.com/tbourn/go-publisher-backend/internal/domain"
	"github.com/tbourn/go-publisher-backend/internal/metrics"
	"github.com/tbourn/go-publisher-backend/internal/productkey"
	"github.com/tbourn/go-publisher-backend/internal/repo"
)

// QueueService admits candidates into the durable queue.
type QueueService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Validator screens raw catalog items before admission.
	Validator Validator
	// LookbackDays is the window within which a posted content key blocks
	// re-posting. Zero disables the ledger guard.
	LookbackDays int
}

// NewQueueService constructs a QueueService with the default validator.
func NewQueueService(db *gorm.DB, lookbackDays int) *QueueService {
	return &QueueService{
		DB:           db,
		Validator:    BasicValidator{},
		LookbackDays: lookbackDays,
	}
}

// EnqueueURL admits an operator-submitted URL. Manual submissions carry no
// identity fields, so the content key derives from the URL alone and the
// identity check of the validator does not apply.
func (s *QueueService) EnqueueURL(ctx context.Context, url string, priority int, scheduledTime *time.Time) (*domain.QueueEntry, error) {
	url = strings.TrimSpace(url)
	if url == "" || !strings.HasPrefix(url, "http") {
		return nil, ErrInvalidURL
	}
	return s.admit(ctx, ProductData{URL: url, Priority: priority}, scheduledTime)
}

// EnqueueCandidate validates and admits one raw discovery item.
func (s *QueueService) EnqueueCandidate(ctx context.Context, item catalog.Item) (*domain.QueueEntry, error) {
	p, err := s.Validator.Validate(item)
	if err != nil {
		return nil, err
	}
	return s.admit(ctx, p, nil)
}

func (s *QueueService) admit(ctx context.Context, p ProductData, scheduledTime *time.Time) (*domain.QueueEntry, error) {
	key := p.Key()

	recent, err := repo.IsDuplicateRecent(ctx, s.DB, key, s.LookbackDays)
	if err != nil {
		return nil, err
	}
	if recent {
		metrics.DuplicatesTotal.WithLabelValues("ledger").Inc()
		return nil, ErrDuplicate
	}

	seen, err := repo.HistoryContains(ctx, s.DB, p.URL)
	if err != nil {
		return nil, err
	}
	if seen {
		metrics.DuplicatesTotal.WithLabelValues("history").Inc()
		return nil, ErrDuplicate
	}

	entry, err := repo.Enqueue(ctx, s.DB, p.URL, p.Priority, scheduledTime, &repo.EnqueueOpts{
		ProductKey: key,
		Text:       p.Render(),
		Title:      p.Title,
	})
	if errors.Is(err, repo.ErrDuplicate) {
		metrics.DuplicatesTotal.WithLabelValues("queue").Inc()
		return nil, ErrDuplicate
	}
	return entry, err
}

// Exists reports whether the canonical form of url is already queued.
func (s *QueueService) Exists(ctx context.Context, url string) (bool, error) {
	return repo.ExistsNormalized(ctx, s.DB, url)
}

// Normalize exposes the canonicalizer for callers that only need the key.
func (s *QueueService) Normalize(url string) string {
	return productkey.Normalize(url)
}
