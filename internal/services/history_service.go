package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-publisher-backend/internal/domain"
	"github.com/tbourn/go-publisher-backend/internal/repo"
	"github.com/tbourn/go-publisher-backend/internal/utils"
)

// HistoryService exposes read access to the publication archive plus the
// mark-deleted hook used by the external cleanup collaborator.
type HistoryService struct {
	DB *gorm.DB
}

// ListPage returns one page of history records, most recent first, together
// with the total count for pagination metadata.
func (s *HistoryService) ListPage(ctx context.Context, page, pageSize int) ([]domain.HistoryRecord, int64, error) {
	page, pageSize = utils.ClampPage(page, pageSize, 20, 100)
	total, err := repo.CountHistory(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	records, err := repo.ListHistoryPage(ctx, s.DB, utils.Offset(page, pageSize), pageSize)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// MarkDeleted flags a history record whose channel message was removed.
// The row itself stays; history is never physically pruned.
func (s *HistoryService) MarkDeleted(ctx context.Context, id uint) error {
	return repo.MarkHistoryDeleted(ctx, s.DB, id)
}
