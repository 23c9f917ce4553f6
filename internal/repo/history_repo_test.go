package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-publisher-backend/internal/domain"
)

func TestAddHistory_NormalizesAndDedups(t *testing.T) {
	db := newRepoDB(t, &domain.HistoryRecord{})
	ctx := context.Background()

	rec := &domain.HistoryRecord{
		URL:       "https://m.example.com/product/800001?utm_source=feed",
		Title:     "Cordless Drill",
		MessageID: 42,
		ChannelID: -1001,
	}
	if err := AddHistory(ctx, db, rec); err != nil {
		t.Fatalf("AddHistory: %v", err)
	}
	if rec.NormalizedURL != "id:800001" {
		t.Fatalf("normalized_url = %q", rec.NormalizedURL)
	}
	if rec.PostedAt.IsZero() {
		t.Fatalf("posted_at not defaulted")
	}

	// Same item under a different raw URL is a duplicate.
	err := AddHistory(ctx, db, &domain.HistoryRecord{URL: "https://m.example.com/product/800001"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	ok, err := HistoryContains(ctx, db, "https://m.example.com/product/800001?ref=z")
	if err != nil || !ok {
		t.Fatalf("HistoryContains ok=%v err=%v", ok, err)
	}
	ok, _ = HistoryContains(ctx, db, "https://m.example.com/product/800002")
	if ok {
		t.Fatalf("unposted URL reported present")
	}
}

func TestListHistoryPage_MostRecentFirst(t *testing.T) {
	db := newRepoDB(t, &domain.HistoryRecord{})
	ctx := context.Background()

	for _, u := range []string{
		"https://m.example.com/product/810001",
		"https://m.example.com/product/810002",
		"https://m.example.com/product/810003",
	} {
		if err := AddHistory(ctx, db, &domain.HistoryRecord{URL: u}); err != nil {
			t.Fatalf("AddHistory(%s): %v", u, err)
		}
	}

	total, err := CountHistory(ctx, db)
	if err != nil || total != 3 {
		t.Fatalf("CountHistory = %d, %v", total, err)
	}
	page, err := ListHistoryPage(ctx, db, 0, 2)
	if err != nil {
		t.Fatalf("ListHistoryPage: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[0].PostedAt.Before(page[1].PostedAt) {
		t.Fatalf("page not in descending posted_at order")
	}
}

func TestMarkHistoryDeleted(t *testing.T) {
	db := newRepoDB(t, &domain.HistoryRecord{})
	ctx := context.Background()

	rec := &domain.HistoryRecord{URL: "https://m.example.com/product/820001"}
	if err := AddHistory(ctx, db, rec); err != nil {
		t.Fatalf("AddHistory: %v", err)
	}
	if err := MarkHistoryDeleted(ctx, db, rec.ID); err != nil {
		t.Fatalf("MarkHistoryDeleted: %v", err)
	}

	var got domain.HistoryRecord
	if err := db.First(&got, "id = ?", rec.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.Deleted {
		t.Fatalf("deleted flag not set")
	}
	if err := MarkHistoryDeleted(ctx, db, 99999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id = %v, want ErrNotFound", err)
	}
}
