package services

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-publisher-backend/internal/catalog"
	"github.com/tbourn/go-publisher-backend/internal/config"
	"github.com/tbourn/go-publisher-backend/internal/domain"
	"github.com/tbourn/go-publisher-backend/internal/ratelimit"
	"github.com/tbourn/go-publisher-backend/internal/repo"
	"github.com/tbourn/go-publisher-backend/internal/shadowban"
)

type fakePublisher struct {
	mu          sync.Mutex
	nextID      int
	singles     []string
	digests     [][]string
	failSingle  bool
	failDigest  bool
	pinnedCount int
}

func (f *fakePublisher) Publish(ctx context.Context, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSingle {
		return 0, errors.New("channel unavailable")
	}
	f.nextID++
	f.singles = append(f.singles, text)
	return f.nextID, nil
}

func (f *fakePublisher) PublishDigest(ctx context.Context, texts []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDigest {
		return 0, errors.New("channel unavailable")
	}
	f.nextID++
	f.digests = append(f.digests, texts)
	return f.nextID, nil
}

func (f *fakePublisher) Pin(ctx context.Context, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinnedCount++
	return nil
}

type fakeCatalog struct {
	items []catalog.Item
	size  int
	err   error
	calls int
}

func (f *fakeCatalog) FetchCandidates(ctx context.Context) ([]catalog.Item, int, error) {
	f.calls++
	return f.items, f.size, f.err
}

func newTestScheduler(t *testing.T, db *gorm.DB, pub Publisher, src CatalogSource) *Scheduler {
	t.Helper()
	cfg := config.Config{
		ChannelID:  -100123,
		CatalogURL: "https://market.example/catalog",
		Schedule: config.ScheduleConfig{
			Interval:     time.Millisecond,
			IdleInterval: time.Millisecond,
		},
		Digest:         config.DigestConfig{Frequency: 3, MinItems: 2, MaxItems: 3},
		ShadowBan:      config.ShadowBanConfig{MinItems: 5, LargePayloadSize: 500_000, LowPayloadSize: 100_000, MinPause: time.Hour, MaxPause: 2 * time.Hour},
		ReapInterval:   time.Minute,
		ProcessTimeout: 10 * time.Minute,
		MaxAttempts:    2,
	}
	queue := NewQueueService(db, 7)
	breaker := shadowban.New(db, cfg.ShadowBan)
	catalogLim := ratelimit.New(nil, "catalog-test", 1000, time.Minute)
	publishLim := ratelimit.New(nil, "publish-test", 1000, time.Minute)
	return NewScheduler(db, queue, src, pub, breaker, catalogLim, publishLim, cfg)
}

func mustEnqueue(t *testing.T, svc *QueueService, url string, priority int) *domain.QueueEntry {
	t.Helper()
	entry, err := svc.EnqueueURL(context.Background(), url, priority, nil)
	if err != nil {
		t.Fatalf("enqueue %s: %v", url, err)
	}
	return entry
}

func TestTick_DisabledDoesNothing(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	mustEnqueue(t, s.Queue, "https://market.example/card/a", 0)
	if err := s.SetAutoPublish(ctx, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	published, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if published || len(pub.singles) != 0 {
		t.Fatal("disabled scheduler still published")
	}
}

func TestTick_SinglePublish_EndToEnd(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	entry := mustEnqueue(t, s.Queue, "https://market.example/card/a", 0)

	published, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !published {
		t.Fatal("nothing published")
	}
	if len(pub.singles) != 1 {
		t.Fatalf("singles = %d, want 1", len(pub.singles))
	}

	pe, err := repo.GetPublishingEntry(ctx, db, entry.ID)
	if err != nil {
		t.Fatalf("get publishing entry: %v", err)
	}
	if pe.State != domain.StatePosted {
		t.Fatalf("state = %s, want posted", pe.State)
	}
	if pe.MessageID == 0 || pe.ChatID != -100123 {
		t.Fatalf("message metadata not recorded: %+v", pe)
	}

	qe, err := repo.GetQueueEntry(ctx, db, entry.ID)
	if err != nil {
		t.Fatalf("get queue entry: %v", err)
	}
	if qe.Status != domain.QueueStatusDone {
		t.Fatalf("queue status = %s, want done", qe.Status)
	}

	dup, err := repo.IsDuplicateRecent(ctx, db, entry.ProductKey, 7)
	if err != nil || !dup {
		t.Fatalf("ledger record missing: dup=%v err=%v", dup, err)
	}
	seen, err := repo.HistoryContains(ctx, db, entry.URL)
	if err != nil || !seen {
		t.Fatalf("history record missing: seen=%v err=%v", seen, err)
	}

	counter, _ := repo.GetSetting(ctx, db, repo.SettingPostsSinceDigest, "0")
	if counter != "1" {
		t.Fatalf("posts_since_digest = %s, want 1", counter)
	}
}

func TestTick_HistoryRecordCarriesTitle(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	item := catalog.Item{
		URL:     "https://market.example/card/kettle",
		Title:   "Steel Kettle",
		Vendor:  "Acme",
		OfferID: "off-42",
	}
	if _, err := s.Queue.EnqueueCandidate(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	published, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !published {
		t.Fatal("nothing published")
	}

	rows, err := repo.ListHistoryPage(ctx, db, 0, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("history rows = %d, want 1", len(rows))
	}
	if rows[0].Title != "Steel Kettle" {
		t.Fatalf("history title = %q, want %q", rows[0].Title, "Steel Kettle")
	}
}

func TestTick_PublishFailureSettlesFailed(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{failSingle: true}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	entry := mustEnqueue(t, s.Queue, "https://market.example/card/a", 0)

	published, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if published {
		t.Fatal("failed publish reported as success")
	}

	pe, _ := repo.GetPublishingEntry(ctx, db, entry.ID)
	if pe.State != domain.StateFailed {
		t.Fatalf("state = %s, want failed", pe.State)
	}
	if pe.Error == "" {
		t.Fatal("error not recorded on entry")
	}
	qe, _ := repo.GetQueueEntry(ctx, db, entry.ID)
	if qe.Status != domain.QueueStatusError {
		t.Fatalf("queue status = %s, want error", qe.Status)
	}
}

func TestTick_PriorityOrder(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	mustEnqueue(t, s.Queue, "https://market.example/card/low", 0)
	mustEnqueue(t, s.Queue, "https://market.example/card/high", 5)

	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(pub.singles) != 1 {
		t.Fatalf("singles = %d, want 1", len(pub.singles))
	}
	if want := "https://market.example/card/high"; pub.singles[0] != want {
		t.Fatalf("published %q, want the high-priority entry", pub.singles[0])
	}
}

func TestTick_DigestAfterFrequency(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	// Counter already at the digest frequency.
	if err := repo.SetSetting(ctx, db, repo.SettingPostsSinceDigest, strconv.Itoa(s.Digest.Frequency)); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	for i := 0; i < 4; i++ {
		mustEnqueue(t, s.Queue, "https://market.example/card/item"+strconv.Itoa(i), 0)
	}

	published, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !published {
		t.Fatal("digest tick published nothing")
	}
	if len(pub.digests) != 1 {
		t.Fatalf("digests = %d, want 1", len(pub.digests))
	}
	if got := len(pub.digests[0]); got != s.Digest.MaxItems {
		t.Fatalf("digest items = %d, want %d", got, s.Digest.MaxItems)
	}
	if len(pub.singles) != 0 {
		t.Fatal("single publish ran alongside a successful digest")
	}
	if pub.pinnedCount != 1 {
		t.Fatalf("pinned = %d, want 1", pub.pinnedCount)
	}

	// All batch members share the digest message id and are terminal.
	states, _ := repo.CountByState(ctx, db)
	if states[domain.StatePosted] != int64(s.Digest.MaxItems) {
		t.Fatalf("posted = %d, want %d", states[domain.StatePosted], s.Digest.MaxItems)
	}

	counter, _ := repo.GetSetting(ctx, db, repo.SettingPostsSinceDigest, "-")
	if counter != "0" {
		t.Fatalf("digest counter not reset: %s", counter)
	}
}

func TestTick_DigestSkippedWhenQueueSparse(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	if err := repo.SetSetting(ctx, db, repo.SettingPostsSinceDigest, strconv.Itoa(s.Digest.Frequency)); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	// Only one eligible item, below the digest minimum.
	mustEnqueue(t, s.Queue, "https://market.example/card/only", 0)

	published, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !published {
		t.Fatal("single fallback did not publish")
	}
	if len(pub.digests) != 0 {
		t.Fatal("digest ran below the minimum batch size")
	}
	if len(pub.singles) != 1 {
		t.Fatalf("singles = %d, want 1", len(pub.singles))
	}
}

func TestTick_DigestFailureFallsThroughToSingle(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{failDigest: true}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	if err := repo.SetSetting(ctx, db, repo.SettingPostsSinceDigest, strconv.Itoa(s.Digest.Frequency)); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	// One more entry than the digest batch cap, so the fallback has work.
	for i := 0; i < s.Digest.MaxItems+1; i++ {
		mustEnqueue(t, s.Queue, "https://market.example/card/item"+strconv.Itoa(i), 0)
	}

	published, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !published {
		t.Fatal("fallback single publish did not happen")
	}
	if len(pub.singles) != 1 {
		t.Fatalf("singles = %d, want 1", len(pub.singles))
	}

	states, _ := repo.CountByState(ctx, db)
	if states[domain.StateFailed] != int64(s.Digest.MaxItems) {
		t.Fatalf("failed = %d, want %d", states[domain.StateFailed], s.Digest.MaxItems)
	}
	if states[domain.StatePosted] != 1 {
		t.Fatalf("posted = %d, want 1", states[domain.StatePosted])
	}
}

func TestArmDigest_ForcesDigestRegardlessOfCounter(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	for i := 0; i < s.Digest.MinItems; i++ {
		mustEnqueue(t, s.Queue, "https://market.example/card/item"+strconv.Itoa(i), 0)
	}
	if err := s.ArmDigest(ctx); err != nil {
		t.Fatalf("arm: %v", err)
	}

	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(pub.digests) != 1 {
		t.Fatalf("digests = %d, want 1", len(pub.digests))
	}

	armed, _ := repo.GetSetting(ctx, db, repo.SettingDigestArmed, "")
	if armed == "true" {
		t.Fatal("force-flush flag not cleared after digest")
	}
}

func TestTick_ShadowBanHaltsCycle(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	src := &fakeCatalog{items: nil, size: 200_000}
	s := newTestScheduler(t, db, pub, src)
	ctx := context.Background()

	mustEnqueue(t, s.Queue, "https://market.example/card/a", 0)

	published, err := s.Tick(ctx)
	if err == nil {
		t.Fatal("expected shadow ban error")
	}
	if published || len(pub.singles) != 0 {
		t.Fatal("publishing continued past a shadow ban detection")
	}

	// The very next tick is gated before any catalog call.
	calls := src.calls
	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("gated tick: %v", err)
	}
	if src.calls != calls {
		t.Fatal("catalog fetched while the breaker is open")
	}
}

func TestTick_DiscoveryAdmitsCandidates(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	src := &fakeCatalog{
		items: []catalog.Item{
			{URL: "https://market.example/card/a", Title: "A", OfferID: "1"},
			{URL: "https://market.example/card/a?utm=x", Title: "A again", OfferID: "1"},
			{URL: "https://market.example/card/b", Title: "B", OfferID: "2"},
			{URL: "", Title: "broken"},
		},
		size: 30_000,
	}
	s := newTestScheduler(t, db, pub, src)
	ctx := context.Background()
	// Healthy response shape despite few items.
	s.Breaker = shadowban.New(db, config.ShadowBanConfig{MinItems: 0, LargePayloadSize: 500_000, LowPayloadSize: 100_000, MinPause: time.Hour, MaxPause: 2 * time.Hour})

	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	var n int64
	db.Model(&domain.QueueEntry{}).Count(&n)
	if n != 2 {
		t.Fatalf("queue rows = %d, want 2 (dedup and validation applied)", n)
	}
}

func TestTick_OnePerDay(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	s.Schedule.Enabled = true
	s.Schedule.OnePerDay = true
	ctx := context.Background()

	mustEnqueue(t, s.Queue, "https://market.example/card/a", 0)
	mustEnqueue(t, s.Queue, "https://market.example/card/b", 0)

	published, err := s.Tick(ctx)
	if err != nil || !published {
		t.Fatalf("first tick: published=%v err=%v", published, err)
	}
	published, err = s.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if published || len(pub.singles) != 1 {
		t.Fatal("second publish on the same day")
	}
}

func TestTick_AllowedHoursGate(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	s.Schedule.Enabled = true
	s.Schedule.AllowedHours = []int{3}
	s.now = func() time.Time {
		return time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	}
	ctx := context.Background()

	mustEnqueue(t, s.Queue, "https://market.example/card/a", 0)

	published, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if published {
		t.Fatal("published outside the allowed hours")
	}

	s.now = func() time.Time {
		return time.Date(2025, 6, 1, 3, 30, 0, 0, time.UTC)
	}
	published, err = s.Tick(ctx)
	if err != nil || !published {
		t.Fatalf("in-window tick: published=%v err=%v", published, err)
	}
}

func TestMaintain_RequeuesThenFailsStuckEntries(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	entry := mustEnqueue(t, s.Queue, "https://market.example/card/a", 0)
	if ok, err := repo.Transition(ctx, db, entry.ID, domain.StateProcessing, nil); err != nil || !ok {
		t.Fatalf("to processing: ok=%v err=%v", ok, err)
	}

	backdate := func() {
		t.Helper()
		stuck := time.Now().UTC().Add(-time.Hour)
		if err := db.Exec("UPDATE publishing_state SET updated_at = ? WHERE queue_id = ?", stuck, entry.ID).Error; err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}

	// First two passes requeue within the retry budget.
	for want := 1; want <= s.MaxAttempts; want++ {
		backdate()
		s.Maintain(ctx)
		pe, _ := repo.GetPublishingEntry(ctx, db, entry.ID)
		if pe.State != domain.StateQueued || pe.Attempts != want {
			t.Fatalf("pass %d: state=%s attempts=%d", want, pe.State, pe.Attempts)
		}
		if ok, err := repo.Transition(ctx, db, entry.ID, domain.StateProcessing, nil); err != nil || !ok {
			t.Fatalf("back to processing: ok=%v err=%v", ok, err)
		}
	}

	// Budget exhausted: the next pass fails the entry.
	backdate()
	s.Maintain(ctx)
	pe, _ := repo.GetPublishingEntry(ctx, db, entry.ID)
	if pe.State != domain.StateFailed {
		t.Fatalf("state = %s, want failed", pe.State)
	}
	if pe.Error == "" {
		t.Fatal("failure reason not recorded")
	}
	qe, _ := repo.GetQueueEntry(ctx, db, entry.ID)
	if qe.Status != domain.QueueStatusError {
		t.Fatalf("queue status = %s, want error", qe.Status)
	}
}

func TestMaintain_RecoversEntryAbandonedInReady(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	// A worker that died between the ready transition and the send: the entry
	// sits in "ready" with its queue row still pending. Because it outranks
	// everything else in claim order, the whole queue is blocked until the
	// reaper rewinds it.
	a := mustEnqueue(t, s.Queue, "https://market.example/card/stuck", 5)
	mustEnqueue(t, s.Queue, "https://market.example/card/next", 0)
	for _, next := range []string{domain.StateProcessing, domain.StateReady} {
		if ok, err := repo.Transition(ctx, db, a.ID, next, nil); err != nil || !ok {
			t.Fatalf("to %s: ok=%v err=%v", next, ok, err)
		}
	}

	// Ticks alone cannot move it: the claim wins but queued->processing fails.
	for i := 0; i < 3; i++ {
		if published, err := s.Tick(ctx); err != nil || published {
			t.Fatalf("tick %d on blocked queue: published=%v err=%v", i, published, err)
		}
	}
	if len(pub.singles) != 0 {
		t.Fatalf("published %d while head entry was stuck", len(pub.singles))
	}

	stuck := time.Now().UTC().Add(-time.Hour)
	if err := db.Exec("UPDATE publishing_state SET updated_at = ? WHERE queue_id = ?", stuck, a.ID).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}
	s.Maintain(ctx)

	pe, _ := repo.GetPublishingEntry(ctx, db, a.ID)
	if pe.State != domain.StateQueued || pe.Attempts != 1 {
		t.Fatalf("after reap: state=%s attempts=%d", pe.State, pe.Attempts)
	}

	// The unblocked queue publishes again, stuck entry first.
	published, err := s.Tick(ctx)
	if err != nil || !published {
		t.Fatalf("tick after reap: published=%v err=%v", published, err)
	}
	pe, _ = repo.GetPublishingEntry(ctx, db, a.ID)
	if pe.State != domain.StatePosted {
		t.Fatalf("recovered entry state = %s, want posted", pe.State)
	}
}

func TestMaintain_PrunesAgedLedgerRows(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	old := domain.PostedProduct{ProductKey: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", PostedAt: time.Now().UTC().AddDate(0, 0, -30)}
	fresh := domain.PostedProduct{ProductKey: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", PostedAt: time.Now().UTC()}
	if err := db.Create(&old).Error; err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if err := db.Create(&fresh).Error; err != nil {
		t.Fatalf("seed fresh: %v", err)
	}

	s.Maintain(ctx)

	var n int64
	db.Model(&domain.PostedProduct{}).Count(&n)
	if n != 1 {
		t.Fatalf("ledger rows = %d, want 1 after prune", n)
	}
}

func TestPipelineStatus(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)
	ctx := context.Background()

	mustEnqueue(t, s.Queue, "https://market.example/card/a", 0)
	mustEnqueue(t, s.Queue, "https://market.example/card/b", 0)

	st, err := s.PipelineStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.AutoPublish {
		t.Fatal("auto publish should default to enabled")
	}
	if st.QueueDepth != 2 || st.EligibleNow != 2 {
		t.Fatalf("depth=%d eligible=%d, want 2/2", st.QueueDepth, st.EligibleNow)
	}
	if st.States[domain.StateQueued] != 2 {
		t.Fatalf("queued = %d, want 2", st.States[domain.StateQueued])
	}
	if st.PublishLimiter.Limit == 0 || st.CatalogLimiter.Limit == 0 {
		t.Fatal("limiter stats missing")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	s := newTestScheduler(t, db, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancellation")
	}
}
