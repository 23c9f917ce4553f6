// Package services – Scheduler
//
// This file implements the orchestrating worker loop: once per tick it checks
// the operator toggle, the schedule window, and the shadow-ban breaker, runs
// catalog discovery under the catalog rate budget, then publishes either a
// digest batch or a single entry under the publish rate budget, driving every
// entry through the guarded state machine. No error from any collaborator
// escapes a tick; failures are recorded on the entry or logged and the loop
// proceeds.
//
// The loop is safe to run on several instances at once: completion
// exclusivity comes from the state machine's conditional transitions, not
// from any in-process coordination.
package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-publisher-backend/internal/catalog"
	"github.com/tbourn/go-publisher-backend/internal/config"
	"github.com/tbourn/go-publisher-backend/internal/domain"
	"github.com/tbourn/go-publisher-backend/internal/metrics"
	"github.com/tbourn/go-publisher-backend/internal/ratelimit"
	"github.com/tbourn/go-publisher-backend/internal/repo"
	"github.com/tbourn/go-publisher-backend/internal/shadowban"
)

// CatalogSource is the discovery collaborator. The payload size accompanies
// the items so the shadow-ban breaker can judge the response shape even when
// decoding failed.
type CatalogSource interface {
	FetchCandidates(ctx context.Context) (items []catalog.Item, payloadSize int, err error)
}

// Publisher is the channel collaborator. Publish must be called at most once
// per ready→posted transition; the state machine enforces that on the caller
// side.
type Publisher interface {
	Publish(ctx context.Context, text string) (messageID int, err error)
	PublishDigest(ctx context.Context, texts []string) (messageID int, err error)
	Pin(ctx context.Context, messageID int) error
}

// errShadowBanned halts the remainder of a tick after a detection. It is a
// cycle-level gate, not an item-level failure.
var errShadowBanned = errors.New("shadow ban detected")

// Scheduler runs the publish loop and its maintenance side-task.
type Scheduler struct {
	DB        *gorm.DB
	Queue     *QueueService
	Catalog   CatalogSource // nil disables discovery
	Publisher Publisher
	Breaker   *shadowban.Breaker

	CatalogLimiter *ratelimit.Limiter
	PublishLimiter *ratelimit.Limiter

	ChannelID  int64
	CatalogURL string

	Schedule config.ScheduleConfig
	Digest   config.DigestConfig

	ReapInterval   time.Duration
	ProcessTimeout time.Duration
	MaxAttempts    int

	// now is swappable in tests.
	now func() time.Time
}

// NewScheduler wires a Scheduler from its collaborators and config.
func NewScheduler(db *gorm.DB, queue *QueueService, src CatalogSource, pub Publisher, breaker *shadowban.Breaker, catalogLim, publishLim *ratelimit.Limiter, cfg config.Config) *Scheduler {
	return &Scheduler{
		DB:             db,
		Queue:          queue,
		Catalog:        src,
		Publisher:      pub,
		Breaker:        breaker,
		CatalogLimiter: catalogLim,
		PublishLimiter: publishLim,
		ChannelID:      cfg.ChannelID,
		CatalogURL:     cfg.CatalogURL,
		Schedule:       cfg.Schedule,
		Digest:         cfg.Digest,
		ReapInterval:   cfg.ReapInterval,
		ProcessTimeout: cfg.ProcessTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		now:            time.Now,
	}
}

// Run executes ticks until ctx is done. After a productive tick it sleeps the
// configured publish interval; after an idle or gated tick, the idle
// interval.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().
		Dur("interval", s.Schedule.Interval).
		Dur("idle_interval", s.Schedule.IdleInterval).
		Msg("scheduler started")
	for {
		published, err := s.Tick(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Error().Err(err).Msg("tick failed")
		}
		if ctx.Err() != nil {
			log.Info().Msg("scheduler stopped")
			return
		}

		wait := s.Schedule.IdleInterval
		if published {
			wait = s.Schedule.Interval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("scheduler stopped")
			return
		case <-timer.C:
		}
	}
}

// Tick runs one full cycle: gates, discovery, then digest-or-single
// publication. It reports whether anything was published.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	enabled, err := s.AutoPublishEnabled(ctx)
	if err != nil {
		return false, err
	}
	if !enabled {
		return false, nil
	}

	if !s.inScheduleWindow(ctx) {
		return false, nil
	}

	ok, err := s.Breaker.CanContinue(ctx)
	if err != nil {
		log.Error().Err(err).Msg("breaker check failed, skipping tick")
		return false, nil
	}
	if !ok {
		return false, nil
	}

	if err := s.discover(ctx); err != nil {
		if errors.Is(err, errShadowBanned) || ctx.Err() != nil {
			return false, err
		}
		// Discovery trouble does not block draining the queue.
		log.Warn().Err(err).Msg("discovery failed, continuing with queued work")
	}

	if depth, err := repo.CountPending(ctx, s.DB); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}

	if handled, published := s.tryDigest(ctx); handled {
		return published, nil
	}
	return s.publishSingle(ctx), nil
}

// inScheduleWindow applies the allowed-hours and one-per-day constraints.
func (s *Scheduler) inScheduleWindow(ctx context.Context) bool {
	if !s.Schedule.Enabled {
		return true
	}
	now := s.now()
	if len(s.Schedule.AllowedHours) > 0 {
		hourOK := false
		for _, h := range s.Schedule.AllowedHours {
			if now.Hour() == h {
				hourOK = true
				break
			}
		}
		if !hourOK {
			return false
		}
	}
	if s.Schedule.OnePerDay {
		last, err := repo.GetSetting(ctx, s.DB, repo.SettingLastPostDay, "")
		if err == nil && last == now.UTC().Format("2006-01-02") {
			return false
		}
	}
	return true
}

// discover fetches one round of candidates and admits the survivors. Every
// fetch result, including failed ones, is fed to the breaker.
func (s *Scheduler) discover(ctx context.Context) error {
	if s.Catalog == nil {
		return nil
	}
	if err := s.CatalogLimiter.Acquire(ctx); err != nil {
		return err
	}

	items, payloadSize, fetchErr := s.Catalog.FetchCandidates(ctx)

	if s.Breaker.IsBanned(len(items), payloadSize) {
		if _, err := s.Breaker.RecordAndPause(ctx, s.CatalogURL, len(items), payloadSize); err != nil {
			log.Error().Err(err).Msg("failed to persist shadow ban pause")
		}
		return errShadowBanned
	}
	if fetchErr != nil {
		return fetchErr
	}

	admitted := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := s.Queue.EnqueueCandidate(ctx, item)
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrDuplicate):
			// No-op by design.
		case errors.Is(err, ErrRejected), errors.Is(err, ErrInvalidURL):
			log.Debug().Str("url", item.URL).Err(err).Msg("candidate dropped")
		default:
			log.Error().Str("url", item.URL).Err(err).Msg("enqueue failed")
		}
	}
	if admitted > 0 {
		log.Info().Int("admitted", admitted).Int("fetched", len(items)).Msg("discovery round complete")
	}
	return nil
}

// tryDigest decides whether this tick publishes a digest and, if so, runs it.
// handled=false means single mode should run this tick instead, including
// after a failed digest.
func (s *Scheduler) tryDigest(ctx context.Context) (handled, published bool) {
	due, err := s.digestDue(ctx)
	if err != nil || !due {
		return false, false
	}

	eligible, err := repo.CountEligible(ctx, s.DB)
	if err != nil || eligible < int64(s.Digest.MinItems) {
		return false, false
	}

	batch, err := repo.ClaimBatch(ctx, s.DB, s.Digest.MaxItems)
	if err != nil || len(batch) < s.Digest.MinItems {
		return false, false
	}

	// Claim via the state machine; entries lost to a concurrent worker are
	// skipped, not fought over.
	var claimed []domain.QueueEntry
	var texts, titles []string
	for _, e := range batch {
		ok, err := repo.Transition(ctx, s.DB, e.ID, domain.StateProcessing, nil)
		if err != nil || !ok {
			continue
		}
		text, title := e.URL, ""
		if pub, err := repo.GetPublishingEntry(ctx, s.DB, e.ID); err == nil {
			if pub.Text != "" {
				text = pub.Text
			}
			title = pub.Title
		}
		if ok, err := repo.Transition(ctx, s.DB, e.ID, domain.StateReady, nil); err != nil || !ok {
			continue
		}
		claimed = append(claimed, e)
		texts = append(texts, text)
		titles = append(titles, title)
	}
	if len(claimed) == 0 {
		return false, false
	}

	if err := s.PublishLimiter.Acquire(ctx); err != nil {
		return true, false
	}
	messageID, err := s.Publisher.PublishDigest(ctx, texts)
	if err != nil {
		log.Error().Err(err).Int("items", len(claimed)).Msg("digest publish failed")
		for _, e := range claimed {
			s.settleFailed(ctx, e.ID, err)
		}
		metrics.PublishFailures.WithLabelValues("digest").Inc()
		return false, false
	}

	for i, e := range claimed {
		s.settlePosted(ctx, e, messageID, titles[i])
	}
	// Digests get pinned so the channel keeps the roundup visible.
	// Best-effort; a pin failure never fails the publication.
	if err := s.Publisher.Pin(ctx, messageID); err != nil {
		log.Warn().Err(err).Int("message_id", messageID).Msg("digest pin failed")
	}
	s.afterPublish(ctx, true)
	metrics.PublishedTotal.WithLabelValues("digest").Inc()
	log.Info().Int("items", len(claimed)).Int("message_id", messageID).Msg("digest published")
	return true, true
}

// publishSingle claims and publishes one entry.
func (s *Scheduler) publishSingle(ctx context.Context) bool {
	entry, err := repo.ClaimNext(ctx, s.DB, true, true)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if err != nil {
		log.Error().Err(err).Msg("claim failed")
		return false
	}

	ok, err := repo.Transition(ctx, s.DB, entry.ID, domain.StateProcessing, nil)
	if err != nil || !ok {
		// Another worker got there first.
		return false
	}

	text, title := entry.URL, ""
	if pub, err := repo.GetPublishingEntry(ctx, s.DB, entry.ID); err == nil {
		if pub.Text != "" {
			text = pub.Text
		}
		title = pub.Title
	}
	if ok, err := repo.Transition(ctx, s.DB, entry.ID, domain.StateReady, &repo.TransitionOpts{Text: text}); err != nil || !ok {
		return false
	}

	if err := s.PublishLimiter.Acquire(ctx); err != nil {
		// Abandoned in "ready"; the reaper resolves stale in-flight entries.
		return false
	}
	messageID, err := s.Publisher.Publish(ctx, text)
	if err != nil {
		log.Error().Err(err).Str("url", entry.URL).Msg("publish failed")
		s.settleFailed(ctx, entry.ID, err)
		metrics.PublishFailures.WithLabelValues("single").Inc()
		return false
	}

	s.settlePosted(ctx, *entry, messageID, title)
	s.afterPublish(ctx, false)
	metrics.PublishedTotal.WithLabelValues("single").Inc()
	log.Info().Str("url", entry.URL).Int("message_id", messageID).Msg("entry published")
	return true
}

// settlePosted drives a successfully published entry to its terminal state
// and records it in the ledger and history. Each step is best-effort past the
// posted transition; the transition itself is the at-most-once guard.
func (s *Scheduler) settlePosted(ctx context.Context, entry domain.QueueEntry, messageID int, title string) {
	ok, err := repo.Transition(ctx, s.DB, entry.ID, domain.StatePosted, &repo.TransitionOpts{
		MessageID: messageID,
		ChatID:    s.ChannelID,
	})
	if err != nil || !ok {
		log.Error().Err(err).Str("queue_id", entry.ID).Msg("posted transition rejected")
		return
	}
	if err := repo.MarkDone(ctx, s.DB, entry.ID); err != nil {
		log.Error().Err(err).Str("queue_id", entry.ID).Msg("mark done failed")
	}
	if err := repo.RecordPosted(ctx, s.DB, entry.ProductKey, entry.URL); err != nil {
		log.Error().Err(err).Str("queue_id", entry.ID).Msg("ledger record failed")
	}
	err = repo.AddHistory(ctx, s.DB, &domain.HistoryRecord{
		URL:         entry.URL,
		ContentHash: entry.ProductKey,
		Title:       title,
		MessageID:   messageID,
		ChannelID:   s.ChannelID,
	})
	if err != nil && !errors.Is(err, repo.ErrDuplicate) {
		log.Error().Err(err).Str("queue_id", entry.ID).Msg("history record failed")
	}
}

// settleFailed records a terminal failure on both rows.
func (s *Scheduler) settleFailed(ctx context.Context, queueID string, cause error) {
	if _, err := repo.Transition(ctx, s.DB, queueID, domain.StateFailed, &repo.TransitionOpts{Error: cause.Error()}); err != nil {
		log.Error().Err(err).Str("queue_id", queueID).Msg("failed transition errored")
	}
	if err := repo.MarkError(ctx, s.DB, queueID); err != nil {
		log.Error().Err(err).Str("queue_id", queueID).Msg("mark error failed")
	}
}

// afterPublish maintains the digest counter and the one-per-day marker.
func (s *Scheduler) afterPublish(ctx context.Context, digest bool) {
	if digest {
		_ = repo.SetSetting(ctx, s.DB, repo.SettingPostsSinceDigest, "0")
		_ = repo.SetSetting(ctx, s.DB, repo.SettingDigestArmed, "")
	} else {
		n, _ := s.postsSinceDigest(ctx)
		_ = repo.SetSetting(ctx, s.DB, repo.SettingPostsSinceDigest, strconv.Itoa(n+1))
	}
	_ = repo.SetSetting(ctx, s.DB, repo.SettingLastPostDay, s.now().UTC().Format("2006-01-02"))
}

// digestDue reports whether the digest counter or a force-flush arms a
// digest for this tick.
func (s *Scheduler) digestDue(ctx context.Context) (bool, error) {
	armed, err := repo.GetSetting(ctx, s.DB, repo.SettingDigestArmed, "")
	if err != nil {
		return false, err
	}
	if armed == "true" {
		return true, nil
	}
	if s.Digest.Frequency <= 0 {
		return false, nil
	}
	n, err := s.postsSinceDigest(ctx)
	if err != nil {
		return false, err
	}
	return n >= s.Digest.Frequency, nil
}

func (s *Scheduler) postsSinceDigest(ctx context.Context) (int, error) {
	raw, err := repo.GetSetting(ctx, s.DB, repo.SettingPostsSinceDigest, "0")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// AutoPublishEnabled reads the operator toggle; absent means enabled.
func (s *Scheduler) AutoPublishEnabled(ctx context.Context) (bool, error) {
	v, err := repo.GetSetting(ctx, s.DB, repo.SettingAutoPublish, "true")
	if err != nil {
		return false, err
	}
	return v != "false", nil
}

// SetAutoPublish flips the operator toggle.
func (s *Scheduler) SetAutoPublish(ctx context.Context, enabled bool) error {
	v := "true"
	if !enabled {
		v = "false"
	}
	log.Info().Bool("enabled", enabled).Msg("auto publish toggled")
	return repo.SetSetting(ctx, s.DB, repo.SettingAutoPublish, v)
}

// ArmDigest forces a digest on the next tick regardless of the counter,
// provided enough eligible items are queued.
func (s *Scheduler) ArmDigest(ctx context.Context) error {
	log.Info().Msg("digest force-flush armed")
	return repo.SetSetting(ctx, s.DB, repo.SettingDigestArmed, "true")
}

// Status is the aggregate pipeline view for the operator API.
type Status struct {
	AutoPublish      bool             `json:"auto_publish"`
	QueueDepth       int64            `json:"queue_depth"`
	EligibleNow      int64            `json:"eligible_now"`
	States           map[string]int64 `json:"states"`
	PostsSinceDigest int              `json:"posts_since_digest"`
	DigestArmed      bool             `json:"digest_armed"`
	Breaker          shadowban.Status `json:"shadow_ban"`
	CatalogLimiter   ratelimit.Stats  `json:"catalog_limiter"`
	PublishLimiter   ratelimit.Stats  `json:"publish_limiter"`
	HistorySize      int64            `json:"history_size"`
}

// PipelineStatus assembles the status view. Partial failures degrade fields
// to zero values rather than failing the whole call.
func (s *Scheduler) PipelineStatus(ctx context.Context) (Status, error) {
	var st Status
	var err error

	st.AutoPublish, err = s.AutoPublishEnabled(ctx)
	if err != nil {
		return st, err
	}
	if st.QueueDepth, err = repo.CountPending(ctx, s.DB); err != nil {
		return st, err
	}
	st.EligibleNow, _ = repo.CountEligible(ctx, s.DB)
	st.States, _ = repo.CountByState(ctx, s.DB)
	st.PostsSinceDigest, _ = s.postsSinceDigest(ctx)
	armed, _ := repo.GetSetting(ctx, s.DB, repo.SettingDigestArmed, "")
	st.DigestArmed = armed == "true"
	st.Breaker, _ = s.Breaker.Status(ctx)
	st.CatalogLimiter = s.CatalogLimiter.Stats(ctx)
	st.PublishLimiter = s.PublishLimiter.Stats(ctx)
	st.HistorySize, _ = repo.CountHistory(ctx, s.DB)
	return st, nil
}

// RunMaintenance periodically reaps stuck in-flight entries and prunes aged
// ledger rows until ctx is done.
func (s *Scheduler) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(s.ReapInterval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.ReapInterval).Msg("maintenance loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("maintenance loop stopped")
			return
		case <-ticker.C:
			s.Maintain(ctx)
		}
	}
}

// Maintain runs one reap-and-prune pass.
func (s *Scheduler) Maintain(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.ProcessTimeout)
	stale, err := repo.StaleInFlight(ctx, s.DB, cutoff, 100)
	if err != nil {
		log.Error().Err(err).Msg("stale scan failed")
		return
	}
	for _, e := range stale {
		if e.Attempts < s.MaxAttempts {
			ok, err := repo.Requeue(ctx, s.DB, e.QueueID)
			if err != nil {
				log.Error().Err(err).Str("queue_id", e.QueueID).Msg("requeue failed")
				continue
			}
			if ok {
				metrics.ReapedTotal.Inc()
				log.Warn().Str("queue_id", e.QueueID).Int("attempts", e.Attempts+1).Msg("stuck entry requeued")
			}
		} else {
			s.settleFailed(ctx, e.QueueID, errors.New("stuck in flight past retry budget"))
			log.Warn().Str("queue_id", e.QueueID).Int("attempts", e.Attempts).Msg("stuck entry failed")
		}
	}

	if s.Queue.LookbackDays > 0 {
		cutoff := s.now().UTC().AddDate(0, 0, -s.Queue.LookbackDays)
		if n, err := repo.PrunePostedBefore(ctx, s.DB, cutoff); err != nil {
			log.Error().Err(err).Msg("ledger prune failed")
		} else if n > 0 {
			log.Info().Int64("pruned", n).Msg("aged ledger rows pruned")
		}
	}
}
