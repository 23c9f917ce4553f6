// Package shadowban implements the catalog shadow-ban circuit breaker.
//
// A shadow ban is inferred from the response shape rather than any status
// code: the catalog keeps answering 200 but returns a page of filler with few
// or no offers. Two signatures trip the breaker:
//
//   - fewer than the minimum item count paired with an oversized payload
//   - zero items paired with a payload too large to be an honest empty page
//
// On detection the breaker pauses discovery for a randomized interval so a
// fleet of instances does not resume in lockstep, and persists the pause
// deadline through the settings store so restarts and peers honor it.
package shadowban

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-publisher-backend/internal/config"
	"github.com/tbourn/go-publisher-backend/internal/metrics"
	"github.com/tbourn/go-publisher-backend/internal/repo"
)

// Status is the breaker state surfaced on the status endpoint.
type Status struct {
	Paused     bool       `json:"paused"`
	PauseUntil *time.Time `json:"pause_until,omitempty"`
	Detections int64      `json:"detections"`
}

// Breaker decides whether catalog discovery may proceed. A single instance
// owns the in-memory pause cache; the persisted deadline in the settings
// store is authoritative across restarts and peer instances.
type Breaker struct {
	db  *gorm.DB
	cfg config.ShadowBanConfig

	mu         sync.Mutex
	pauseUntil time.Time
}

func New(db *gorm.DB, cfg config.ShadowBanConfig) *Breaker {
	return &Breaker{db: db, cfg: cfg}
}

// IsBanned reports whether a catalog response looks like a shadow ban.
func (b *Breaker) IsBanned(itemsFound, payloadSize int) bool {
	if itemsFound < b.cfg.MinItems && payloadSize > b.cfg.LargePayloadSize {
		return true
	}
	if itemsFound == 0 && payloadSize > b.cfg.LowPayloadSize {
		return true
	}
	return false
}

// RecordAndPause logs a detection, picks a randomized pause inside the
// configured bounds, and persists the deadline. The returned duration is the
// chosen pause length.
func (b *Breaker) RecordAndPause(ctx context.Context, catalogURL string, itemsFound, payloadSize int) (time.Duration, error) {
	span := b.cfg.MaxPause - b.cfg.MinPause
	pause := b.cfg.MinPause
	if span > 0 {
		pause += time.Duration(rand.Int63n(int64(span)))
	}
	until := time.Now().Add(pause)

	b.mu.Lock()
	b.pauseUntil = until
	b.mu.Unlock()

	metrics.ShadowBanDetections.Inc()
	log.Warn().
		Str("catalog_url", catalogURL).
		Int("items_found", itemsFound).
		Int("payload_size", payloadSize).
		Time("pause_until", until).
		Msg("shadow ban detected, pausing discovery")

	if err := repo.AddShadowBanEvent(ctx, b.db, catalogURL, itemsFound, payloadSize); err != nil {
		return pause, err
	}
	if err := repo.SetSetting(ctx, b.db, repo.SettingPauseUntil, strconv.FormatInt(until.Unix(), 10)); err != nil {
		return pause, err
	}
	return pause, nil
}

// CanContinue reports whether discovery may run. An elapsed pause is cleared
// from the settings store on the first call that observes it.
func (b *Breaker) CanContinue(ctx context.Context) (bool, error) {
	until, err := b.deadline(ctx)
	if err != nil {
		return false, err
	}
	if until.IsZero() {
		return true, nil
	}
	if time.Now().Before(until) {
		return false, nil
	}

	b.mu.Lock()
	b.pauseUntil = time.Time{}
	b.mu.Unlock()
	if err := repo.SetSetting(ctx, b.db, repo.SettingPauseUntil, ""); err != nil {
		return true, err
	}
	log.Info().Msg("shadow ban pause elapsed, resuming discovery")
	return true, nil
}

// Status returns the current breaker view for operators.
func (b *Breaker) Status(ctx context.Context) (Status, error) {
	var s Status
	until, err := b.deadline(ctx)
	if err != nil {
		return s, err
	}
	if !until.IsZero() && time.Now().Before(until) {
		s.Paused = true
		s.PauseUntil = &until
	}
	s.Detections, err = repo.CountShadowBanEvents(ctx, b.db)
	return s, err
}

// deadline resolves the effective pause deadline, preferring the persisted
// value so a pause set by a peer instance is honored here too.
func (b *Breaker) deadline(ctx context.Context) (time.Time, error) {
	raw, err := repo.GetSetting(ctx, b.db, repo.SettingPauseUntil, "")
	if err != nil {
		b.mu.Lock()
		cached := b.pauseUntil
		b.mu.Unlock()
		return cached, err
	}
	if raw == "" {
		return time.Time{}, nil
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Unparseable state should not stall publishing forever.
		log.Error().Str("value", raw).Msg("discarding malformed shadow ban pause deadline")
		return time.Time{}, repo.SetSetting(ctx, b.db, repo.SettingPauseUntil, "")
	}
	until := time.Unix(unix, 0)

	b.mu.Lock()
	b.pauseUntil = until
	b.mu.Unlock()
	return until, nil
}
