// Package repo implements the data persistence layer for the publishing
// pipeline, backed by GORM. This file provides the publishing state machine:
// guarded, atomic transitions plus the queries the reaper needs to resolve
// entries abandoned by a crashed worker.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-publisher-backend/internal/domain"
)

// TransitionOpts carries the optional fields a transition may record.
type TransitionOpts struct {
	MessageID int
	ChatID    int64
	Text      string
	Error     string
}

// Transition atomically advances a publishing entry to newState.
//
// The guard is a conditional UPDATE: the row is matched on queue_id AND on
// the set of states from which newState is legally reachable. A retried or
// racing worker therefore can never complete the same entry twice: the
// second UPDATE matches zero rows and Transition returns false, leaving the
// state and updated_at untouched.
func Transition(ctx context.Context, db *gorm.DB, queueID, newState string, opts *TransitionOpts) (bool, error) {
	sources := domain.TransitionSources(newState)
	if len(sources) == 0 {
		return false, nil
	}

	updates := map[string]any{
		"state":      newState,
		"updated_at": time.Now().UTC(),
	}
	if opts != nil {
		if opts.MessageID != 0 {
			updates["message_id"] = opts.MessageID
		}
		if opts.ChatID != 0 {
			updates["chat_id"] = opts.ChatID
		}
		if opts.Text != "" {
			updates["text"] = opts.Text
		}
		if opts.Error != "" {
			updates["error"] = opts.Error
		}
	}

	res := db.WithContext(ctx).
		Model(&domain.PublishingEntry{}).
		Where("queue_id = ? AND state IN ?", queueID, sources).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetPublishingEntry fetches the state-machine record for a queue id,
// or ErrNotFound.
func GetPublishingEntry(ctx context.Context, db *gorm.DB, queueID string) (*domain.PublishingEntry, error) {
	var entry domain.PublishingEntry
	err := db.WithContext(ctx).Where("queue_id = ?", queueID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// inFlightStates are the non-terminal states a worker can die in. An entry
// abandoned in either one blocks its queue row forever unless the reaper
// resolves it: "ready" is reached before the external send, so a crash (or a
// cancelled limiter wait) between the ready transition and the publish leaves
// the entry there with its queue row still pending.
var inFlightStates = []string{domain.StateProcessing, domain.StateReady}

// StaleInFlight returns entries stuck in "processing" or "ready" whose last
// update is older than cutoff, oldest first. These are the candidates a
// reaper must resolve: their worker is presumed crashed.
func StaleInFlight(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.PublishingEntry, error) {
	var out []domain.PublishingEntry
	err := db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", inFlightStates, cutoff).
		Order("updated_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Requeue is the reaper's privileged edge: it moves a stale in-flight entry
// back to "queued" and bumps its attempt counter, so the scheduler can retry
// it. It is deliberately NOT part of Transition's graph: only the reaper may
// rewind an entry, and only from "processing" or "ready".
//
// Returns false when the row was no longer in flight (the presumed-dead
// worker finished after all).
func Requeue(ctx context.Context, db *gorm.DB, queueID string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.PublishingEntry{}).
		Where("queue_id = ? AND state IN ?", queueID, inFlightStates).
		Updates(map[string]any{
			"state":      domain.StateQueued,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CountByState returns publishing entry counts grouped by state, for the
// operational status endpoint.
func CountByState(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	type row struct {
		State string
		N     int64
	}
	var rows []row
	err := db.WithContext(ctx).
		Model(&domain.PublishingEntry{}).
		Select("state, count(*) as n").
		Group("state").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}
