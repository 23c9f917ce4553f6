// Package repo implements the data persistence layer for the publishing
// pipeline, backed by GORM. This file provides the settings key/value store
// (operator toggles, persisted shadow-ban pause) and the shadow-ban
// detection log.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-publisher-backend/internal/domain"
)

// Well-known settings keys.
const (
	SettingAutoPublish      = "auto_publish_enabled"
	SettingPauseUntil       = "shadow_ban_pause_until"
	SettingPostsSinceDigest = "posts_since_digest"
	SettingDigestArmed      = "digest_armed"
	SettingLastPostDay      = "last_post_day"
)

// GetSetting returns the value for key, or def when the key is absent.
func GetSetting(ctx context.Context, db *gorm.DB, key, def string) (string, error) {
	var s domain.Setting
	err := db.WithContext(ctx).Where("key = ?", key).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return s.Value, nil
}

// SetSetting upserts a key/value pair. The write is a single INSERT ... ON
// CONFLICT so concurrent writers resolve to last-writer-wins at the store,
// never a read-modify-write race.
func SetSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	s := domain.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&s).Error
}

// AddShadowBanEvent appends one detection to the shadow-ban log.
func AddShadowBanEvent(ctx context.Context, db *gorm.DB, catalogURL string, itemsFound, payloadSize int) error {
	ev := &domain.ShadowBanEvent{
		CatalogURL:  catalogURL,
		ItemsFound:  itemsFound,
		PayloadSize: payloadSize,
		DetectedAt:  time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(ev).Error
}

// CountShadowBanEvents returns the size of the detection log.
func CountShadowBanEvents(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.ShadowBanEvent{}).Count(&n).Error
	return n, err
}
