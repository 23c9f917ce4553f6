// Package domain defines the persistence models for the publishing pipeline:
// the durable queue, the per-entry publishing state machine, the posted-item
// ledger, the publication history archive, the shadow-ban detection log, and
// the settings key/value store. These types are mapped with GORM and form the
// core data layer of the application.
package domain

import "time"

// Queue entry statuses. Entries are never deleted; they are marked done or
// error so the queue doubles as an audit trail.
const (
	QueueStatusPending = "pending"
	QueueStatusDone    = "done"
	QueueStatusError   = "error"
)

// Publishing state machine states. Posted and Failed are terminal.
const (
	StateQueued     = "queued"
	StateProcessing = "processing"
	StateReady      = "ready"
	StatePosted     = "posted"
	StateFailed     = "failed"
)

// QueueEntry is a candidate awaiting publication.
//
// NormalizedURL carries a UNIQUE index: it is the primary duplicate-submission
// guard, making concurrent enqueues of the same logical item safe without any
// external locking. ProductKey is the content-based identity (40 hex chars,
// SHA-1) used for URL-independent dedup against the posted ledger.
type QueueEntry struct {
	ID            string     `json:"id"             gorm:"type:char(36);primaryKey"`
	URL           string     `json:"url"            gorm:"type:text;not null"`
	NormalizedURL string     `json:"normalized_url" gorm:"type:varchar(512);not null;uniqueIndex:ux_queue_normalized"`
	ProductKey    string     `json:"product_key"    gorm:"type:char(40);not null;index:idx_queue_product_key"`
	Priority      int        `json:"priority"       gorm:"not null;default:0;index:idx_queue_claim,priority:1"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	Status        string     `json:"status"         gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','done','error');index:idx_queue_claim,priority:2"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TableName returns the database table name for QueueEntry.
func (QueueEntry) TableName() string { return "queue" }

// PublishingEntry is the state-machine record for one QueueEntry, keyed 1:1
// by the queue id. It is created atomically with its QueueEntry and mutated
// exclusively through the guarded transition operation in the repo layer.
//
// Attempts counts reaper requeues; once it reaches the configured budget a
// stuck entry is failed instead of requeued.
type PublishingEntry struct {
	QueueID       string     `json:"queue_id"       gorm:"type:char(36);primaryKey"`
	URL           string     `json:"url"            gorm:"type:text;not null"`
	State         string     `json:"state"          gorm:"type:varchar(16);not null;default:'queued';check:state IN ('queued','processing','ready','posted','failed');index:idx_publishing_state"`
	MessageID     int        `json:"message_id,omitempty"`
	ChatID        int64      `json:"chat_id,omitempty"`
	Text          string     `json:"text,omitempty"  gorm:"type:text"`
	Title         string     `json:"title,omitempty" gorm:"type:text"`
	Attempts      int        `json:"attempts"       gorm:"not null;default:0"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty" gorm:"index:idx_publishing_scheduled"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"     gorm:"index:idx_publishing_updated"`
	Error         string     `json:"error,omitempty" gorm:"type:text"`
}

// TableName returns the database table name for PublishingEntry.
func (PublishingEntry) TableName() string { return "publishing_state" }

// PostedProduct records that a product key was published, independent of URL,
// so the same physical item re-listed under a different URL is still caught
// within the dedup lookback window. Append-only; pruned by age.
type PostedProduct struct {
	ID         uint      `json:"id"          gorm:"primaryKey;autoIncrement"`
	ProductKey string    `json:"product_key" gorm:"type:char(40);not null;index:idx_posted_product_key"`
	URL        string    `json:"url"         gorm:"type:text"`
	PostedAt   time.Time `json:"posted_at"   gorm:"index:idx_posted_at"`
}

// TableName returns the database table name for PostedProduct.
func (PostedProduct) TableName() string { return "posted_products" }

// HistoryRecord archives everything actually published. NormalizedURL is
// UNIQUE: the history is the second duplicate guard and the source of
// "was this ever posted" queries. Deleted is set later by an external
// cleanup collaborator; rows are never physically removed here.
type HistoryRecord struct {
	ID            uint      `json:"id"             gorm:"primaryKey;autoIncrement"`
	NormalizedURL string    `json:"normalized_url" gorm:"type:varchar(512);not null;uniqueIndex:ux_history_normalized"`
	URL           string    `json:"url"            gorm:"type:text;not null"`
	ContentHash   string    `json:"content_hash"   gorm:"type:varchar(64);index:idx_history_content"`
	Title         string    `json:"title"          gorm:"type:text"`
	MessageID     int       `json:"message_id"`
	ChannelID     int64     `json:"channel_id"`
	PostedAt      time.Time `json:"posted_at"      gorm:"index:idx_history_posted_at"`
	Deleted       bool      `json:"deleted"        gorm:"not null;default:false"`
}

// TableName returns the database table name for HistoryRecord.
func (HistoryRecord) TableName() string { return "history" }

// ShadowBanEvent is one row of the append-only shadow-ban detection log.
type ShadowBanEvent struct {
	ID          uint      `json:"id"           gorm:"primaryKey;autoIncrement"`
	CatalogURL  string    `json:"catalog_url"  gorm:"type:text;not null"`
	ItemsFound  int       `json:"items_found"  gorm:"not null"`
	PayloadSize int       `json:"payload_size" gorm:"not null"`
	DetectedAt  time.Time `json:"detected_at"  gorm:"index:idx_shadowban_detected"`
}

// TableName returns the database table name for ShadowBanEvent.
func (ShadowBanEvent) TableName() string { return "shadow_ban_log" }

// Setting is a simple key/value row backing operator toggles (auto-publish
// on/off) and the persisted shadow-ban pause.
type Setting struct {
	Key       string    `json:"key"   gorm:"type:varchar(64);primaryKey"`
	Value     string    `json:"value" gorm:"type:text;not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Setting.
func (Setting) TableName() string { return "settings" }

// CanTransition reports whether the publishing state machine allows moving
// from state `from` to state `to`.
//
// Valid edges:
//
//	queued     → processing
//	processing → ready | failed
//	ready      → posted | failed
//
// posted and failed are terminal.
func CanTransition(from, to string) bool {
	switch from {
	case StateQueued:
		return to == StateProcessing
	case StateProcessing:
		return to == StateReady || to == StateFailed
	case StateReady:
		return to == StatePosted || to == StateFailed
	default:
		return false
	}
}

// TransitionSources returns the set of states from which `to` is reachable.
// The repo layer uses it to build guarded conditional updates.
func TransitionSources(to string) []string {
	var out []string
	for _, from := range []string{StateQueued, StateProcessing, StateReady, StatePosted, StateFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
