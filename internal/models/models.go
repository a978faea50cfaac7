package models

import (
	"time"
)

// RoleName enumerates console roles.
type RoleName string

const (
	RoleAdmin    RoleName = "admin"
	RoleOperator RoleName = "operator"
)

// User represents an authenticated console account.
type User struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Email     string `gorm:"uniqueIndex"`
	Password  string
	Role      RoleName `gorm:"type:varchar(16)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lane identifies one of the two sub-queues that form a player's total order.
type Lane string

const (
	LanePriority Lane = "priority"
	LaneNormal   Lane = "normal"
)

// Valid reports whether the lane is a known value.
func (l Lane) Valid() bool {
	return l == LanePriority || l == LaneNormal
}

// Player is the configuration identity for a playback endpoint. The
// priority marker records which playback instance is currently authoritative
// for queue advancement; it is mutated only by the election service and the
// explicit reset operation.
type Player struct {
	ID                 string `gorm:"type:uuid;primaryKey"`
	Name               string `gorm:"uniqueIndex"`
	APIKey             string `gorm:"uniqueIndex"`
	FreePlay           bool
	CreditCost         int
	PriorityInstanceID *string `gorm:"type:uuid;index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MediaItem is a playable catalog entry, unique by (source_type, source_id).
type MediaItem struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	SourceType   string `gorm:"type:varchar(32);uniqueIndex:idx_media_identity"`
	SourceID     string `gorm:"type:varchar(128);uniqueIndex:idx_media_identity"`
	Title        string `gorm:"index"`
	Artist       string `gorm:"index"`
	URL          string
	DurationSec  int
	ThumbnailURL string
	Metadata     map[string]any `gorm:"serializer:json;type:jsonb"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// QueueEntry is one pending (or consumed) play request in a player's queue.
// Unplayed entries within a (player, lane) pair carry strictly increasing
// position values; consumed entries are retained for history and excluded
// from the pending order.
type QueueEntry struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	PlayerID    string `gorm:"type:uuid;index:idx_queue_player_lane"`
	MediaItemID string `gorm:"type:uuid;index"`
	MediaItem   MediaItem
	Lane        Lane `gorm:"type:varchar(16);index:idx_queue_player_lane"`
	Position    int
	RequestedBy string
	SessionID   *string    `gorm:"type:uuid"`
	ConsumedAt  *time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// Consumed reports whether the entry has been popped by the advance operation.
func (e QueueEntry) Consumed() bool {
	return e.ConsumedAt != nil
}

// PlayerState enumerates playback lifecycle states.
type PlayerState string

const (
	StateIdle    PlayerState = "idle"
	StateLoading PlayerState = "loading"
	StatePlaying PlayerState = "playing"
	StatePaused  PlayerState = "paused"
	StateError   PlayerState = "error"
)

// Valid reports whether the state is a known value.
func (s PlayerState) Valid() bool {
	switch s {
	case StateIdle, StateLoading, StatePlaying, StatePaused, StateError:
		return true
	}
	return false
}

// PlayerStatus is the single status row per configured player. It is never
// created implicitly; the registry seeds one row per player at startup.
type PlayerStatus struct {
	PlayerID       string      `gorm:"type:uuid;primaryKey"`
	State          PlayerState `gorm:"type:varchar(16)"`
	CurrentMediaID *string     `gorm:"type:uuid"`
	CurrentMedia   *MediaItem  `gorm:"foreignKey:CurrentMediaID"`
	Progress       float64
	UpdatedAt      time.Time
	LastSeenAt     time.Time
}

// KioskSession is the ephemeral identity of a public request terminal.
// Credits never go negative; the debit path is a conditional decrement.
type KioskSession struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	PlayerID  string `gorm:"type:uuid;index"`
	Credits   int
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
