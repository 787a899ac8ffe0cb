package devices

import (
	"strings"
	"time"
)

// Device captures one physical client device known to the hub, keyed by the owning user.
// The registry is diagnostic provenance only; sync correctness never depends on it.
type Device struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DeviceID   string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	Label      string    `gorm:"column:label;size:320"`
	PushCount  int64     `gorm:"column:push_count;not null;default:0"`
	LastCursor int64     `gorm:"column:last_cursor;not null;default:0"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the device registry.
func (Device) TableName() string {
	return "devices"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
