package store

import "github.com/scriptorlab/scriptor/internal/sync"

// LocalNote is the device-side note row. updated_at_s/deleted_at_s reflect this device's
// view; server_updated_at_s/server_deleted_at_s hold the last hub-confirmed view. The
// row is dirty while the local pair is strictly ahead of the server pair.
type LocalNote struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_local_notes_updated"`
	DeletedAtSeconds int64  `gorm:"column:deleted_at_s;not null;default:0"`
	ServerUpdatedAtS int64  `gorm:"column:server_updated_at_s;not null;default:0"`
	ServerDeletedAtS int64  `gorm:"column:server_deleted_at_s;not null;default:0"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	LastDevice       string `gorm:"column:last_device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (LocalNote) TableName() string {
	return "local_notes"
}

// Tombstoned reports whether the row is soft-deleted.
func (n LocalNote) Tombstoned() bool {
	return n.DeletedAtSeconds > 0
}

// Dirty reports whether the row carries changes the hub has not confirmed.
func (n LocalNote) Dirty() bool {
	return n.UpdatedAtSeconds > n.ServerUpdatedAtS || n.DeletedAtSeconds > n.ServerDeletedAtS
}

// LocalTag is the device-side tag row.
type LocalTag struct {
	TagID            string `gorm:"column:tag_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:190;not null"`
	Color            string `gorm:"column:color;size:32;not null;default:''"`
	ParentID         string `gorm:"column:parent_id;size:190;not null;default:''"`
	SortOrder        int64  `gorm:"column:sort_order;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_local_tags_updated"`
	DeletedAtSeconds int64  `gorm:"column:deleted_at_s;not null;default:0"`
	ServerUpdatedAtS int64  `gorm:"column:server_updated_at_s;not null;default:0"`
	ServerDeletedAtS int64  `gorm:"column:server_deleted_at_s;not null;default:0"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	LastDevice       string `gorm:"column:last_device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (LocalTag) TableName() string {
	return "local_tags"
}

// Tombstoned reports whether the row is soft-deleted.
func (t LocalTag) Tombstoned() bool {
	return t.DeletedAtSeconds > 0
}

// Dirty reports whether the row carries changes the hub has not confirmed.
func (t LocalTag) Dirty() bool {
	return t.UpdatedAtSeconds > t.ServerUpdatedAtS || t.DeletedAtSeconds > t.ServerDeletedAtS
}

// LocalNoteTagLink joins local notes to local tags. Link rows are owned by the note and
// removed with it; the tag row is shared and survives a note's deletion.
type LocalNoteTagLink struct {
	NoteID string `gorm:"column:note_id;primaryKey;size:190;not null"`
	TagID  string `gorm:"column:tag_id;primaryKey;size:190;not null;index:idx_local_links_tag"`
}

// TableName provides the explicit table binding for GORM.
func (LocalNoteTagLink) TableName() string {
	return "local_note_tag_links"
}

// PurgeEntry is one row of the durable Hard-Delete Queue: an id whose row is already
// gone locally but whose permanent removal the hub has not yet acknowledged.
type PurgeEntry struct {
	EntityType sync.EntityType `gorm:"column:entity_type;primaryKey;size:16;not null"`
	EntityID   string          `gorm:"column:entity_id;primaryKey;size:190;not null"`
	QueuedAtS  int64           `gorm:"column:queued_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PurgeEntry) TableName() string {
	return "purge_queue"
}

// SyncState is the single-row bookkeeping table behind cursor and throttle decisions.
type SyncState struct {
	Key           string `gorm:"column:key;primaryKey;size:32;not null"`
	Cursor        int64  `gorm:"column:cursor;not null;default:0"`
	LastSyncedAtS int64  `gorm:"column:last_synced_at_s;not null;default:0"`
	DeviceID      string `gorm:"column:device_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "sync_state"
}
