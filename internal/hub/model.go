package hub

import (
	"github.com/scriptorlab/scriptor/internal/sync"
)

// Note models the hub's persisted note row with sync bookkeeping.
type Note struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_notes_user_updated,priority:1"`
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_notes_user_updated,priority:2"`
	DeletedAtSeconds int64  `gorm:"column:deleted_at_s;not null;default:0"`
	ServerUpdatedAtS int64  `gorm:"column:server_updated_at_s;not null;default:0"`
	ServerDeletedAtS int64  `gorm:"column:server_deleted_at_s;not null;default:0"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	LastDevice       string `gorm:"column:last_device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Tombstoned reports whether the row is soft-deleted.
func (n Note) Tombstoned() bool {
	return n.DeletedAtSeconds > 0
}

// Tag models the hub's persisted tag row. ParentID forms the tag tree; it is written in a
// second pass after every tag row in a batch exists.
type Tag struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_tags_user_updated,priority:1"`
	TagID            string `gorm:"column:tag_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:190;not null"`
	Color            string `gorm:"column:color;size:32;not null;default:''"`
	ParentID         string `gorm:"column:parent_id;size:190;not null;default:''"`
	SortOrder        int64  `gorm:"column:sort_order;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_tags_user_updated,priority:2"`
	DeletedAtSeconds int64  `gorm:"column:deleted_at_s;not null;default:0"`
	ServerUpdatedAtS int64  `gorm:"column:server_updated_at_s;not null;default:0"`
	ServerDeletedAtS int64  `gorm:"column:server_deleted_at_s;not null;default:0"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	LastDevice       string `gorm:"column:last_device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string {
	return "tags"
}

// Tombstoned reports whether the row is soft-deleted.
func (t Tag) Tombstoned() bool {
	return t.DeletedAtSeconds > 0
}

// NoteTagLink joins notes to tags. Link rows are owned by the note side and are removed
// when the note is purged; the tag row itself is shared and survives.
type NoteTagLink struct {
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`
	NoteID string `gorm:"column:note_id;primaryKey;size:190;not null"`
	TagID  string `gorm:"column:tag_id;primaryKey;size:190;not null;index:idx_links_tag"`
}

// TableName provides the explicit table binding for GORM.
func (NoteTagLink) TableName() string {
	return "note_tag_links"
}

// ChangeLogEntry is one row of the append-only ledger behind cursor pulls. LogID is the
// cursor: sqlite rowid autoincrement keeps it strictly increasing.
type ChangeLogEntry struct {
	LogID            int64           `gorm:"column:log_id;primaryKey;autoIncrement"`
	ChangeID         string          `gorm:"column:change_id;size:190;not null"`
	UserID           string          `gorm:"column:user_id;size:190;not null;index:idx_changelog_user,priority:1"`
	EntityType       sync.EntityType `gorm:"column:entity_type;size:16;not null"`
	EntityID         string          `gorm:"column:entity_id;size:190;not null"`
	Version          int64           `gorm:"column:version;not null"`
	ServerUpdatedAtS int64           `gorm:"column:server_updated_at_s;not null"`
	ServerDeletedAtS int64           `gorm:"column:server_deleted_at_s;not null;default:0"`
	Operation        sync.Operation  `gorm:"column:op;size:16;not null"`
	AppliedAtSeconds int64           `gorm:"column:applied_at_s;not null"`
	Device           string          `gorm:"column:device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeLogEntry) TableName() string {
	return "change_log"
}
