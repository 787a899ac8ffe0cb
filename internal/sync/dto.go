package sync

import "encoding/json"

// NoteDTO is the wire shape of a note record. baseVersion travels only on pushes and is
// never persisted; version is only ever assigned by the hub.
type NoteDTO struct {
	ID               string   `json:"id"`
	Content          string   `json:"content"`
	TagIDs           []string `json:"tag_ids,omitempty"`
	CreatedAtSeconds int64    `json:"created_at_s"`
	UpdatedAtSeconds int64    `json:"updated_at_s"`
	DeletedAtSeconds int64    `json:"deleted_at_s,omitempty"`
	Version          int64    `json:"version,omitempty"`
	BaseVersion      int64    `json:"base_version,omitempty"`
	ClientUpdatedAtS int64    `json:"client_updated_at_s,omitempty"`
	LastDevice       string   `json:"last_modified_by_device_id,omitempty"`
}

// TagDTO is the wire shape of a tag record. Tags form a tree through ParentID.
type TagDTO struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Color            string `json:"color,omitempty"`
	ParentID         string `json:"parent_id,omitempty"`
	SortOrder        int64  `json:"sort_order,omitempty"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
	DeletedAtSeconds int64  `json:"deleted_at_s,omitempty"`
	Version          int64  `json:"version,omitempty"`
	BaseVersion      int64  `json:"base_version,omitempty"`
	ClientUpdatedAtS int64  `json:"client_updated_at_s,omitempty"`
	LastDevice       string `json:"last_modified_by_device_id,omitempty"`
}

// ConflictDTO describes a rejected push so a client or user can resolve it.
type ConflictDTO struct {
	EntityType    EntityType      `json:"entity_type"`
	ID            string          `json:"id"`
	ServerVersion int64           `json:"server_version"`
	ServerContent json.RawMessage `json:"server_content,omitempty"`
	ClientContent json.RawMessage `json:"client_content,omitempty"`
	Message       string          `json:"message"`
}

// PushRequest carries one device's dirty records plus its pending hard deletes.
type PushRequest struct {
	DeviceID           string    `json:"device_id"`
	Cursor             int64     `json:"cursor,omitempty"`
	Notes              []NoteDTO `json:"notes,omitempty"`
	Tags               []TagDTO  `json:"tags,omitempty"`
	HardDeletedNoteIDs []string  `json:"hard_deleted_note_ids,omitempty"`
	HardDeletedTagIDs  []string  `json:"hard_deleted_tag_ids,omitempty"`
}

// ChangeSet is the pulled view of everything that moved since the client's cursor.
type ChangeSet struct {
	Notes              []NoteDTO `json:"notes,omitempty"`
	Tags               []TagDTO  `json:"tags,omitempty"`
	HardDeletedNoteIDs []string  `json:"hard_deleted_note_ids,omitempty"`
	HardDeletedTagIDs  []string  `json:"hard_deleted_tag_ids,omitempty"`
}

// SyncResponse is returned by both push and pull endpoints.
type SyncResponse struct {
	Cursor            int64         `json:"cursor"`
	Changes           ChangeSet     `json:"changes"`
	Conflicts         []ConflictDTO `json:"conflicts,omitempty"`
	AcknowledgedNotes []string      `json:"acknowledged_hard_deleted_note_ids,omitempty"`
	AcknowledgedTags  []string      `json:"acknowledged_hard_deleted_tag_ids,omitempty"`
	ServerTimeSeconds int64         `json:"server_time_s"`
}

// PullRequest asks for changes past the supplied cursor; zero means full resync.
type PullRequest struct {
	DeviceID string `json:"device_id,omitempty"`
	Cursor   int64  `json:"cursor"`
}
