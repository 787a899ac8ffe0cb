package hub

import (
	"encoding/json"
	"time"

	"github.com/scriptorlab/scriptor/internal/sync"
)

const staleBaseVersionMessage = "base version is behind the server; pull and reapply"

// noteOutcome captures the decision from resolveNotePush.
type noteOutcome struct {
	Accepted bool
	Updated  *Note
	Conflict *sync.ConflictDTO
	LogEntry *ChangeLogEntry
}

// tagOutcome captures the decision from resolveTagPush.
type tagOutcome struct {
	Accepted bool
	Updated  *Tag
	Conflict *sync.ConflictDTO
	LogEntry *ChangeLogEntry
}

// resolveNotePush runs the version gate for one pushed note against the stored row
// (nil when the hub has never seen the id). The gate is the only conflict signal;
// client wall-clock values are never consulted. Server timestamps always come from
// receivedAt, the hub's own clock. existingTagIDs are the stored row's tag
// associations, surfaced in the conflict descriptor so manual resolution sees the
// full server record.
func resolveNotePush(existing *Note, existingTagIDs []string, pushed sync.NoteDTO, receivedAt time.Time, device string) noteOutcome {
	storedVersion := int64(0)
	if existing != nil {
		storedVersion = existing.Version
	}

	gate := sync.NewVersionGate(pushed.BaseVersion, storedVersion)
	if !gate.Admit(storedVersion) {
		return noteOutcome{
			Accepted: false,
			Conflict: noteConflict(existing, existingTagIDs, pushed),
		}
	}

	updated := Note{
		NoteID:           pushed.ID,
		Content:          pushed.Content,
		CreatedAtSeconds: pushed.CreatedAtSeconds,
		UpdatedAtSeconds: pushed.UpdatedAtSeconds,
		DeletedAtSeconds: pushed.DeletedAtSeconds,
		ServerUpdatedAtS: receivedAt.Unix(),
		Version:          gate.Next,
		LastDevice:       device,
	}
	if existing != nil && existing.CreatedAtSeconds > 0 {
		updated.CreatedAtSeconds = existing.CreatedAtSeconds
	}
	if updated.CreatedAtSeconds == 0 {
		updated.CreatedAtSeconds = receivedAt.Unix()
	}

	operation := sync.OperationUpsert
	if updated.DeletedAtSeconds > 0 {
		operation = sync.OperationDelete
		updated.ServerDeletedAtS = receivedAt.Unix()
	}

	entry := &ChangeLogEntry{
		EntityType:       sync.EntityTypeNote,
		EntityID:         pushed.ID,
		Version:          updated.Version,
		ServerUpdatedAtS: updated.ServerUpdatedAtS,
		ServerDeletedAtS: updated.ServerDeletedAtS,
		Operation:        operation,
		AppliedAtSeconds: receivedAt.Unix(),
		Device:           device,
	}

	return noteOutcome{Accepted: true, Updated: &updated, LogEntry: entry}
}

// resolveTagPush mirrors resolveNotePush for tags. The parent link is intentionally
// absent from the updated row here; it is assigned in the handler's second pass once
// every tag row in the batch exists.
func resolveTagPush(existing *Tag, pushed sync.TagDTO, receivedAt time.Time, device string) tagOutcome {
	storedVersion := int64(0)
	if existing != nil {
		storedVersion = existing.Version
	}

	gate := sync.NewVersionGate(pushed.BaseVersion, storedVersion)
	if !gate.Admit(storedVersion) {
		return tagOutcome{
			Accepted: false,
			Conflict: tagConflict(existing, pushed),
		}
	}

	updated := Tag{
		TagID:            pushed.ID,
		Name:             pushed.Name,
		Color:            pushed.Color,
		SortOrder:        pushed.SortOrder,
		CreatedAtSeconds: pushed.CreatedAtSeconds,
		UpdatedAtSeconds: pushed.UpdatedAtSeconds,
		DeletedAtSeconds: pushed.DeletedAtSeconds,
		ServerUpdatedAtS: receivedAt.Unix(),
		Version:          gate.Next,
		LastDevice:       device,
	}
	if existing != nil {
		updated.ParentID = existing.ParentID
		if existing.CreatedAtSeconds > 0 {
			updated.CreatedAtSeconds = existing.CreatedAtSeconds
		}
	}
	if updated.CreatedAtSeconds == 0 {
		updated.CreatedAtSeconds = receivedAt.Unix()
	}

	operation := sync.OperationUpsert
	if updated.DeletedAtSeconds > 0 {
		operation = sync.OperationDelete
		updated.ServerDeletedAtS = receivedAt.Unix()
	}

	entry := &ChangeLogEntry{
		EntityType:       sync.EntityTypeTag,
		EntityID:         pushed.ID,
		Version:          updated.Version,
		ServerUpdatedAtS: updated.ServerUpdatedAtS,
		ServerDeletedAtS: updated.ServerDeletedAtS,
		Operation:        operation,
		AppliedAtSeconds: receivedAt.Unix(),
		Device:           device,
	}

	return tagOutcome{Accepted: true, Updated: &updated, LogEntry: entry}
}

func noteConflict(existing *Note, existingTagIDs []string, pushed sync.NoteDTO) *sync.ConflictDTO {
	conflict := &sync.ConflictDTO{
		EntityType: sync.EntityTypeNote,
		ID:         pushed.ID,
		Message:    staleBaseVersionMessage,
	}
	if existing != nil {
		conflict.ServerVersion = existing.Version
		conflict.ServerContent = marshalRaw(noteToDTO(*existing, existingTagIDs))
	}
	conflict.ClientContent = marshalRaw(pushed)
	return conflict
}

func tagConflict(existing *Tag, pushed sync.TagDTO) *sync.ConflictDTO {
	conflict := &sync.ConflictDTO{
		EntityType: sync.EntityTypeTag,
		ID:         pushed.ID,
		Message:    staleBaseVersionMessage,
	}
	if existing != nil {
		conflict.ServerVersion = existing.Version
		conflict.ServerContent = marshalRaw(tagToDTO(*existing))
	}
	conflict.ClientContent = marshalRaw(pushed)
	return conflict
}

func marshalRaw(value interface{}) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return raw
}

func noteToDTO(row Note, tagIDs []string) sync.NoteDTO {
	return sync.NoteDTO{
		ID:               row.NoteID,
		Content:          row.Content,
		TagIDs:           tagIDs,
		CreatedAtSeconds: row.CreatedAtSeconds,
		UpdatedAtSeconds: row.UpdatedAtSeconds,
		DeletedAtSeconds: row.DeletedAtSeconds,
		Version:          row.Version,
		LastDevice:       row.LastDevice,
	}
}

func tagToDTO(row Tag) sync.TagDTO {
	return sync.TagDTO{
		ID:               row.TagID,
		Name:             row.Name,
		Color:            row.Color,
		ParentID:         row.ParentID,
		SortOrder:        row.SortOrder,
		CreatedAtSeconds: row.CreatedAtSeconds,
		UpdatedAtSeconds: row.UpdatedAtSeconds,
		DeletedAtSeconds: row.DeletedAtSeconds,
		Version:          row.Version,
		LastDevice:       row.LastDevice,
	}
}
