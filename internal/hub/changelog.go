package hub

import (
	"context"
	"errors"

	"github.com/scriptorlab/scriptor/internal/sync"
	"gorm.io/gorm"
)

// CollectChanges answers a pull. A zero cursor means full resync: the current snapshot of
// every active and tombstoned row, no log replay. Otherwise log entries past the cursor
// are coalesced to one per (entityType, entityId) and the current rows are returned;
// intermediate states between two syncs intentionally collapse under last-writer-wins.
// The returned cursor is the highest log id observed.
func (s *Service) CollectChanges(ctx context.Context, userID sync.UserID, cursor int64) (sync.ChangeSet, int64, error) {
	if userID.String() == "" {
		s.logError(opCollectChanges, "missing_user_id", errMissingUserID)
		return sync.ChangeSet{}, 0, newServiceError(opCollectChanges, "missing_user_id", errMissingUserID)
	}

	db := s.db.WithContext(ctx)

	if cursor <= 0 {
		return s.fullSnapshot(db, userID.String())
	}

	var entries []ChangeLogEntry
	if err := db.
		Where("user_id = ? AND log_id > ?", userID.String(), cursor).
		Order("log_id ASC").
		Find(&entries).Error; err != nil {
		s.logError(opCollectChanges, "changelog_scan_failed", err)
		return sync.ChangeSet{}, 0, newServiceError(opCollectChanges, "changelog_scan_failed", err)
	}

	newCursor := cursor
	latest := make(map[string]ChangeLogEntry, len(entries))
	for _, entry := range entries {
		if entry.LogID > newCursor {
			newCursor = entry.LogID
		}
		key := string(entry.EntityType) + ":" + entry.EntityID
		latest[key] = entry
	}

	changes := sync.ChangeSet{}
	for _, entry := range latest {
		switch {
		case entry.Operation == sync.OperationPurge && entry.EntityType == sync.EntityTypeNote:
			changes.HardDeletedNoteIDs = append(changes.HardDeletedNoteIDs, entry.EntityID)
		case entry.Operation == sync.OperationPurge && entry.EntityType == sync.EntityTypeTag:
			changes.HardDeletedTagIDs = append(changes.HardDeletedTagIDs, entry.EntityID)
		case entry.EntityType == sync.EntityTypeNote:
			dto, found, err := s.currentNote(db, userID.String(), entry.EntityID)
			if err != nil {
				return sync.ChangeSet{}, 0, err
			}
			if found {
				changes.Notes = append(changes.Notes, dto)
			}
		case entry.EntityType == sync.EntityTypeTag:
			dto, found, err := s.currentTag(db, userID.String(), entry.EntityID)
			if err != nil {
				return sync.ChangeSet{}, 0, err
			}
			if found {
				changes.Tags = append(changes.Tags, dto)
			}
		}
	}

	return changes, newCursor, nil
}

func (s *Service) fullSnapshot(db *gorm.DB, userID string) (sync.ChangeSet, int64, error) {
	changes := sync.ChangeSet{}

	var notes []Note
	if err := db.Where("user_id = ?", userID).Order("updated_at_s DESC").Find(&notes).Error; err != nil {
		s.logError(opCollectChanges, "note_snapshot_failed", err)
		return sync.ChangeSet{}, 0, newServiceError(opCollectChanges, "note_snapshot_failed", err)
	}
	for _, row := range notes {
		tagIDs, err := s.noteTagIDs(db, userID, row.NoteID)
		if err != nil {
			return sync.ChangeSet{}, 0, err
		}
		changes.Notes = append(changes.Notes, noteToDTO(row, tagIDs))
	}

	var tags []Tag
	if err := db.Where("user_id = ?", userID).Order("sort_order ASC").Find(&tags).Error; err != nil {
		s.logError(opCollectChanges, "tag_snapshot_failed", err)
		return sync.ChangeSet{}, 0, newServiceError(opCollectChanges, "tag_snapshot_failed", err)
	}
	for _, row := range tags {
		changes.Tags = append(changes.Tags, tagToDTO(row))
	}

	cursor, err := s.currentCursor(db, userID)
	if err != nil {
		return sync.ChangeSet{}, 0, err
	}
	return changes, cursor, nil
}

func (s *Service) currentNote(db *gorm.DB, userID, noteID string) (sync.NoteDTO, bool, error) {
	var row Note
	err := db.Where("user_id = ? AND note_id = ?", userID, noteID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sync.NoteDTO{}, false, nil
	}
	if err != nil {
		s.logError(opCollectChanges, "note_select_failed", err)
		return sync.NoteDTO{}, false, newServiceError(opCollectChanges, "note_select_failed", err)
	}
	tagIDs, err := s.noteTagIDs(db, userID, noteID)
	if err != nil {
		return sync.NoteDTO{}, false, err
	}
	return noteToDTO(row, tagIDs), true, nil
}

func (s *Service) currentTag(db *gorm.DB, userID, tagID string) (sync.TagDTO, bool, error) {
	var row Tag
	err := db.Where("user_id = ? AND tag_id = ?", userID, tagID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sync.TagDTO{}, false, nil
	}
	if err != nil {
		s.logError(opCollectChanges, "tag_select_failed", err)
		return sync.TagDTO{}, false, newServiceError(opCollectChanges, "tag_select_failed", err)
	}
	return tagToDTO(row), true, nil
}

func (s *Service) noteTagIDs(db *gorm.DB, userID, noteID string) ([]string, error) {
	var ids []string
	if err := db.Model(&NoteTagLink{}).
		Where("user_id = ? AND note_id = ?", userID, noteID).
		Order("tag_id ASC").
		Pluck("tag_id", &ids).Error; err != nil {
		s.logError(opCollectChanges, "note_link_select_failed", err)
		return nil, newServiceError(opCollectChanges, "note_link_select_failed", err)
	}
	return ids, nil
}
