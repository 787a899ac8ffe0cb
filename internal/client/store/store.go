package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/scriptorlab/scriptor/internal/sync"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const syncStateKey = "sync"

var (
	// ErrNotFound indicates the requested entity is not in the local store.
	ErrNotFound = errors.New("store: not found")

	errMissingPath = errors.New("store: database path is required")
)

// Config wires the Local Entity Store. DeviceID, when set, seeds the stable device
// identifier on first open instead of minting a random one; an identifier already
// persisted in the database always wins.
type Config struct {
	Path     string
	DeviceID string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the device-side durable table of syncable records plus the Hard-Delete Queue
// and cursor bookkeeping. All mutation goes through one mutex so a user edit and an
// incoming remote merge can never interleave mid-record.
type Store struct {
	db           *gorm.DB
	clock        func() time.Time
	logger       *zap.Logger
	seedDeviceID string
	mu           stdsync.Mutex
}

// Open connects to the agent's sqlite database and migrates the client schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errMissingPath
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&LocalNote{},
		&LocalTag{},
		&LocalNoteTagLink{},
		&PurgeEntry{},
		&SyncState{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db, clock: clock, logger: logger, seedDeviceID: strings.TrimSpace(cfg.DeviceID)}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureDeviceID returns the stable device identifier, minting one on first call.
func (s *Store) EnsureDeviceID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return "", err
	}
	if state.DeviceID != "" {
		return state.DeviceID, nil
	}
	if s.seedDeviceID != "" {
		state.DeviceID = s.seedDeviceID
	} else {
		value, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		state.DeviceID = value.String()
	}
	if err := s.db.WithContext(ctx).Save(state).Error; err != nil {
		return "", err
	}
	return state.DeviceID, nil
}

// SaveNote upserts a locally edited note and rewrites its tag associations. The update
// timestamp is stamped from the store clock; creation time is preserved once set.
func (s *Store) SaveNote(ctx context.Context, note LocalNote, tagIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing LocalNote
		err := tx.Where("note_id = ?", note.NoteID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if note.CreatedAtSeconds == 0 {
				note.CreatedAtSeconds = now
			}
		case err != nil:
			return err
		default:
			note.CreatedAtSeconds = existing.CreatedAtSeconds
			note.ServerUpdatedAtS = existing.ServerUpdatedAtS
			note.ServerDeletedAtS = existing.ServerDeletedAtS
			note.Version = existing.Version
		}
		note.UpdatedAtSeconds = now
		if err := tx.Save(&note).Error; err != nil {
			return err
		}
		return replaceLinks(tx, note.NoteID, tagIDs)
	})
}

// SaveTag upserts a locally edited tag.
func (s *Store) SaveTag(ctx context.Context, tag LocalTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing LocalTag
		err := tx.Where("tag_id = ?", tag.TagID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if tag.CreatedAtSeconds == 0 {
				tag.CreatedAtSeconds = now
			}
		case err != nil:
			return err
		default:
			tag.CreatedAtSeconds = existing.CreatedAtSeconds
			tag.ServerUpdatedAtS = existing.ServerUpdatedAtS
			tag.ServerDeletedAtS = existing.ServerDeletedAtS
			tag.Version = existing.Version
		}
		tag.UpdatedAtSeconds = now
		return tx.Save(&tag).Error
	})
}

// SoftDeleteNote tombstones a note so the deletion can propagate before removal.
func (s *Store) SoftDeleteNote(ctx context.Context, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&LocalNote{}).
		Where("note_id = ?", noteID).
		Updates(map[string]interface{}{
			"deleted_at_s": now,
			"updated_at_s": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: note %s", ErrNotFound, noteID)
	}
	return nil
}

// SoftDeleteTag tombstones a tag.
func (s *Store) SoftDeleteTag(ctx context.Context, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&LocalTag{}).
		Where("tag_id = ?", tagID).
		Updates(map[string]interface{}{
			"deleted_at_s": now,
			"updated_at_s": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: tag %s", ErrNotFound, tagID)
	}
	return nil
}

// HardDeleteNote removes the row and its owned link rows permanently and queues the id
// for hub acknowledgment. The queue entry survives the row so the purge instruction can
// still be delivered.
func (s *Store) HardDeleteNote(ctx context.Context, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardDeleteNoteLocked(ctx, noteID, true)
}

// HardDeleteTag removes the tag row permanently and queues the id for hub
// acknowledgment. Link rows belong to notes and are left in place.
func (s *Store) HardDeleteTag(ctx context.Context, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardDeleteTagLocked(ctx, tagID, true)
}

// RemoveNoteLocally drops a note row without queueing a purge; used when another device
// already had the hub purge the id.
func (s *Store) RemoveNoteLocally(ctx context.Context, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardDeleteNoteLocked(ctx, noteID, false)
}

// RemoveTagLocally drops a tag row without queueing a purge.
func (s *Store) RemoveTagLocally(ctx context.Context, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardDeleteTagLocked(ctx, tagID, false)
}

func (s *Store) hardDeleteNoteLocked(ctx context.Context, noteID string, enqueue bool) error {
	now := s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("note_id = ?", noteID).Delete(&LocalNote{}).Error; err != nil {
			return err
		}
		if err := tx.Where("note_id = ?", noteID).Delete(&LocalNoteTagLink{}).Error; err != nil {
			return err
		}
		if !enqueue {
			return nil
		}
		entry := PurgeEntry{EntityType: sync.EntityTypeNote, EntityID: noteID, QueuedAtS: now}
		return tx.Save(&entry).Error
	})
}

func (s *Store) hardDeleteTagLocked(ctx context.Context, tagID string, enqueue bool) error {
	now := s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tag_id = ?", tagID).Delete(&LocalTag{}).Error; err != nil {
			return err
		}
		if !enqueue {
			return nil
		}
		entry := PurgeEntry{EntityType: sync.EntityTypeTag, EntityID: tagID, QueuedAtS: now}
		return tx.Save(&entry).Error
	})
}

// Note loads one note and its tag associations.
func (s *Store) Note(ctx context.Context, noteID string) (LocalNote, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noteLocked(ctx, noteID)
}

// Tag loads one tag.
func (s *Store) Tag(ctx context.Context, tagID string) (LocalTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tagLocked(ctx, tagID)
}

// NoteTagIDs lists the tag ids associated with a note.
func (s *Store) NoteTagIDs(ctx context.Context, noteID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noteTagIDsLocked(ctx, noteID)
}

func (s *Store) noteLocked(ctx context.Context, noteID string) (LocalNote, []string, error) {
	var row LocalNote
	err := s.db.WithContext(ctx).Where("note_id = ?", noteID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LocalNote{}, nil, fmt.Errorf("%w: note %s", ErrNotFound, noteID)
	}
	if err != nil {
		return LocalNote{}, nil, err
	}
	tagIDs, err := s.noteTagIDsLocked(ctx, noteID)
	if err != nil {
		return LocalNote{}, nil, err
	}
	return row, tagIDs, nil
}

func (s *Store) tagLocked(ctx context.Context, tagID string) (LocalTag, error) {
	var row LocalTag
	err := s.db.WithContext(ctx).Where("tag_id = ?", tagID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LocalTag{}, fmt.Errorf("%w: tag %s", ErrNotFound, tagID)
	}
	if err != nil {
		return LocalTag{}, err
	}
	return row, nil
}

func (s *Store) noteTagIDsLocked(ctx context.Context, noteID string) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&LocalNoteTagLink{}).
		Where("note_id = ?", noteID).
		Order("tag_id ASC").
		Pluck("tag_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// DirtyNotes returns every note whose local state is strictly ahead of the last
// hub-confirmed state. A record whose timestamps equal the confirmed boundary exactly
// is already seen and excluded.
func (s *Store) DirtyNotes(ctx context.Context) ([]LocalNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []LocalNote
	if err := s.db.WithContext(ctx).
		Where("updated_at_s > server_updated_at_s OR deleted_at_s > server_deleted_at_s").
		Order("updated_at_s ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DirtyTags returns every tag with unconfirmed local changes.
func (s *Store) DirtyTags(ctx context.Context) ([]LocalTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []LocalTag
	if err := s.db.WithContext(ctx).
		Where("updated_at_s > server_updated_at_s OR deleted_at_s > server_deleted_at_s").
		Order("updated_at_s ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// TombstonedNotesBefore lists notes tombstoned at or before the cutoff.
func (s *Store) TombstonedNotesBefore(ctx context.Context, cutoff int64) ([]LocalNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []LocalNote
	if err := s.db.WithContext(ctx).
		Where("deleted_at_s > 0 AND deleted_at_s <= ?", cutoff).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// TombstonedTagsBefore lists tags tombstoned at or before the cutoff.
func (s *Store) TombstonedTagsBefore(ctx context.Context, cutoff int64) ([]LocalTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []LocalTag
	if err := s.db.WithContext(ctx).
		Where("deleted_at_s > 0 AND deleted_at_s <= ?", cutoff).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ActiveTags lists tags that are not tombstoned.
func (s *Store) ActiveTags(ctx context.Context) ([]LocalTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []LocalTag
	if err := s.db.WithContext(ctx).
		Where("deleted_at_s = 0").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// NotesReferencingTag lists every note row holding a link to the tag, tombstoned ones
// included.
func (s *Store) NotesReferencingTag(ctx context.Context, tagID string) ([]LocalNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var noteIDs []string
	if err := s.db.WithContext(ctx).Model(&LocalNoteTagLink{}).
		Where("tag_id = ?", tagID).
		Pluck("note_id", &noteIDs).Error; err != nil {
		return nil, err
	}
	if len(noteIDs) == 0 {
		return nil, nil
	}
	var rows []LocalNote
	if err := s.db.WithContext(ctx).
		Where("note_id IN ?", noteIDs).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// PurgeQueue lists pending hard-delete acknowledgments in queue order.
func (s *Store) PurgeQueue(ctx context.Context) ([]PurgeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []PurgeEntry
	if err := s.db.WithContext(ctx).
		Order("queued_at_s ASC, entity_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ClearPurgeEntries drops acknowledged queue entries.
func (s *Store) ClearPurgeEntries(ctx context.Context, entityType sync.EntityType, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id IN ?", entityType, ids).
		Delete(&PurgeEntry{}).Error
}

// Cursor returns the last stored change log position.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadState(ctx)
	if err != nil {
		return 0, err
	}
	return state.Cursor, nil
}

// SetCursor advances the stored change log position.
func (s *Store) SetCursor(ctx context.Context, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	state.Cursor = cursor
	return s.db.WithContext(ctx).Save(state).Error
}

// LastSyncedAt returns the completion time of the last successful cycle.
func (s *Store) LastSyncedAt(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadState(ctx)
	if err != nil {
		return 0, err
	}
	return state.LastSyncedAtS, nil
}

// SetLastSyncedAt records a successful cycle completion.
func (s *Store) SetLastSyncedAt(ctx context.Context, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	state.LastSyncedAtS = at
	return s.db.WithContext(ctx).Save(state).Error
}

// ApplyRemoteNote writes a merged note row exactly as the applier computed it, including
// its tag associations. Timestamps and version are not restamped.
func (s *Store) ApplyRemoteNote(ctx context.Context, note LocalNote, tagIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&note).Error; err != nil {
			return err
		}
		return replaceLinks(tx, note.NoteID, tagIDs)
	})
}

// ApplyRemoteTag writes a merged tag row exactly as the applier computed it.
func (s *Store) ApplyRemoteTag(ctx context.Context, tag LocalTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Save(&tag).Error
}

// MergeRemoteNote folds one pulled note into the store under the mutex: the current
// local row is read, decide runs, and the write lands before any local edit can slip in
// between the decision and the write. decide receives the local row (nil when absent)
// and returns the merged row, its tag associations, and whether to write at all.
func (s *Store) MergeRemoteNote(ctx context.Context, noteID string, decide func(local *LocalNote) (LocalNote, []string, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var localPtr *LocalNote
	row, _, err := s.noteLocked(ctx, noteID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		localPtr = &row
	}

	merged, tagIDs, apply := decide(localPtr)
	if !apply {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&merged).Error; err != nil {
			return err
		}
		return replaceLinks(tx, merged.NoteID, tagIDs)
	})
}

// MergeRemoteTag mirrors MergeRemoteNote for tags.
func (s *Store) MergeRemoteTag(ctx context.Context, tagID string, decide func(local *LocalTag) (LocalTag, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var localPtr *LocalTag
	row, err := s.tagLocked(ctx, tagID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		localPtr = &row
	}

	merged, apply := decide(localPtr)
	if !apply {
		return nil
	}
	return s.db.WithContext(ctx).Save(&merged).Error
}

func (s *Store) loadState(ctx context.Context) (*SyncState, error) {
	var state SyncState
	err := s.db.WithContext(ctx).Where("key = ?", syncStateKey).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = SyncState{Key: syncStateKey}
		if err := s.db.WithContext(ctx).Create(&state).Error; err != nil {
			return nil, err
		}
		return &state, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func replaceLinks(tx *gorm.DB, noteID string, tagIDs []string) error {
	if err := tx.Where("note_id = ?", noteID).Delete(&LocalNoteTagLink{}).Error; err != nil {
		return err
	}
	for _, tagID := range tagIDs {
		link := LocalNoteTagLink{NoteID: noteID, TagID: tagID}
		if err := tx.Create(&link).Error; err != nil {
			return err
		}
	}
	return nil
}
