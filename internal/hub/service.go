package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scriptorlab/scriptor/internal/sync"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "hub.service.new"
	opApplyPush      = "hub.apply_push"
	opCollectChanges = "hub.collect_changes"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the sync handler's dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues identifiers for change log entries.
type IDProvider interface {
	NewID() (string, error)
}

// Service is the hub-side sync handler: it admits push batches through the version gate,
// applies tags in two passes, maintains the change log, and answers cursor pulls.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// PushResult reports what the handler did with one batch.
type PushResult struct {
	Conflicts         []sync.ConflictDTO
	AcknowledgedNotes []string
	AcknowledgedTags  []string
	AcceptedEntityIDs []string
	Cursor            int64
	ReceivedAtSeconds int64
}

// ApplyPush processes one push batch as a single transaction. Tags are applied in two
// passes so a child and its new parent may arrive in the same batch: pass one writes every
// surviving tag's core fields without touching parent links, pass two assigns links once
// all rows exist. Rejected records leave the hub's prior state untouched.
func (s *Service) ApplyPush(ctx context.Context, userID sync.UserID, request sync.PushRequest) (PushResult, error) {
	if userID.String() == "" {
		s.logError(opApplyPush, "missing_user_id", errMissingUserID)
		return PushResult{}, newServiceError(opApplyPush, "missing_user_id", errMissingUserID)
	}

	receivedAt := s.clock().UTC()
	result := PushResult{ReceivedAtSeconds: receivedAt.Unix()}

	notes := dedupeNotes(request.Notes)
	tags := dedupeTags(request.Tags)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acceptedTags := make(map[string]sync.TagDTO, len(tags))

		for _, pushed := range tags {
			existing, err := s.lockTag(tx, userID.String(), pushed.ID)
			if err != nil {
				return newServiceError(opApplyPush, "tag_select_failed", err)
			}
			outcome := resolveTagPush(existing, pushed, receivedAt, request.DeviceID)
			if !outcome.Accepted {
				result.Conflicts = append(result.Conflicts, *outcome.Conflict)
				continue
			}
			outcome.Updated.UserID = userID.String()
			if err := tx.Save(outcome.Updated).Error; err != nil {
				return newServiceError(opApplyPush, "tag_save_failed", err)
			}
			if err := s.appendLogEntry(tx, userID.String(), outcome.LogEntry); err != nil {
				return err
			}
			acceptedTags[pushed.ID] = pushed
			result.AcceptedEntityIDs = append(result.AcceptedEntityIDs, pushed.ID)
		}

		for _, pushed := range tags {
			if _, ok := acceptedTags[pushed.ID]; !ok {
				continue
			}
			parentID, err := s.resolveParentLink(tx, userID.String(), pushed)
			if err != nil {
				return err
			}
			if err := tx.Model(&Tag{}).
				Where("user_id = ? AND tag_id = ?", userID.String(), pushed.ID).
				Update("parent_id", parentID).Error; err != nil {
				return newServiceError(opApplyPush, "tag_parent_update_failed", err)
			}
		}

		for _, pushed := range notes {
			existing, err := s.lockNote(tx, userID.String(), pushed.ID)
			if err != nil {
				return newServiceError(opApplyPush, "note_select_failed", err)
			}
			var existingTagIDs []string
			if existing != nil {
				existingTagIDs, err = s.noteTagIDs(tx, userID.String(), pushed.ID)
				if err != nil {
					return newServiceError(opApplyPush, "note_links_select_failed", err)
				}
			}
			outcome := resolveNotePush(existing, existingTagIDs, pushed, receivedAt, request.DeviceID)
			if !outcome.Accepted {
				result.Conflicts = append(result.Conflicts, *outcome.Conflict)
				continue
			}
			outcome.Updated.UserID = userID.String()
			if err := tx.Save(outcome.Updated).Error; err != nil {
				return newServiceError(opApplyPush, "note_save_failed", err)
			}
			if err := s.replaceNoteLinks(tx, userID.String(), pushed.ID, pushed.TagIDs); err != nil {
				return err
			}
			if err := s.appendLogEntry(tx, userID.String(), outcome.LogEntry); err != nil {
				return err
			}
			result.AcceptedEntityIDs = append(result.AcceptedEntityIDs, pushed.ID)
		}

		for _, noteID := range request.HardDeletedNoteIDs {
			if err := s.purgeNote(tx, userID.String(), noteID, request.DeviceID, receivedAt); err != nil {
				return err
			}
			result.AcknowledgedNotes = append(result.AcknowledgedNotes, noteID)
		}
		for _, tagID := range request.HardDeletedTagIDs {
			if err := s.purgeTag(tx, userID.String(), tagID, request.DeviceID, receivedAt); err != nil {
				return err
			}
			result.AcknowledgedTags = append(result.AcknowledgedTags, tagID)
		}

		cursor, err := s.currentCursor(tx, userID.String())
		if err != nil {
			return err
		}
		result.Cursor = cursor
		return nil
	})
	if txErr != nil {
		s.logError(opApplyPush, "transaction_failed", txErr, zap.String("user_id", userID.String()))
		return PushResult{}, txErr
	}

	return result, nil
}

func (s *Service) lockNote(tx *gorm.DB, userID, noteID string) (*Note, error) {
	var existing Note
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND note_id = ?", userID, noteID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Service) lockTag(tx *gorm.DB, userID, tagID string) (*Tag, error) {
	var existing Tag
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND tag_id = ?", userID, tagID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// resolveParentLink validates the pushed parent reference: a missing parent row or a
// reference that would close a cycle degrades to a root placement instead of failing
// the batch.
func (s *Service) resolveParentLink(tx *gorm.DB, userID string, pushed sync.TagDTO) (string, error) {
	if pushed.ParentID == "" {
		return "", nil
	}
	if pushed.ParentID == pushed.ID {
		return "", nil
	}

	seen := map[string]bool{pushed.ID: true}
	current := pushed.ParentID
	for current != "" {
		if seen[current] {
			return "", nil
		}
		seen[current] = true
		var parent Tag
		err := tx.Where("user_id = ? AND tag_id = ?", userID, current).Take(&parent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if current == pushed.ParentID {
				return "", nil
			}
			break
		}
		if err != nil {
			return "", newServiceError(opApplyPush, "tag_parent_select_failed", err)
		}
		current = parent.ParentID
	}
	return pushed.ParentID, nil
}

// replaceNoteLinks rewrites the note's tag associations. Associations naming a tag the
// hub does not hold are dropped rather than failing the batch.
func (s *Service) replaceNoteLinks(tx *gorm.DB, userID, noteID string, tagIDs []string) error {
	if err := tx.Where("user_id = ? AND note_id = ?", userID, noteID).
		Delete(&NoteTagLink{}).Error; err != nil {
		return newServiceError(opApplyPush, "note_link_delete_failed", err)
	}
	for _, tagID := range tagIDs {
		var count int64
		if err := tx.Model(&Tag{}).
			Where("user_id = ? AND tag_id = ?", userID, tagID).
			Count(&count).Error; err != nil {
			return newServiceError(opApplyPush, "note_link_tag_select_failed", err)
		}
		if count == 0 {
			s.logger.Warn("dropping unresolved tag association",
				zap.String("user_id", userID),
				zap.String("note_id", noteID),
				zap.String("tag_id", tagID))
			continue
		}
		link := NoteTagLink{UserID: userID, NoteID: noteID, TagID: tagID}
		if err := tx.Create(&link).Error; err != nil {
			return newServiceError(opApplyPush, "note_link_insert_failed", err)
		}
	}
	return nil
}

func (s *Service) purgeNote(tx *gorm.DB, userID, noteID, device string, receivedAt time.Time) error {
	if err := tx.Where("user_id = ? AND note_id = ?", userID, noteID).
		Delete(&Note{}).Error; err != nil {
		return newServiceError(opApplyPush, "note_purge_failed", err)
	}
	if err := tx.Where("user_id = ? AND note_id = ?", userID, noteID).
		Delete(&NoteTagLink{}).Error; err != nil {
		return newServiceError(opApplyPush, "note_purge_link_failed", err)
	}
	entry := &ChangeLogEntry{
		EntityType:       sync.EntityTypeNote,
		EntityID:         noteID,
		ServerUpdatedAtS: receivedAt.Unix(),
		ServerDeletedAtS: receivedAt.Unix(),
		Operation:        sync.OperationPurge,
		AppliedAtSeconds: receivedAt.Unix(),
		Device:           device,
	}
	return s.appendLogEntry(tx, userID, entry)
}

func (s *Service) purgeTag(tx *gorm.DB, userID, tagID, device string, receivedAt time.Time) error {
	if err := tx.Where("user_id = ? AND tag_id = ?", userID, tagID).
		Delete(&Tag{}).Error; err != nil {
		return newServiceError(opApplyPush, "tag_purge_failed", err)
	}
	if err := tx.Where("user_id = ? AND tag_id = ?", userID, tagID).
		Delete(&NoteTagLink{}).Error; err != nil {
		return newServiceError(opApplyPush, "tag_purge_link_failed", err)
	}
	entry := &ChangeLogEntry{
		EntityType:       sync.EntityTypeTag,
		EntityID:         tagID,
		ServerUpdatedAtS: receivedAt.Unix(),
		ServerDeletedAtS: receivedAt.Unix(),
		Operation:        sync.OperationPurge,
		AppliedAtSeconds: receivedAt.Unix(),
		Device:           device,
	}
	return s.appendLogEntry(tx, userID, entry)
}

func (s *Service) appendLogEntry(tx *gorm.DB, userID string, entry *ChangeLogEntry) error {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		return newServiceError(opApplyPush, "id_generation_failed", err)
	}
	entry.ChangeID = changeID
	entry.UserID = userID
	if err := tx.Create(entry).Error; err != nil {
		return newServiceError(opApplyPush, "changelog_insert_failed", err)
	}
	return nil
}

func (s *Service) currentCursor(tx *gorm.DB, userID string) (int64, error) {
	var cursor int64
	err := tx.Model(&ChangeLogEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(MAX(log_id), 0)").
		Scan(&cursor).Error
	if err != nil {
		return 0, newServiceError(opApplyPush, "cursor_select_failed", err)
	}
	return cursor, nil
}

// dedupeNotes keeps one copy per id: the one with the latest client-declared time.
// Overlapping retries may repeat an id within a batch; only the freshest copy applies.
func dedupeNotes(pushed []sync.NoteDTO) []sync.NoteDTO {
	byID := make(map[string]sync.NoteDTO, len(pushed))
	order := make([]string, 0, len(pushed))
	for _, candidate := range pushed {
		current, ok := byID[candidate.ID]
		if !ok {
			byID[candidate.ID] = candidate
			order = append(order, candidate.ID)
			continue
		}
		if noteClientTime(candidate) >= noteClientTime(current) {
			byID[candidate.ID] = candidate
		}
	}
	result := make([]sync.NoteDTO, 0, len(order))
	for _, id := range order {
		result = append(result, byID[id])
	}
	return result
}

func dedupeTags(pushed []sync.TagDTO) []sync.TagDTO {
	byID := make(map[string]sync.TagDTO, len(pushed))
	order := make([]string, 0, len(pushed))
	for _, candidate := range pushed {
		current, ok := byID[candidate.ID]
		if !ok {
			byID[candidate.ID] = candidate
			order = append(order, candidate.ID)
			continue
		}
		if tagClientTime(candidate) >= tagClientTime(current) {
			byID[candidate.ID] = candidate
		}
	}
	result := make([]sync.TagDTO, 0, len(order))
	for _, id := range order {
		result = append(result, byID[id])
	}
	return result
}

func noteClientTime(dto sync.NoteDTO) int64 {
	return maxInt64(dto.CreatedAtSeconds, dto.UpdatedAtSeconds, dto.DeletedAtSeconds, dto.ClientUpdatedAtS)
}

func tagClientTime(dto sync.TagDTO) int64 {
	return maxInt64(dto.CreatedAtSeconds, dto.UpdatedAtSeconds, dto.DeletedAtSeconds, dto.ClientUpdatedAtS)
}

func maxInt64(values ...int64) int64 {
	result := int64(0)
	for _, value := range values {
		if value > result {
			result = value
		}
	}
	return result
}

// ClockSeconds reports the hub's current time from the same clock that stamps every
// server timestamp, so transport responses stay consistent with stored rows.
func (s *Service) ClockSeconds() int64 {
	return s.clock().UTC().Unix()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("hub sync service error", attrs...)
}
