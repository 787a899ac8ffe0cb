package trash

import (
	"context"
	"errors"
	"time"

	"github.com/scriptorlab/scriptor/internal/client/store"
	"go.uber.org/zap"
)

const defaultRetentionWindow = 30 * 24 * time.Hour

var errMissingStore = errors.New("trash: entity store is required")

// PolicyConfig wires the retention sweep.
type PolicyConfig struct {
	Store           *store.Store
	RetentionWindow time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Policy converts tombstones older than the retention window into hard deletes. It runs
// on the device regardless of connectivity; the resulting purge queue entries travel on
// the next push.
type Policy struct {
	store  *store.Store
	window time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// NewPolicy validates the configuration and returns a Policy.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	window := cfg.RetentionWindow
	if window <= 0 {
		window = defaultRetentionWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{store: cfg.Store, window: window, clock: clock, logger: logger}, nil
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	HardDeletedNotes int
	HardDeletedTags  int
	SoftDeletedTags  int
	RetainedTags     int
}

// Sweep runs one retention pass.
//
// Notes: a tombstone older than the window is hard-deleted once the hub has confirmed
// the tombstone (the deletion must propagate through at least one full sync cycle
// before permanent removal; an unconfirmed tombstone is kept until it has been pushed).
//
// Tags: a tag referenced by any active note is never auto-deleted. A tag whose every
// referencing note is tombstoned is soft-deleted so its own tombstone propagates, but
// it is not hard-deleted while any reference remains: restoring a note from trash must
// find its original tag intact. Only an expired tag tombstone with no remaining
// references becomes a hard delete.
func (p *Policy) Sweep(ctx context.Context) (SweepResult, error) {
	now := p.clock().UTC()
	cutoff := now.Add(-p.window).Unix()
	result := SweepResult{}

	expiredNotes, err := p.store.TombstonedNotesBefore(ctx, cutoff)
	if err != nil {
		return result, err
	}
	for _, note := range expiredNotes {
		if note.ServerDeletedAtS == 0 {
			continue
		}
		if err := p.store.HardDeleteNote(ctx, note.NoteID); err != nil {
			return result, err
		}
		result.HardDeletedNotes++
	}

	activeTags, err := p.store.ActiveTags(ctx)
	if err != nil {
		return result, err
	}
	for _, tag := range activeTags {
		referencing, err := p.store.NotesReferencingTag(ctx, tag.TagID)
		if err != nil {
			return result, err
		}
		if len(referencing) == 0 || anyActive(referencing) {
			continue
		}
		if err := p.store.SoftDeleteTag(ctx, tag.TagID); err != nil {
			return result, err
		}
		result.SoftDeletedTags++
	}

	expiredTags, err := p.store.TombstonedTagsBefore(ctx, cutoff)
	if err != nil {
		return result, err
	}
	for _, tag := range expiredTags {
		referencing, err := p.store.NotesReferencingTag(ctx, tag.TagID)
		if err != nil {
			return result, err
		}
		if anyActive(referencing) {
			result.RetainedTags++
			continue
		}
		if len(referencing) > 0 {
			// Tombstoned notes still point here; keep the tag so a restore from
			// trash finds it.
			result.RetainedTags++
			continue
		}
		if tag.ServerDeletedAtS == 0 {
			continue
		}
		if err := p.store.HardDeleteTag(ctx, tag.TagID); err != nil {
			return result, err
		}
		result.HardDeletedTags++
	}

	if result.HardDeletedNotes > 0 || result.HardDeletedTags > 0 || result.SoftDeletedTags > 0 {
		p.logger.Info("trash sweep completed",
			zap.Int("hard_deleted_notes", result.HardDeletedNotes),
			zap.Int("hard_deleted_tags", result.HardDeletedTags),
			zap.Int("soft_deleted_tags", result.SoftDeletedTags),
			zap.Int("retained_tags", result.RetainedTags))
	}
	return result, nil
}

func anyActive(notes []store.LocalNote) bool {
	for _, note := range notes {
		if !note.Tombstoned() {
			return true
		}
	}
	return false
}
