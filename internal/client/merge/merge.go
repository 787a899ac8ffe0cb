package merge

import (
	"context"
	"errors"
	"time"

	"github.com/scriptorlab/scriptor/internal/client/store"
	"github.com/scriptorlab/scriptor/internal/sync"
	"go.uber.org/zap"
)

// Decision is the outcome of comparing a local row against a pulled remote record.
// The caller performs storage I/O based on the decision.
type Decision int

const (
	// DecisionInsert means no local copy exists; store the remote record as-is.
	DecisionInsert Decision = iota

	// DecisionOverwrite means the remote version is strictly newer; its content,
	// tombstone state and version replace the local row unconditionally.
	DecisionOverwrite

	// DecisionKeepLocal means the local row wins: either the remote view is strictly
	// behind, or the versions are equal. At an equal version the remote snapshot
	// cannot carry anything the local row does not already reflect, and overwriting
	// would resurrect a not-yet-pushed local delete.
	DecisionKeepLocal
)

// DecideNote compares one pulled note against the local copy (nil when absent).
// Version numbers are the only signal; wall clocks are never consulted.
func DecideNote(local *store.LocalNote, remote sync.NoteDTO) Decision {
	if local == nil {
		return DecisionInsert
	}
	if remote.Version > local.Version {
		return DecisionOverwrite
	}
	return DecisionKeepLocal
}

// DecideTag compares one pulled tag against the local copy (nil when absent).
func DecideTag(local *store.LocalTag, remote sync.TagDTO) Decision {
	if local == nil {
		return DecisionInsert
	}
	if remote.Version > local.Version {
		return DecisionOverwrite
	}
	return DecisionKeepLocal
}

// Applier folds pulled change sets into the Local Entity Store.
type Applier struct {
	store  *store.Store
	logger *zap.Logger
}

// NewApplier constructs an Applier over the given store.
func NewApplier(entityStore *store.Store, logger *zap.Logger) (*Applier, error) {
	if entityStore == nil {
		return nil, errors.New("merge: entity store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{store: entityStore, logger: logger}, nil
}

// Apply folds one pulled change set into the store. anchor is the moment the pull was
// performed on this device: an applied record's locally-visible update time never
// exceeds it, so a remote device's fast clock cannot make a pulled record outrank
// subsequent genuine local edits.
func (a *Applier) Apply(ctx context.Context, changes sync.ChangeSet, anchor time.Time) error {
	anchorSeconds := anchor.UTC().Unix()

	for _, remote := range changes.Tags {
		if err := a.applyTag(ctx, remote, anchorSeconds); err != nil {
			return err
		}
	}
	for _, remote := range changes.Notes {
		if err := a.applyNote(ctx, remote, anchorSeconds); err != nil {
			return err
		}
	}
	for _, noteID := range changes.HardDeletedNoteIDs {
		if err := a.store.RemoveNoteLocally(ctx, noteID); err != nil {
			return err
		}
	}
	for _, tagID := range changes.HardDeletedTagIDs {
		if err := a.store.RemoveTagLocally(ctx, tagID); err != nil {
			return err
		}
	}
	return nil
}

// applyNote runs read, decision and write as one store-held critical section so a local
// edit can never land between the decision and the write and be silently overwritten.
func (a *Applier) applyNote(ctx context.Context, remote sync.NoteDTO, anchorSeconds int64) error {
	return a.store.MergeRemoteNote(ctx, remote.ID, func(local *store.LocalNote) (store.LocalNote, []string, bool) {
		if DecideNote(local, remote) == DecisionKeepLocal {
			a.logger.Debug("keeping local note over remote snapshot",
				zap.String("note_id", remote.ID),
				zap.Int64("remote_version", remote.Version))
			return store.LocalNote{}, nil, false
		}
		merged := store.LocalNote{
			NoteID:           remote.ID,
			Content:          remote.Content,
			CreatedAtSeconds: remote.CreatedAtSeconds,
			UpdatedAtSeconds: clampToAnchor(remote.UpdatedAtSeconds, anchorSeconds),
			DeletedAtSeconds: remote.DeletedAtSeconds,
			ServerUpdatedAtS: remote.UpdatedAtSeconds,
			ServerDeletedAtS: remote.DeletedAtSeconds,
			Version:          remote.Version,
			LastDevice:       remote.LastDevice,
		}
		return merged, remote.TagIDs, true
	})
}

func (a *Applier) applyTag(ctx context.Context, remote sync.TagDTO, anchorSeconds int64) error {
	return a.store.MergeRemoteTag(ctx, remote.ID, func(local *store.LocalTag) (store.LocalTag, bool) {
		if DecideTag(local, remote) == DecisionKeepLocal {
			a.logger.Debug("keeping local tag over remote snapshot",
				zap.String("tag_id", remote.ID),
				zap.Int64("remote_version", remote.Version))
			return store.LocalTag{}, false
		}
		merged := store.LocalTag{
			TagID:            remote.ID,
			Name:             remote.Name,
			Color:            remote.Color,
			ParentID:         remote.ParentID,
			SortOrder:        remote.SortOrder,
			CreatedAtSeconds: remote.CreatedAtSeconds,
			UpdatedAtSeconds: clampToAnchor(remote.UpdatedAtSeconds, anchorSeconds),
			DeletedAtSeconds: remote.DeletedAtSeconds,
			ServerUpdatedAtS: remote.UpdatedAtSeconds,
			ServerDeletedAtS: remote.DeletedAtSeconds,
			Version:          remote.Version,
			LastDevice:       remote.LastDevice,
		}
		return merged, true
	})
}

// clampToAnchor caps a remote update time at the local pull moment.
func clampToAnchor(remoteSeconds, anchorSeconds int64) int64 {
	if remoteSeconds > anchorSeconds {
		return anchorSeconds
	}
	return remoteSeconds
}
