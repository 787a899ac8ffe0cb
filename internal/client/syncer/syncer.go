package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/scriptorlab/scriptor/internal/client/merge"
	"github.com/scriptorlab/scriptor/internal/client/store"
	"github.com/scriptorlab/scriptor/internal/sync"
	"go.uber.org/zap"
)

const defaultMinInterval = 30 * time.Second

var (
	// ErrSyncInFlight means another push-then-pull cycle holds the single-flight guard.
	ErrSyncInFlight = errors.New("syncer: sync already in flight")

	// ErrSyncThrottled means a cycle completed within the minimum interval and the
	// trigger was dropped.
	ErrSyncThrottled = errors.New("syncer: sync skipped by throttle")

	errMissingStore     = errors.New("syncer: entity store is required")
	errMissingApplier   = errors.New("syncer: merge applier is required")
	errMissingTransport = errors.New("syncer: transport is required")
)

// ConflictHandler receives rejected records. The manager never resolves conflicts on its
// own: the rejected payload is preserved in each ConflictDTO while the pulled envelope
// converges the local row onto the winning version, and the handler (or its user)
// decides whether to re-apply the losing edit on top of it.
type ConflictHandler func(conflicts []sync.ConflictDTO)

// ManagerConfig wires the Client Sync Manager.
type ManagerConfig struct {
	Store           *store.Store
	Applier         *merge.Applier
	Transport       Transport
	MinInterval     time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
	ConflictHandler ConflictHandler
}

// Manager orchestrates one push-then-pull cycle at a time per device. The guard is an
// atomic idle/syncing flag; a concurrent trigger fails fast with ErrSyncInFlight rather
// than queueing. Cancellation is a cooperative context check at the top of the push and
// pull steps; a cancelled cycle is always safe to retry because push is idempotent
// under the base-version check.
type Manager struct {
	store       *store.Store
	applier     *merge.Applier
	transport   Transport
	minInterval time.Duration
	clock       func() time.Time
	logger      *zap.Logger
	onConflict  ConflictHandler

	syncing atomic.Bool
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:       cfg.Store,
		applier:     cfg.Applier,
		transport:   cfg.Transport,
		minInterval: minInterval,
		clock:       clock,
		logger:      logger,
		onConflict:  cfg.ConflictHandler,
	}, nil
}

// Outcome summarizes one completed cycle.
type Outcome struct {
	PushedNotes  int
	PushedTags   int
	PushedPurges int
	AppliedNotes int
	AppliedTags  int
	Conflicts    []sync.ConflictDTO
	Cursor       int64
	ServerTimeS  int64
}

// SyncIfNeeded runs a cycle unless one completed within the minimum interval. Frequent
// triggers such as app-foreground events collapse into a no-op.
func (m *Manager) SyncIfNeeded(ctx context.Context) (Outcome, error) {
	lastSynced, err := m.store.LastSyncedAt(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if lastSynced > 0 {
		elapsed := m.clock().UTC().Unix() - lastSynced
		if elapsed >= 0 && time.Duration(elapsed)*time.Second < m.minInterval {
			return Outcome{}, ErrSyncThrottled
		}
	}
	return m.SyncNow(ctx)
}

// SyncNow runs one unconditional push-then-pull cycle.
func (m *Manager) SyncNow(ctx context.Context) (Outcome, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		return Outcome{}, ErrSyncInFlight
	}
	defer m.syncing.Store(false)

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	deviceID, err := m.store.EnsureDeviceID(ctx)
	if err != nil {
		return Outcome{}, err
	}
	cursor, err := m.store.Cursor(ctx)
	if err != nil {
		return Outcome{}, err
	}

	request, counts, err := m.buildPush(ctx, deviceID, cursor)
	if err != nil {
		return Outcome{}, err
	}

	var response sync.SyncResponse
	if counts.empty() {
		// Nothing to say; a pull keeps the cycle cheap.
		response, err = m.transport.Pull(ctx, sync.PullRequest{DeviceID: deviceID, Cursor: cursor})
	} else {
		response, err = m.transport.Push(ctx, request)
	}
	if err != nil {
		if errors.Is(err, ErrTransport) {
			m.logger.Warn("sync cycle failed on transport; will retry", zap.Error(err))
		}
		return Outcome{}, err
	}

	outcome := Outcome{
		PushedNotes:  counts.notes,
		PushedTags:   counts.tags,
		PushedPurges: counts.purges,
		Conflicts:    response.Conflicts,
		Cursor:       response.Cursor,
		ServerTimeS:  response.ServerTimeSeconds,
	}

	if len(response.Conflicts) > 0 {
		m.logger.Info("push reported conflicts", zap.Int("count", len(response.Conflicts)))
		if m.onConflict != nil {
			m.onConflict(response.Conflicts)
		}
	}

	if err := ctx.Err(); err != nil {
		return outcome, err
	}

	anchor := m.clock().UTC()
	if err := m.applier.Apply(ctx, response.Changes, anchor); err != nil {
		return outcome, err
	}
	outcome.AppliedNotes = len(response.Changes.Notes)
	outcome.AppliedTags = len(response.Changes.Tags)

	if err := m.store.ClearPurgeEntries(ctx, sync.EntityTypeNote, response.AcknowledgedNotes); err != nil {
		return outcome, err
	}
	if err := m.store.ClearPurgeEntries(ctx, sync.EntityTypeTag, response.AcknowledgedTags); err != nil {
		return outcome, err
	}

	if err := m.store.SetCursor(ctx, response.Cursor); err != nil {
		return outcome, err
	}
	if err := m.store.SetLastSyncedAt(ctx, anchor.Unix()); err != nil {
		return outcome, err
	}

	m.logger.Debug("sync cycle completed",
		zap.Int("pushed_notes", outcome.PushedNotes),
		zap.Int("pushed_tags", outcome.PushedTags),
		zap.Int("conflicts", len(outcome.Conflicts)),
		zap.Int64("cursor", outcome.Cursor))
	return outcome, nil
}

type pushCounts struct {
	notes  int
	tags   int
	purges int
}

func (c pushCounts) empty() bool {
	return c.notes == 0 && c.tags == 0 && c.purges == 0
}

func (m *Manager) buildPush(ctx context.Context, deviceID string, cursor int64) (sync.PushRequest, pushCounts, error) {
	now := m.clock().UTC().Unix()
	request := sync.PushRequest{DeviceID: deviceID, Cursor: cursor}
	counts := pushCounts{}

	dirtyNotes, err := m.store.DirtyNotes(ctx)
	if err != nil {
		return sync.PushRequest{}, counts, err
	}
	for _, note := range dirtyNotes {
		tagIDs, err := m.store.NoteTagIDs(ctx, note.NoteID)
		if err != nil {
			return sync.PushRequest{}, counts, err
		}
		request.Notes = append(request.Notes, sync.NoteDTO{
			ID:               note.NoteID,
			Content:          note.Content,
			TagIDs:           tagIDs,
			CreatedAtSeconds: note.CreatedAtSeconds,
			UpdatedAtSeconds: note.UpdatedAtSeconds,
			DeletedAtSeconds: note.DeletedAtSeconds,
			BaseVersion:      note.Version,
			ClientUpdatedAtS: now,
			LastDevice:       deviceID,
		})
		counts.notes++
	}

	dirtyTags, err := m.store.DirtyTags(ctx)
	if err != nil {
		return sync.PushRequest{}, counts, err
	}
	for _, tag := range dirtyTags {
		request.Tags = append(request.Tags, sync.TagDTO{
			ID:               tag.TagID,
			Name:             tag.Name,
			Color:            tag.Color,
			ParentID:         tag.ParentID,
			SortOrder:        tag.SortOrder,
			CreatedAtSeconds: tag.CreatedAtSeconds,
			UpdatedAtSeconds: tag.UpdatedAtSeconds,
			DeletedAtSeconds: tag.DeletedAtSeconds,
			BaseVersion:      tag.Version,
			ClientUpdatedAtS: now,
			LastDevice:       deviceID,
		})
		counts.tags++
	}

	queue, err := m.store.PurgeQueue(ctx)
	if err != nil {
		return sync.PushRequest{}, counts, err
	}
	for _, entry := range queue {
		switch entry.EntityType {
		case sync.EntityTypeNote:
			request.HardDeletedNoteIDs = append(request.HardDeletedNoteIDs, entry.EntityID)
		case sync.EntityTypeTag:
			request.HardDeletedTagIDs = append(request.HardDeletedTagIDs, entry.EntityID)
		}
		counts.purges++
	}

	return request, counts, nil
}
