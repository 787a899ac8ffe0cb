package syncer

import (
	"context"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/scriptorlab/scriptor/internal/client/merge"
	"github.com/scriptorlab/scriptor/internal/client/store"
	"github.com/scriptorlab/scriptor/internal/sync"
)

type fakeTransport struct {
	mu       stdsync.Mutex
	pushes   []sync.PushRequest
	pulls    []sync.PullRequest
	response sync.SyncResponse
	err      error
	block    chan struct{}
}

func (f *fakeTransport) Push(ctx context.Context, request sync.PushRequest) (sync.SyncResponse, error) {
	f.mu.Lock()
	f.pushes = append(f.pushes, request)
	f.mu.Unlock()
	return f.respond(ctx)
}

func (f *fakeTransport) Pull(ctx context.Context, request sync.PullRequest) (sync.SyncResponse, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, request)
	f.mu.Unlock()
	return f.respond(ctx)
}

func (f *fakeTransport) respond(ctx context.Context) (sync.SyncResponse, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return sync.SyncResponse{}, ctx.Err()
		}
	}
	if f.err != nil {
		return sync.SyncResponse{}, f.err
	}
	return f.response, nil
}

func (f *fakeTransport) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeTransport) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulls)
}

func newTestManager(t *testing.T, transport Transport, clock func() time.Time) (*Manager, *store.Store) {
	t.Helper()

	if clock == nil {
		clock = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	}
	entityStore, err := store.Open(store.Config{
		Path:  filepath.Join(t.TempDir(), "agent.db"),
		Clock: clock,
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { entityStore.Close() })

	applier, err := merge.NewApplier(entityStore, nil)
	if err != nil {
		t.Fatalf("failed to construct applier: %v", err)
	}
	manager, err := NewManager(ManagerConfig{
		Store:       entityStore,
		Applier:     applier,
		Transport:   transport,
		MinInterval: 30 * time.Second,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return manager, entityStore
}

func TestSyncNowPushesDirtyRecords(t *testing.T) {
	transport := &fakeTransport{response: sync.SyncResponse{Cursor: 7, ServerTimeSeconds: 1700000100}}
	manager, entityStore := newTestManager(t, transport, nil)
	ctx := context.Background()

	if err := entityStore.SaveTag(ctx, store.LocalTag{TagID: "tag-1", Name: "work"}); err != nil {
		t.Fatalf("failed to seed tag: %v", err)
	}
	if err := entityStore.SaveNote(ctx, store.LocalNote{NoteID: "note-1", Content: "draft"}, []string{"tag-1"}); err != nil {
		t.Fatalf("failed to seed note: %v", err)
	}

	outcome, err := manager.SyncNow(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.PushedNotes != 1 || outcome.PushedTags != 1 {
		t.Fatalf("expected 1 note and 1 tag pushed, got %d/%d", outcome.PushedNotes, outcome.PushedTags)
	}
	if outcome.Cursor != 7 {
		t.Fatalf("expected cursor 7, got %d", outcome.Cursor)
	}

	if transport.pushCount() != 1 {
		t.Fatalf("expected exactly one push, got %d", transport.pushCount())
	}
	pushed := transport.pushes[0]
	if pushed.DeviceID == "" {
		t.Fatalf("expected a device id on the push")
	}
	if len(pushed.Notes) != 1 || pushed.Notes[0].BaseVersion != 0 {
		t.Fatalf("expected base version from local state, got %#v", pushed.Notes)
	}
	if len(pushed.Notes[0].TagIDs) != 1 || pushed.Notes[0].TagIDs[0] != "tag-1" {
		t.Fatalf("expected tag ids on the pushed note, got %v", pushed.Notes[0].TagIDs)
	}

	cursor, err := entityStore.Cursor(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cursor != 7 {
		t.Fatalf("expected stored cursor 7, got %d", cursor)
	}
}

func TestSyncNowPullsWhenNothingIsDirty(t *testing.T) {
	transport := &fakeTransport{response: sync.SyncResponse{Cursor: 3}}
	manager, entityStore := newTestManager(t, transport, nil)
	ctx := context.Background()

	if err := entityStore.SetCursor(ctx, 2); err != nil {
		t.Fatalf("failed to set cursor: %v", err)
	}

	if _, err := manager.SyncNow(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transport.pushCount() != 0 {
		t.Fatalf("expected no push for a clean store, got %d", transport.pushCount())
	}
	if transport.pullCount() != 1 {
		t.Fatalf("expected one pull, got %d", transport.pullCount())
	}
	if transport.pulls[0].Cursor != 2 {
		t.Fatalf("expected pull from cursor 2, got %d", transport.pulls[0].Cursor)
	}
}

func TestSyncNowAppliesPulledChanges(t *testing.T) {
	transport := &fakeTransport{response: sync.SyncResponse{
		Cursor: 5,
		Changes: sync.ChangeSet{
			Notes: []sync.NoteDTO{{ID: "note-remote", Content: "from hub", UpdatedAtSeconds: 1699999000, Version: 1}},
		},
	}}
	manager, entityStore := newTestManager(t, transport, nil)
	ctx := context.Background()

	outcome, err := manager.SyncNow(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.AppliedNotes != 1 {
		t.Fatalf("expected 1 applied note, got %d", outcome.AppliedNotes)
	}

	stored, _, err := entityStore.Note(ctx, "note-remote")
	if err != nil {
		t.Fatalf("failed to load pulled note: %v", err)
	}
	if stored.Content != "from hub" {
		t.Fatalf("unexpected content %q", stored.Content)
	}
}

func TestSyncNowClearsAcknowledgedPurges(t *testing.T) {
	transport := &fakeTransport{response: sync.SyncResponse{
		Cursor:            4,
		AcknowledgedNotes: []string{"note-gone"},
	}}
	manager, entityStore := newTestManager(t, transport, nil)
	ctx := context.Background()

	if err := entityStore.SaveNote(ctx, store.LocalNote{NoteID: "note-gone", Content: "x"}, nil); err != nil {
		t.Fatalf("failed to seed note: %v", err)
	}
	if err := entityStore.HardDeleteNote(ctx, "note-gone"); err != nil {
		t.Fatalf("failed to hard delete: %v", err)
	}

	outcome, err := manager.SyncNow(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.PushedPurges != 1 {
		t.Fatalf("expected 1 pushed purge, got %d", outcome.PushedPurges)
	}

	queue, err := entityStore.PurgeQueue(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queue) != 0 {
		t.Fatalf("expected queue drained after acknowledgment, got %d entries", len(queue))
	}
}

func TestSyncNowKeepsQueueOnTransportFailure(t *testing.T) {
	transport := &fakeTransport{err: ErrTransport}
	manager, entityStore := newTestManager(t, transport, nil)
	ctx := context.Background()

	if err := entityStore.SaveNote(ctx, store.LocalNote{NoteID: "note-1", Content: "x"}, nil); err != nil {
		t.Fatalf("failed to seed note: %v", err)
	}
	if err := entityStore.HardDeleteNote(ctx, "note-1"); err != nil {
		t.Fatalf("failed to hard delete: %v", err)
	}

	if _, err := manager.SyncNow(ctx); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}

	queue, err := entityStore.PurgeQueue(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queue) != 1 {
		t.Fatalf("expected queue preserved across failure, got %d entries", len(queue))
	}
}

func TestSyncNowSingleFlight(t *testing.T) {
	transport := &fakeTransport{block: make(chan struct{})}
	manager, _ := newTestManager(t, transport, nil)
	ctx := context.Background()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := manager.SyncNow(ctx)
		done <- err
	}()
	<-started

	// Wait for the first cycle to reach the transport before racing it.
	deadline := time.After(2 * time.Second)
	for transport.pullCount() == 0 && transport.pushCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("first cycle never reached the transport")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := manager.SyncNow(ctx); !errors.Is(err, ErrSyncInFlight) {
		t.Fatalf("expected ErrSyncInFlight, got %v", err)
	}

	close(transport.block)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error from first cycle: %v", err)
	}

	// The guard is released once the first cycle completes.
	if _, err := manager.SyncNow(ctx); err != nil {
		t.Fatalf("unexpected error after release: %v", err)
	}
}

func TestSyncIfNeededThrottlesRecentCycles(t *testing.T) {
	nowSeconds := int64(1700000000)
	clock := func() time.Time { return time.Unix(nowSeconds, 0).UTC() }
	transport := &fakeTransport{response: sync.SyncResponse{Cursor: 1}}
	manager, _ := newTestManager(t, transport, clock)
	ctx := context.Background()

	if _, err := manager.SyncIfNeeded(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := manager.SyncIfNeeded(ctx); !errors.Is(err, ErrSyncThrottled) {
		t.Fatalf("expected throttle, got %v", err)
	}

	nowSeconds += 31
	if _, err := manager.SyncIfNeeded(ctx); err != nil {
		t.Fatalf("expected cycle after the interval, got %v", err)
	}
	if transport.pullCount() != 2 {
		t.Fatalf("expected 2 pulls, got %d", transport.pullCount())
	}
}

func TestSyncNowSurfacesConflicts(t *testing.T) {
	conflict := sync.ConflictDTO{EntityType: sync.EntityTypeNote, ID: "note-1", ServerVersion: 4}
	transport := &fakeTransport{response: sync.SyncResponse{Cursor: 1, Conflicts: []sync.ConflictDTO{conflict}}}

	entityStorePath := filepath.Join(t.TempDir(), "agent.db")
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	entityStore, err := store.Open(store.Config{Path: entityStorePath, Clock: clock})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { entityStore.Close() })
	applier, err := merge.NewApplier(entityStore, nil)
	if err != nil {
		t.Fatalf("failed to construct applier: %v", err)
	}

	var handled []sync.ConflictDTO
	manager, err := NewManager(ManagerConfig{
		Store:     entityStore,
		Applier:   applier,
		Transport: transport,
		Clock:     clock,
		ConflictHandler: func(conflicts []sync.ConflictDTO) {
			handled = append(handled, conflicts...)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}

	ctx := context.Background()
	if err := entityStore.SaveNote(ctx, store.LocalNote{NoteID: "note-1", Content: "stale"}, nil); err != nil {
		t.Fatalf("failed to seed note: %v", err)
	}

	outcome, err := manager.SyncNow(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict in outcome, got %d", len(outcome.Conflicts))
	}
	if len(handled) != 1 || handled[0].ID != "note-1" {
		t.Fatalf("expected handler to receive the conflict, got %#v", handled)
	}

	// The conflicted record stays dirty for the next cycle.
	dirty, err := entityStore.DirtyNotes(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dirty) != 1 {
		t.Fatalf("expected the rejected note to stay dirty, got %d", len(dirty))
	}
}
