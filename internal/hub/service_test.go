package hub

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/scriptorlab/scriptor/internal/sync"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.index++
	return fmt.Sprintf("change-%d", g.index), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:scriptor_hub_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Note{}, &Tag{}, &NoteTagLink{}, &ChangeLogEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &staticIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct hub service: %v", err)
	}
	return service, db
}

func mustUserID(t *testing.T, raw string) sync.UserID {
	t.Helper()
	userID, err := sync.NewUserID(raw)
	if err != nil {
		t.Fatalf("failed to build user id: %v", err)
	}
	return userID
}

func TestApplyPushStoresNewNote(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	request := sync.PushRequest{
		DeviceID: "web",
		Notes: []sync.NoteDTO{{
			ID:               "note-1",
			Content:          "hello",
			CreatedAtSeconds: 1700000000,
			UpdatedAtSeconds: 1700000000,
		}},
	}

	result, err := service.ApplyPush(context.Background(), userID, request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %d", len(result.Conflicts))
	}
	if result.Cursor == 0 {
		t.Fatalf("expected cursor to advance")
	}

	var stored Note
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored note: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("expected version 1, got %d", stored.Version)
	}
	if stored.LastDevice != "web" {
		t.Fatalf("expected device web, got %q", stored.LastDevice)
	}

	var entry ChangeLogEntry
	if err := db.First(&entry).Error; err != nil {
		t.Fatalf("failed to load change log entry: %v", err)
	}
	if entry.Operation != sync.OperationUpsert {
		t.Fatalf("expected upsert log entry, got %s", entry.Operation)
	}
}

func TestApplyPushReplayedBatchIsIdempotent(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	request := sync.PushRequest{
		DeviceID: "web",
		Notes: []sync.NoteDTO{{
			ID:               "note-1",
			Content:          "hello",
			CreatedAtSeconds: 1700000000,
			UpdatedAtSeconds: 1700000000,
			BaseVersion:      0,
		}},
	}

	first, err := service.ApplyPush(context.Background(), userID, request)
	if err != nil {
		t.Fatalf("unexpected error on first push: %v", err)
	}
	if len(first.Conflicts) != 0 {
		t.Fatalf("expected first push to be accepted, got %d conflicts", len(first.Conflicts))
	}

	// A device that never saw the response retries the identical batch.
	second, err := service.ApplyPush(context.Background(), userID, request)
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if len(second.Conflicts) != 1 || second.Conflicts[0].ID != "note-1" {
		t.Fatalf("expected the replay to be reported as a conflict, got %#v", second.Conflicts)
	}

	var stored Note
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored note: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("expected version to stay 1 after replay, got %d", stored.Version)
	}
	if stored.Content != "hello" {
		t.Fatalf("unexpected content %q", stored.Content)
	}

	var entries int64
	if err := db.Model(&ChangeLogEntry{}).Count(&entries).Error; err != nil {
		t.Fatalf("failed to count change log entries: %v", err)
	}
	if entries != 1 {
		t.Fatalf("expected a single log entry after replay, got %d", entries)
	}
	if second.Cursor != first.Cursor {
		t.Fatalf("expected cursor unchanged by replay, got %d then %d", first.Cursor, second.Cursor)
	}
}

func TestApplyPushRejectedRecordLeavesStateUntouched(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	existing := Note{
		UserID:           "user-1",
		NoteID:           "note-1",
		Content:          "current",
		CreatedAtSeconds: 1699990000,
		UpdatedAtSeconds: 1700000000,
		ServerUpdatedAtS: 1700000000,
		Version:          3,
	}
	if err := db.Create(&existing).Error; err != nil {
		t.Fatalf("failed to seed note: %v", err)
	}

	request := sync.PushRequest{
		DeviceID: "tablet",
		Notes: []sync.NoteDTO{{
			ID:               "note-1",
			Content:          "stale edit",
			UpdatedAtSeconds: 1700000500,
			BaseVersion:      1,
		}},
	}

	result, err := service.ApplyPush(context.Background(), userID, request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(result.Conflicts))
	}
	if result.Conflicts[0].ServerVersion != 3 {
		t.Fatalf("expected server version 3 in conflict, got %d", result.Conflicts[0].ServerVersion)
	}

	var stored Note
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored note: %v", err)
	}
	if stored.Content != "current" || stored.Version != 3 {
		t.Fatalf("expected stored state untouched, got %q v%d", stored.Content, stored.Version)
	}

	var logCount int64
	if err := db.Model(&ChangeLogEntry{}).Count(&logCount).Error; err != nil {
		t.Fatalf("failed to count log entries: %v", err)
	}
	if logCount != 0 {
		t.Fatalf("expected no log entries for rejected push, got %d", logCount)
	}
}

func TestApplyPushDeduplicatesRepeatedIDs(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	request := sync.PushRequest{
		DeviceID: "web",
		Notes: []sync.NoteDTO{
			{ID: "note-1", Content: "older", UpdatedAtSeconds: 1700000100, ClientUpdatedAtS: 1700000100},
			{ID: "note-1", Content: "newer", UpdatedAtSeconds: 1700000200, ClientUpdatedAtS: 1700000200},
		},
	}

	if _, err := service.ApplyPush(context.Background(), userID, request); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored Note
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored note: %v", err)
	}
	if stored.Content != "newer" {
		t.Fatalf("expected freshest copy to win, got %q", stored.Content)
	}
	if stored.Version != 1 {
		t.Fatalf("expected a single version increment, got %d", stored.Version)
	}

	var logCount int64
	if err := db.Model(&ChangeLogEntry{}).Count(&logCount).Error; err != nil {
		t.Fatalf("failed to count log entries: %v", err)
	}
	if logCount != 1 {
		t.Fatalf("expected one log entry, got %d", logCount)
	}
}

func TestApplyPushLinksChildAndParentFromSameBatch(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	request := sync.PushRequest{
		DeviceID: "web",
		Tags: []sync.TagDTO{
			{ID: "tag-child", Name: "child", ParentID: "tag-parent", UpdatedAtSeconds: 1700000100},
			{ID: "tag-parent", Name: "parent", UpdatedAtSeconds: 1700000100},
		},
	}

	if _, err := service.ApplyPush(context.Background(), userID, request); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var child Tag
	if err := db.Where("tag_id = ?", "tag-child").Take(&child).Error; err != nil {
		t.Fatalf("failed to load child tag: %v", err)
	}
	if child.ParentID != "tag-parent" {
		t.Fatalf("expected child linked to parent from the same batch, got %q", child.ParentID)
	}
}

func TestApplyPushDegradesMissingParentToRoot(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	request := sync.PushRequest{
		DeviceID: "web",
		Tags: []sync.TagDTO{
			{ID: "tag-1", Name: "orphan", ParentID: "tag-missing", UpdatedAtSeconds: 1700000100},
		},
	}

	if _, err := service.ApplyPush(context.Background(), userID, request); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored Tag
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load tag: %v", err)
	}
	if stored.ParentID != "" {
		t.Fatalf("expected missing parent to degrade to root, got %q", stored.ParentID)
	}
}

func TestApplyPushBreaksParentCycle(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	seed := sync.PushRequest{
		DeviceID: "web",
		Tags: []sync.TagDTO{
			{ID: "tag-a", Name: "a", UpdatedAtSeconds: 1700000100},
			{ID: "tag-b", Name: "b", ParentID: "tag-a", UpdatedAtSeconds: 1700000100},
		},
	}
	if _, err := service.ApplyPush(context.Background(), userID, seed); err != nil {
		t.Fatalf("unexpected error seeding tags: %v", err)
	}

	// Re-pointing a at b would close a cycle a -> b -> a.
	repoint := sync.PushRequest{
		DeviceID: "web",
		Tags: []sync.TagDTO{
			{ID: "tag-a", Name: "a", ParentID: "tag-b", UpdatedAtSeconds: 1700000200, BaseVersion: 1},
		},
	}
	if _, err := service.ApplyPush(context.Background(), userID, repoint); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored Tag
	if err := db.Where("tag_id = ?", "tag-a").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load tag: %v", err)
	}
	if stored.ParentID != "" {
		t.Fatalf("expected cyclic parent to degrade to root, got %q", stored.ParentID)
	}
}

func TestApplyPushDropsUnknownTagAssociations(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	request := sync.PushRequest{
		DeviceID: "web",
		Tags: []sync.TagDTO{
			{ID: "tag-1", Name: "known", UpdatedAtSeconds: 1700000100},
		},
		Notes: []sync.NoteDTO{
			{ID: "note-1", Content: "hello", UpdatedAtSeconds: 1700000100, TagIDs: []string{"tag-1", "tag-ghost"}},
		},
	}

	if _, err := service.ApplyPush(context.Background(), userID, request); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var links []NoteTagLink
	if err := db.Find(&links).Error; err != nil {
		t.Fatalf("failed to load links: %v", err)
	}
	if len(links) != 1 || links[0].TagID != "tag-1" {
		t.Fatalf("expected only the known tag association, got %#v", links)
	}
}

func TestApplyPushPurgesAndAcknowledges(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	existing := Note{
		UserID:           "user-1",
		NoteID:           "note-1",
		Content:          "old",
		CreatedAtSeconds: 1690000000,
		UpdatedAtSeconds: 1690000000,
		DeletedAtSeconds: 1690001000,
		Version:          2,
	}
	if err := db.Create(&existing).Error; err != nil {
		t.Fatalf("failed to seed note: %v", err)
	}
	link := NoteTagLink{UserID: "user-1", NoteID: "note-1", TagID: "tag-1"}
	if err := db.Create(&link).Error; err != nil {
		t.Fatalf("failed to seed link: %v", err)
	}

	request := sync.PushRequest{
		DeviceID:           "web",
		HardDeletedNoteIDs: []string{"note-1", "note-unknown"},
	}

	result, err := service.ApplyPush(context.Background(), userID, request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.AcknowledgedNotes) != 2 {
		t.Fatalf("expected both ids acknowledged, got %v", result.AcknowledgedNotes)
	}

	var noteCount, linkCount int64
	if err := db.Model(&Note{}).Count(&noteCount).Error; err != nil {
		t.Fatalf("failed to count notes: %v", err)
	}
	if err := db.Model(&NoteTagLink{}).Count(&linkCount).Error; err != nil {
		t.Fatalf("failed to count links: %v", err)
	}
	if noteCount != 0 || linkCount != 0 {
		t.Fatalf("expected note and links removed, got %d notes %d links", noteCount, linkCount)
	}

	var entries []ChangeLogEntry
	if err := db.Order("log_id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load log entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two purge log entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Operation != sync.OperationPurge {
			t.Fatalf("expected purge operation, got %s", entry.Operation)
		}
	}
}

func TestApplyPushRequiresUserID(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.ApplyPush(context.Background(), sync.UserID(""), sync.PushRequest{DeviceID: "web"})
	if err == nil {
		t.Fatalf("expected error for missing user id")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if serviceErr.Code() != "hub.apply_push.missing_user_id" {
		t.Fatalf("unexpected error code %s", serviceErr.Code())
	}
}

func TestApplyPushIsolatesUsers(t *testing.T) {
	service, db := newTestService(t)

	other := Note{UserID: "user-2", NoteID: "note-1", Content: "theirs", UpdatedAtSeconds: 1700000000, Version: 9}
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("failed to seed note: %v", err)
	}

	request := sync.PushRequest{
		DeviceID: "web",
		Notes:    []sync.NoteDTO{{ID: "note-1", Content: "mine", UpdatedAtSeconds: 1700000100}},
	}
	result, err := service.ApplyPush(context.Background(), mustUserID(t, "user-1"), request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("expected no cross-user conflicts, got %d", len(result.Conflicts))
	}

	var mine Note
	if err := db.Where("user_id = ?", "user-1").Take(&mine).Error; err != nil {
		t.Fatalf("failed to load note: %v", err)
	}
	if mine.Version != 1 {
		t.Fatalf("expected fresh version for the other user, got %d", mine.Version)
	}
}
