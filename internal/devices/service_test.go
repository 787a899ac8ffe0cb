package devices

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestRegistry(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:scriptor_devices_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Device{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	return service, db
}

func TestRecordPushCreatesDeviceOnFirstSight(t *testing.T) {
	service, db := newTestRegistry(t)

	if err := service.RecordPush("user-1", "device-a", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored Device
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load device: %v", err)
	}
	if stored.PushCount != 1 {
		t.Fatalf("expected push count 1, got %d", stored.PushCount)
	}
	if stored.LastCursor != 5 {
		t.Fatalf("expected cursor 5, got %d", stored.LastCursor)
	}
}

func TestRecordPushAdvancesExistingDevice(t *testing.T) {
	service, db := newTestRegistry(t)

	if err := service.RecordPush("user-1", "device-a", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.RecordPush("user-1", "device-a", 9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A cursor behind the recorded one never moves the bookkeeping backwards.
	if err := service.RecordPush("user-1", "device-a", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored Device
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load device: %v", err)
	}
	if stored.PushCount != 3 {
		t.Fatalf("expected push count 3, got %d", stored.PushCount)
	}
	if stored.LastCursor != 9 {
		t.Fatalf("expected cursor 9, got %d", stored.LastCursor)
	}
}

func TestRecordPushRejectsBlankIdentifiers(t *testing.T) {
	service, _ := newTestRegistry(t)

	if err := service.RecordPush("  ", "device-a", 1); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
	if err := service.RecordPush("user-1", "", 1); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
}

func TestKnownDevicesListsMostRecentFirst(t *testing.T) {
	service, db := newTestRegistry(t)

	older := Device{UserID: "user-1", DeviceID: "device-old", LastSeenAt: time.Unix(1690000000, 0)}
	newer := Device{UserID: "user-1", DeviceID: "device-new", LastSeenAt: time.Unix(1700000000, 0)}
	foreign := Device{UserID: "user-2", DeviceID: "device-x", LastSeenAt: time.Unix(1700000000, 0)}
	for _, row := range []Device{older, newer, foreign} {
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed device: %v", err)
		}
	}

	rows, err := service.KnownDevices("user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(rows))
	}
	if rows[0].DeviceID != "device-new" {
		t.Fatalf("expected most recent device first, got %s", rows[0].DeviceID)
	}
}
