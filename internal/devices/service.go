package devices

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidDevice indicates the push did not carry a usable device identifier.
var ErrInvalidDevice = errors.New("devices: invalid device")

// ServiceConfig describes the dependencies required by the device registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records which devices have pushed for which users. Entries are created on
// first sight and refreshed on every push.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the device registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// RecordPush upserts the device row and advances its push bookkeeping. A missing device
// identifier is an error for the registry but must never fail a sync, so callers log and
// continue on ErrInvalidDevice.
func (s *Service) RecordPush(userID, deviceID string, cursor int64) error {
	userID = normalize(userID)
	deviceID = normalize(deviceID)
	if userID == "" || deviceID == "" {
		return ErrInvalidDevice
	}

	cacheKey := userID + ":" + deviceID
	_, known := s.cache.Load(cacheKey)

	var device Device
	err := s.db.
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		First(&device).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		device = Device{
			UserID:     userID,
			DeviceID:   deviceID,
			PushCount:  1,
			LastCursor: cursor,
			LastSeenAt: s.now(),
		}
		if err := s.db.Create(&device).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		updates := map[string]interface{}{
			"push_count":   device.PushCount + 1,
			"last_seen_at": s.now(),
		}
		if cursor > device.LastCursor {
			updates["last_cursor"] = cursor
		}
		if err := s.db.Model(&Device{}).
			Where("user_id = ? AND device_id = ?", userID, deviceID).
			Updates(updates).
			Error; err != nil {
			return err
		}
	}

	if !known {
		s.cache.Store(cacheKey, struct{}{})
	}
	return nil
}

// KnownDevices lists every registered device for a user, most recently seen first.
func (s *Service) KnownDevices(userID string) ([]Device, error) {
	userID = normalize(userID)
	if userID == "" {
		return nil, ErrInvalidDevice
	}
	var rows []Device
	if err := s.db.
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
