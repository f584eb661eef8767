package storage

import (
	"context"
	"errors"
	"time"

	"github.com/node-fleet/node-gateway/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface the gateway collaborates with.
// The gateway only reads device identity and republishes snapshots; the
// event-driven mutations (heartbeat, alarm flag) are the narrow write surface
// the device transport needs.
type Store interface {
	// Device methods
	GetDeviceSnapshot(ctx context.Context, freshness time.Duration) ([]*models.Device, error)
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	GetDeviceByAddr(ctx context.Context, addr string) (*models.Device, error)
	ResolveAddress(ctx context.Context, deviceID string) (string, error)
	UpdateHeartbeat(ctx context.Context, addr string, seenAt time.Time) error
	SetAlarmActive(ctx context.Context, addr string, active bool) error

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	DeviceID  string
	Addr      string
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
