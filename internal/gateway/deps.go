package gateway

import (
	"context"
	"time"

	"github.com/node-fleet/node-gateway/internal/models"
)

// DeviceStore is the slice of the storage collaborator the gateway consumes.
// storage.Store satisfies it.
type DeviceStore interface {
	GetDeviceSnapshot(ctx context.Context, freshness time.Duration) ([]*models.Device, error)
	GetDeviceByAddr(ctx context.Context, addr string) (*models.Device, error)
	ResolveAddress(ctx context.Context, deviceID string) (string, error)
	UpdateHeartbeat(ctx context.Context, addr string, seenAt time.Time) error
	SetAlarmActive(ctx context.Context, addr string, active bool) error
	CreateEventLog(ctx context.Context, event *models.EventLog) error
}

// CommandPublisher is the outbound side of the device transport. mqtt.Client
// satisfies it.
type CommandPublisher interface {
	PublishCommand(addr string, payload []byte) error
	IsConnected() bool
}

// EventExporter republishes device events for external collaborators. May be
// nil when no bus is configured.
type EventExporter interface {
	PublishDeviceEvent(ev models.DeviceEvent) error
}
