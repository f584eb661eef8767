package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/node-fleet/node-gateway/internal/models"
)

// StatusMonitor watches the device snapshot and notifies clients when a
// device crosses the online/offline boundary. Devices that have never
// reported are skipped until their first heartbeat settles their status.
type StatusMonitor struct {
	store       DeviceStore
	broadcaster *Broadcaster
	freshness   time.Duration
	interval    time.Duration

	last map[string]models.DeviceStatus
}

// NewStatusMonitor creates the device status monitor
func NewStatusMonitor(store DeviceStore, broadcaster *Broadcaster, freshness, interval time.Duration) *StatusMonitor {
	return &StatusMonitor{
		store:       store,
		broadcaster: broadcaster,
		freshness:   freshness,
		interval:    interval,
		last:        make(map[string]models.DeviceStatus),
	}
}

// Run polls device status until ctx is cancelled.
func (m *StatusMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().
		Dur("freshness", m.freshness).
		Dur("interval", m.interval).
		Msg("Device status monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Device status monitor stopped")
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *StatusMonitor) check(ctx context.Context) {
	devices, err := m.store.GetDeviceSnapshot(ctx, m.freshness)
	if err != nil {
		log.Error().Err(err).Msg("Device snapshot failed, skipping status check")
		return
	}

	for _, device := range devices {
		prev, seen := m.last[device.Addr]
		m.last[device.Addr] = device.Status

		if device.Status == models.DeviceStatusUnknown {
			continue
		}
		if !seen || prev == device.Status {
			continue
		}

		m.broadcaster.NotifyStatusChange(device, device.Status == models.DeviceStatusOnline)
	}
}
