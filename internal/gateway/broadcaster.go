package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/node-fleet/node-gateway/internal/models"
	"github.com/node-fleet/node-gateway/internal/storage"
)

// BroadcastStats holds the notification fan-out counters. EventsByKind is
// keyed by notification kind (heartbeat, button_pressed, device_online, ...),
// never by raw wire event name.
type BroadcastStats struct {
	TotalEvents   int64            `json:"totalEvents"`
	DroppedEvents int64            `json:"droppedEvents"`
	Notifications int64            `json:"notifications"`
	EventsByKind  map[string]int64 `json:"eventsByKind"`
}

// Broadcaster turns raw device events into client notifications and fans
// them out to every ready session. Events from addresses without a device
// record are dropped.
type Broadcaster struct {
	store    DeviceStore
	registry *Registry

	mu    sync.Mutex
	stats BroadcastStats
}

// NewBroadcaster creates the notification broadcaster
func NewBroadcaster(store DeviceStore, registry *Registry) *Broadcaster {
	return &Broadcaster{
		store:    store,
		registry: registry,
		stats: BroadcastStats{
			EventsByKind: make(map[string]int64),
		},
	}
}

// HandleEvent classifies one device event and broadcasts the matching
// notification. Returns the number of sessions notified.
func (b *Broadcaster) HandleEvent(ctx context.Context, ev models.DeviceEvent) int {
	kind, data := classifyEvent(ev)
	if kind == "" {
		b.countUnclassified()
		log.Warn().Str("addr", ev.Addr).Str("event", ev.Event).
			Msg("Unrecognized device event dropped")
		return 0
	}
	b.count(kind)

	device, err := b.store.GetDeviceByAddr(ctx, ev.Addr)
	if err != nil {
		b.countDropped()
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().Str("addr", ev.Addr).Str("event", ev.Event).
				Msg("Event from unknown device dropped")
		} else {
			log.Error().Err(err).Str("addr", ev.Addr).
				Msg("Device lookup failed, event dropped")
		}
		return 0
	}

	sent := b.registry.Broadcast(NewNotification(kind, device, data), Ready)
	b.countNotified()

	log.Debug().
		Str("addr", ev.Addr).
		Str("event", kind).
		Int("notified", sent).
		Msg("Device event broadcast")
	return sent
}

// NotifyStatusChange broadcasts an online/offline transition observed by the
// status monitor.
func (b *Broadcaster) NotifyStatusChange(device *models.Device, online bool) int {
	kind := models.EventDeviceOffline
	if online {
		kind = models.EventDeviceOnline
	}
	b.count(kind)

	sent := b.registry.Broadcast(NewNotification(kind, device, models.Variables{
		"status": string(device.Status),
	}), Ready)
	b.countNotified()

	log.Info().
		Str("addr", device.Addr).
		Str("device", device.Label()).
		Bool("online", online).
		Int("notified", sent).
		Msg("Device status change broadcast")
	return sent
}

// classifyEvent maps a wire event onto its notification kind and payload.
// An empty kind means the event has no client-facing notification.
func classifyEvent(ev models.DeviceEvent) (string, models.Variables) {
	switch ev.Event {
	case models.DeviceEventHeartbeat:
		return models.EventHeartbeat, models.Variables{
			"uptime":     ev.Fields["uptime"],
			"freeMemory": ev.Fields["free_mem"],
			"rssi":       ev.Fields["rssi"],
			"ntpStatus":  ev.Fields["ntp"],
		}
	case models.DeviceEventButton:
		return models.EventButtonPressed, models.Variables{
			"buttonName": ev.Fields["name"],
			"buttonKey":  ev.Fields["key"],
			"alarmState": true,
		}
	case models.DeviceEventReset:
		return models.EventDeviceReset, models.Variables{
			"reason": ev.Fields["reason"],
			"time":   ev.Time,
		}
	case models.DeviceEventPlayDone:
		return models.EventPlayFinished, models.Variables{
			"track":    ev.Fields["track"],
			"duration": ev.Fields["duration"],
		}
	default:
		return "", nil
	}
}

// Stats returns a copy of the broadcast counters
func (b *Broadcaster) Stats() BroadcastStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	byKind := make(map[string]int64, len(b.stats.EventsByKind))
	for k, v := range b.stats.EventsByKind {
		byKind[k] = v
	}
	stats := b.stats
	stats.EventsByKind = byKind
	return stats
}

func (b *Broadcaster) count(kind string) {
	b.mu.Lock()
	b.stats.TotalEvents++
	b.stats.EventsByKind[kind]++
	b.mu.Unlock()
}

func (b *Broadcaster) countDropped() {
	b.mu.Lock()
	b.stats.DroppedEvents++
	b.mu.Unlock()
}

// countUnclassified accounts for events with no client-facing notification;
// they never get an EventsByKind entry.
func (b *Broadcaster) countUnclassified() {
	b.mu.Lock()
	b.stats.TotalEvents++
	b.stats.DroppedEvents++
	b.mu.Unlock()
}

func (b *Broadcaster) countNotified() {
	b.mu.Lock()
	b.stats.Notifications++
	b.mu.Unlock()
}
