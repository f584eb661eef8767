package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/node-fleet/node-gateway/internal/models"
)

// SystemHandler serves the handshake and system_info message types. The
// handshake synchronizes a fresh session with the current device fleet state
// and promotes it to ready.
type SystemHandler struct {
	store     DeviceStore
	registry  *Registry
	transport CommandPublisher
	freshness time.Duration
	version   string
	startTime time.Time
}

// NewSystemHandler creates the handshake/system handler
func NewSystemHandler(store DeviceStore, registry *Registry, transport CommandPublisher, freshness time.Duration, version string) *SystemHandler {
	return &SystemHandler{
		store:     store,
		registry:  registry,
		transport: transport,
		freshness: freshness,
		version:   version,
		startTime: time.Now(),
	}
}

// HandleHandshake records the negotiated metadata, replies with the full
// device snapshot and promotes the session to ready. The session stays
// non-ready if the snapshot fetch or the send fails, so the client may retry.
func (h *SystemHandler) HandleHandshake(ctx context.Context, sess *Session, env *models.Envelope) error {
	sess.SetMeta("clientId", env.ClientID)
	sess.SetMeta("userAgent", env.UserAgent)
	if version, ok := env.Data["version"].(string); ok {
		sess.SetMeta("version", version)
	}

	devices, err := h.store.GetDeviceSnapshot(ctx, h.freshness)
	if err != nil {
		return fmt.Errorf("fetch device snapshot: %w", err)
	}

	response := NewHandshakeResponse(devices, models.Variables{
		"serverVersion":    h.version,
		"serverUptime":     time.Since(h.startTime).Seconds(),
		"connectedClients": h.registry.Count(),
		"mqttStatus":       h.transportStatus(),
	})

	if err := sess.Send(response); err != nil {
		return fmt.Errorf("send handshake response: %w", err)
	}

	h.registry.SetState(sess.ID, StateReady)

	log.Info().
		Str("sessionID", sess.ID).
		Str("clientId", env.ClientID).
		Int("devices", len(devices)).
		Msg("Handshake completed")

	return nil
}

// HandleSystemInfo replies with the gateway's runtime counters.
func (h *SystemHandler) HandleSystemInfo(ctx context.Context, sess *Session, env *models.Envelope) error {
	devices, err := h.store.GetDeviceSnapshot(ctx, h.freshness)
	if err != nil {
		return fmt.Errorf("fetch device snapshot: %w", err)
	}

	online := 0
	for _, d := range devices {
		if d.Status == models.DeviceStatusOnline {
			online++
		}
	}

	return sess.Send(NewSystemInfoResponse(models.Variables{
		"serverVersion":    h.version,
		"serverUptime":     time.Since(h.startTime).Seconds(),
		"startTime":        h.startTime.UTC().Format(time.RFC3339),
		"connectedClients": h.registry.Count(),
		"connectedDevices": online,
		"totalDevices":     len(devices),
		"mqttStatus":       h.transportStatus(),
	}))
}

func (h *SystemHandler) transportStatus() string {
	if h.transport != nil && h.transport.IsConnected() {
		return "connected"
	}
	return "disconnected"
}
