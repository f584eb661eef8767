package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/node-fleet/node-gateway/internal/config"
	"github.com/node-fleet/node-gateway/internal/models"
)

// Exporter republishes device events on NATS for external consumers
// (dashboards, alerting, long-term archival). The gateway works without it;
// callers skip construction when no bus is configured.
type Exporter struct {
	nc *nats.Conn
}

// NewExporter connects to NATS with reconnect handling.
func NewExporter(cfg *config.NATSConfig, clientName string) (*Exporter, error) {
	opts := []nats.Option{
		nats.Name(clientName),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	return &Exporter{nc: nc}, nil
}

// PublishDeviceEvent republishes one device event on node.event.{addr}.
func (e *Exporter) PublishDeviceEvent(ev models.DeviceEvent) error {
	payload, err := json.Marshal(map[string]interface{}{
		"mac":    ev.Addr,
		"event":  ev.Event,
		"time":   ev.Time,
		"fields": ev.Fields,
	})
	if err != nil {
		return fmt.Errorf("marshal device event: %w", err)
	}

	subject := fmt.Sprintf("node.event.%s", ev.Addr)
	if err := e.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (e *Exporter) Close() {
	if e.nc != nil {
		e.nc.Close()
	}
}
