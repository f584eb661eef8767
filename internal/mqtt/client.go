package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/node-fleet/node-gateway/internal/config"
	"github.com/node-fleet/node-gateway/internal/models"
)

const (
	commandTopicFmt = "NODE/%s/CMD"
	ackTopicFilter  = "NODE/+/ACK"
)

var ackTopicRe = regexp.MustCompile(`^NODE/([A-F0-9]{6})/ACK$`)

// EventSink receives decoded device events from the ACK channel.
type EventSink interface {
	HandleDeviceEvent(ctx context.Context, ev models.DeviceEvent)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ctx context.Context, ev models.DeviceEvent)

func (f SinkFunc) HandleDeviceEvent(ctx context.Context, ev models.DeviceEvent) {
	f(ctx, ev)
}

// Client is the MQTT device transport. Commands go out on NODE/{addr}/CMD
// and events come back on NODE/{addr}/ACK. Reconnects re-establish the ACK
// subscription through the on-connect handler.
type Client struct {
	cfg  *config.MQTTConfig
	sink EventSink
	conn mqtt.Client
}

// NewClient creates the device transport client. Connect must be called
// before publishing.
func NewClient(cfg *config.MQTTConfig, sink EventSink) *Client {
	c := &Client{cfg: cfg, sink: sink}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(cfg.KeepAlive)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT connected")
		c.subscribe(client)
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Msg("MQTT connection lost")
	})

	c.conn = mqtt.NewClient(opts)
	return c
}

// Connect establishes the broker connection and the ACK subscription.
func (c *Client) Connect() error {
	token := c.conn.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("connect to MQTT broker %s: timeout", c.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", c.cfg.BrokerURL, err)
	}
	return nil
}

func (c *Client) subscribe(client mqtt.Client) {
	token := client.Subscribe(ackTopicFilter, c.cfg.QoS, c.handleMessage)
	if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() == nil {
		log.Info().Str("filter", ackTopicFilter).Msg("Subscribed to device events")
		return
	}
	log.Error().Err(token.Error()).Str("filter", ackTopicFilter).
		Msg("Device event subscription failed")
}

// PublishCommand sends a raw payload to the device's command topic.
func (c *Client) PublishCommand(addr string, payload []byte) error {
	topic := fmt.Sprintf(commandTopicFmt, addr)

	token := c.conn.Publish(topic, c.cfg.QoS, false, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	log.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Command published")
	return nil
}

// IsConnected reports whether the broker connection is up
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close disconnects from the broker
func (c *Client) Close() {
	if c.conn != nil && c.conn.IsConnected() {
		c.conn.Disconnect(250)
	}
}

// handleMessage decodes one frame from a node's ACK topic and hands it to
// the sink. Malformed frames are logged and dropped.
func (c *Client) handleMessage(client mqtt.Client, msg mqtt.Message) {
	ev, err := decodeEvent(msg.Topic(), msg.Payload())
	if err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("Device event dropped")
		return
	}
	c.sink.HandleDeviceEvent(context.Background(), ev)
}

// decodeEvent parses the node address out of the topic and the event out of
// the payload. The event and time keys move into the envelope; everything
// else stays in Fields.
func decodeEvent(topic string, payload []byte) (models.DeviceEvent, error) {
	m := ackTopicRe.FindStringSubmatch(topic)
	if m == nil {
		return models.DeviceEvent{}, fmt.Errorf("unexpected topic %q", topic)
	}
	addr := m[1]

	var fields models.Variables
	if err := json.Unmarshal(payload, &fields); err != nil {
		return models.DeviceEvent{}, fmt.Errorf("malformed payload from %s: %w", addr, err)
	}

	ev := models.DeviceEvent{Addr: addr, Fields: fields}
	if event, ok := fields["event"].(string); ok {
		ev.Event = event
		delete(fields, "event")
	}
	if t, ok := fields["time"].(string); ok {
		ev.Time = t
		delete(fields, "time")
	}

	if ev.Event == "" {
		return models.DeviceEvent{}, fmt.Errorf("event field missing from %s", addr)
	}
	return ev, nil
}
