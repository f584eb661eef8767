package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/node-fleet/node-gateway/internal/models"
)

// ackUnsyncedClock is the time value a node reports before it has NTP sync.
const ackUnsyncedClock = "UNSYNC"

// EventProcessor consumes decoded device events from the transport, updates
// storage, acknowledges receipt back to the node and hands the event to the
// broadcaster and the command handler. It is the single entry point for the
// device-to-gateway direction.
type EventProcessor struct {
	store       DeviceStore
	publisher   CommandPublisher
	broadcaster *Broadcaster
	commands    *DeviceHandler
	exporter    EventExporter
}

// NewEventProcessor creates the device event processor. exporter may be nil
// when no message bus is configured.
func NewEventProcessor(store DeviceStore, publisher CommandPublisher, broadcaster *Broadcaster, commands *DeviceHandler, exporter EventExporter) *EventProcessor {
	return &EventProcessor{
		store:       store,
		publisher:   publisher,
		broadcaster: broadcaster,
		commands:    commands,
		exporter:    exporter,
	}
}

// HandleDeviceEvent processes one decoded event from a node's ACK channel.
func (p *EventProcessor) HandleDeviceEvent(ctx context.Context, ev models.DeviceEvent) {
	log.Debug().Str("addr", ev.Addr).Str("event", ev.Event).Msg("Device event received")

	if p.exporter != nil {
		if err := p.exporter.PublishDeviceEvent(ev); err != nil {
			log.Warn().Err(err).Str("addr", ev.Addr).Msg("Event export failed")
		}
	}

	switch ev.Event {
	case models.DeviceEventAck:
		p.commands.ResolveAck(ctx, ev)

	case models.DeviceEventHeartbeat:
		if err := p.store.UpdateHeartbeat(ctx, ev.Addr, time.Now()); err != nil {
			log.Warn().Err(err).Str("addr", ev.Addr).Msg("Heartbeat update failed")
		}
		p.broadcaster.HandleEvent(ctx, ev)
		p.sendAck(ev)

	case models.DeviceEventButton:
		p.handleButton(ctx, ev)
		p.broadcaster.HandleEvent(ctx, ev)
		p.sendAck(ev)

	case models.DeviceEventReset:
		// A node fresh out of reset has no clock yet; the ACK carries the
		// current time so it can sync.
		if ev.Time == ackUnsyncedClock {
			p.sendAck(ev)
		}
		p.broadcaster.HandleEvent(ctx, ev)

	case models.DeviceEventPlayDone:
		p.broadcaster.HandleEvent(ctx, ev)
		p.sendAck(ev)

	default:
		log.Warn().Str("addr", ev.Addr).Str("event", ev.Event).
			Msg("Unknown device event ignored")
	}
}

func (p *EventProcessor) handleButton(ctx context.Context, ev models.DeviceEvent) {
	if err := p.store.SetAlarmActive(ctx, ev.Addr, true); err != nil {
		log.Warn().Err(err).Str("addr", ev.Addr).Msg("Alarm flag update failed")
	}

	name, _ := ev.Fields["name"].(string)
	event := &models.EventLog{
		Addr:        ev.Addr,
		Type:        models.EventTypeAlarm,
		Level:       models.EventLevelWarning,
		Description: fmt.Sprintf("Button %q pressed on %s", name, ev.Addr),
		Details:     ev.Fields,
	}
	if err := p.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}

// sendAck confirms event receipt back to the node on its command channel.
// The reply mirrors the node protocol: {dsp, event, time, status}, where dsp
// carries the node's own address on every ACK-channel frame.
func (p *EventProcessor) sendAck(ev models.DeviceEvent) {
	reply, err := json.Marshal(models.Variables{
		"dsp":    ev.Addr,
		"event":  "ack_ans",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"status": "ok",
	})
	if err != nil {
		return
	}
	if err := p.publisher.PublishCommand(ev.Addr, reply); err != nil {
		log.Warn().Err(err).Str("addr", ev.Addr).Msg("Event ACK publish failed")
	}
}
