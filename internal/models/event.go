package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	DeviceID string `json:"deviceId,omitempty" db:"device_id"`
	Addr     string `json:"mac,omitempty" db:"addr"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	EventTypeHeartbeat  EventType = "HEARTBEAT"
	EventTypeAlarm      EventType = "ALARM"
	EventTypeCommand    EventType = "COMMAND"
	EventTypeCommandAck EventType = "COMMAND_ACK"
	EventTypeReset      EventType = "RESET"
	EventTypePlayback   EventType = "PLAYBACK"
	EventTypeStatus     EventType = "STATUS"
	EventTypeError      EventType = "ERROR"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// DeviceEvent is an unsolicited event decoded from a node's ACK channel.
// Fields carries the event-specific remainder of the payload (uptime, rssi,
// button identity and so on), untouched.
type DeviceEvent struct {
	Addr   string
	Event  string
	Time   string
	Fields Variables
}

// Device event kinds as they appear on the wire.
const (
	DeviceEventReset     = "rst"
	DeviceEventButton    = "button"
	DeviceEventHeartbeat = "hb"
	DeviceEventPlayDone  = "play_fin"
	DeviceEventAck       = "ack_ans"
)
