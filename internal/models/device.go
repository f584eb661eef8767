package models

import (
	"database/sql/driver"
	"encoding/json"
	"regexp"
	"time"
)

// DeviceStatus represents the derived online/offline classification of a node
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusUnknown DeviceStatus = "unknown"
)

var addrPattern = regexp.MustCompile(`^[A-F0-9]{6}$`)

// ValidAddr reports whether addr is a well-formed node hardware address
// (six uppercase hex characters, the short form the nodes publish under).
func ValidAddr(addr string) bool {
	return addrPattern.MatchString(addr)
}

// Device represents one field node as the gateway sees it. The gateway only
// reads and republishes this view; the storage layer owns the record.
type Device struct {
	ID          string     `json:"id" db:"device_id"`
	Addr        string     `json:"mac" db:"addr"`
	Name        string     `json:"name" db:"name"`
	Location    string     `json:"location,omitempty" db:"location"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
	LastSeenAt  *time.Time `json:"lastSeen" db:"last_seen_at"`
	AlarmActive bool       `json:"alarmActive" db:"alarm_active"`

	// Status is derived from LastSeenAt against the freshness threshold,
	// never persisted.
	Status DeviceStatus `json:"status"`
}

// Label returns the human-facing name, falling back to the logical id.
func (d *Device) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// ClassifyStatus derives the online/offline status from the last-seen
// timestamp and the configured freshness threshold.
func (d *Device) ClassifyStatus(threshold time.Duration, now time.Time) DeviceStatus {
	if d.LastSeenAt == nil {
		return DeviceStatusUnknown
	}
	if now.Sub(*d.LastSeenAt) <= threshold {
		return DeviceStatusOnline
	}
	return DeviceStatusOffline
}

// Variables represents a JSON object for storing arbitrary data
type Variables map[string]interface{}

// Value implements driver.Valuer interface
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner interface
func (v *Variables) Scan(value interface{}) error {
	if value == nil {
		*v = make(Variables)
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return json.Unmarshal([]byte(data.(string)), v)
	}
}
