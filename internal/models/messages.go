package models

// Message types accepted from and sent to client sessions.
const (
	MessageTypeHandshake         = "handshake"
	MessageTypeHandshakeResponse = "handshake_response"
	MessageTypeDeviceCommand     = "device_command"
	MessageTypeDeviceCommandResp = "device_command_response"
	MessageTypeSystemInfo        = "system_info"
	MessageTypeNotification      = "notification"
	MessageTypePing              = "ping"
	MessageTypePong              = "pong"
	MessageTypeWelcome           = "welcome"
	MessageTypeError             = "error"
)

// Envelope is the textual frame exchanged with client sessions. Every frame
// carries a type and an ISO-8601 timestamp; the remaining fields are
// type-specific and validated by the message validator.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp string    `json:"timestamp"`
	ClientID  string    `json:"clientId,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Command   string    `json:"command,omitempty"`
	Data      Variables `json:"data,omitempty"`
}

// Error codes, stable wire contract with the web clients.
const (
	ErrCodeInvalidJSON          = 1001
	ErrCodeMissingFields        = 1002
	ErrCodeInvalidMessageType   = 1003
	ErrCodeAuthenticationFailed = 1004
	ErrCodeDeviceNotFound       = 1005
	ErrCodeInternalError        = 1006
	ErrCodeConnectionLimit      = 1007
	ErrCodeMessageTooLarge      = 1008
	ErrCodeInvalidCommand       = 400
	ErrCodeCommandTimeout       = 408
)

var errorMessages = map[int]string{
	ErrCodeInvalidJSON:          "invalid JSON format",
	ErrCodeMissingFields:        "missing required fields",
	ErrCodeInvalidMessageType:   "invalid message type",
	ErrCodeAuthenticationFailed: "authentication failed",
	ErrCodeDeviceNotFound:       "device not found",
	ErrCodeInternalError:        "internal server error",
	ErrCodeConnectionLimit:      "connection limit reached",
	ErrCodeMessageTooLarge:      "message too large",
	ErrCodeInvalidCommand:       "invalid command",
	ErrCodeCommandTimeout:       "command execution timed out",
}

// ErrorMessage returns the canonical message for a wire error code.
func ErrorMessage(code int) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "unknown error"
}

// Commands accepted from client sessions, with their wire form on the
// device command channel and the data fields they require.
type CommandSpec struct {
	WireCmd        string
	RequiredFields []string
}

// DeviceCommands is the fixed set of commands the gateway will dispatch.
var DeviceCommands = map[string]CommandSpec{
	"ping":       {WireCmd: "ping"},
	"play_track": {WireCmd: "play_track", RequiredFields: []string{"track"}},
	"stop_audio": {WireCmd: "stop_audio"},
	"set_volume": {WireCmd: "set_volume", RequiredFields: []string{"volume"}},
	"get_status": {WireCmd: "getinfo"},
	"reboot":     {WireCmd: "reboot"},
}

// Notification events fanned out to ready sessions.
const (
	EventButtonPressed  = "button_pressed"
	EventHeartbeat      = "heartbeat"
	EventDeviceReset    = "device_reset"
	EventPlayFinished   = "play_finished"
	EventDeviceResponse = "device_response"
	EventCommandTimeout = "command_timeout"
	EventDeviceOnline   = "device_online"
	EventDeviceOffline  = "device_offline"
)
