package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/node-fleet/node-gateway/internal/models"
)

// knownMessageTypes is the set of inbound types the gateway accepts.
var knownMessageTypes = map[string]bool{
	models.MessageTypeHandshake:     true,
	models.MessageTypeDeviceCommand: true,
	models.MessageTypeSystemInfo:    true,
	models.MessageTypePing:          true,
	models.MessageTypePong:          true,
}

// ValidationResult is the outcome of validating one raw frame.
type ValidationResult struct {
	OK          bool
	Envelope    *models.Envelope
	ErrorCode   int
	ErrorDetail string
}

func invalid(code int, detail string) ValidationResult {
	return ValidationResult{OK: false, ErrorCode: code, ErrorDetail: detail}
}

// Validate checks a raw frame against the session envelope contract: size,
// JSON shape, required envelope fields, then type-specific fields. Pure and
// side-effect free.
func Validate(raw []byte, maxSize int64) ValidationResult {
	if int64(len(raw)) > maxSize {
		return invalid(models.ErrCodeMessageTooLarge,
			fmt.Sprintf("frame size %d exceeds maximum %d", len(raw), maxSize))
	}

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return invalid(models.ErrCodeInvalidJSON, err.Error())
	}

	if env.Type == "" || env.Timestamp == "" {
		return invalid(models.ErrCodeMissingFields, "type and timestamp are required")
	}

	if !knownMessageTypes[env.Type] {
		return invalid(models.ErrCodeInvalidMessageType,
			fmt.Sprintf("unsupported message type: %s", env.Type))
	}

	switch env.Type {
	case models.MessageTypeHandshake:
		if env.ClientID == "" || env.UserAgent == "" {
			return invalid(models.ErrCodeMissingFields, "handshake requires clientId and userAgent")
		}

	case models.MessageTypeDeviceCommand:
		if env.DeviceID == "" || env.Command == "" {
			return invalid(models.ErrCodeMissingFields, "device command requires deviceId and command")
		}
		if _, ok := models.DeviceCommands[env.Command]; !ok {
			return invalid(models.ErrCodeInvalidCommand,
				fmt.Sprintf("unknown command: %s", env.Command))
		}
	}

	return ValidationResult{OK: true, Envelope: &env}
}
