package gateway

import (
	"time"

	"github.com/node-fleet/node-gateway/internal/models"
)

// Outbound frame builders. Every outbound frame carries type and an ISO-8601
// timestamp; the web clients depend on these shapes staying stable.

func baseFrame(msgType string) models.Variables {
	return models.Variables{
		"type":      msgType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// NewErrorFrame builds a structured error reply
func NewErrorFrame(code int, details string) models.Variables {
	frame := baseFrame(models.MessageTypeError)
	frame["success"] = false
	frame["error"] = models.Variables{
		"code":    code,
		"message": models.ErrorMessage(code),
		"details": details,
	}
	return frame
}

// NewWelcomeFrame builds the frame sent right after registration. It
// advertises the maximum frame size the session may send; larger frames are
// rejected with MESSAGE_TOO_LARGE.
func NewWelcomeFrame(sessionID, serverVersion string, maxMessageSize int64) models.Variables {
	frame := baseFrame(models.MessageTypeWelcome)
	frame["sessionId"] = sessionID
	frame["serverVersion"] = serverVersion
	frame["maxMessageSize"] = maxMessageSize
	return frame
}

// NewHandshakeResponse builds the full-state reply to a handshake
func NewHandshakeResponse(devices []*models.Device, info models.Variables) models.Variables {
	deviceList := make([]models.Variables, 0, len(devices))
	for _, d := range devices {
		deviceList = append(deviceList, models.Variables{
			"id":          d.ID,
			"mac":         d.Addr,
			"name":        d.Label(),
			"location":    d.Location,
			"status":      d.Status,
			"lastSeen":    d.LastSeenAt,
			"alarmActive": d.AlarmActive,
		})
	}

	data := models.Variables{
		"devices":    deviceList,
		"serverTime": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range info {
		data[k] = v
	}

	frame := baseFrame(models.MessageTypeHandshakeResponse)
	frame["success"] = true
	frame["data"] = data
	return frame
}

// NewNotification builds a device event notification
func NewNotification(event string, device *models.Device, eventData models.Variables) models.Variables {
	data := models.Variables{
		"deviceId":   device.ID,
		"mac":        device.Addr,
		"deviceName": device.Label(),
	}
	for k, v := range eventData {
		data[k] = v
	}

	frame := baseFrame(models.MessageTypeNotification)
	frame["event"] = event
	frame["data"] = data
	return frame
}

// NewCommandResponse builds the immediate dispatch confirmation. This is not
// the device's ACK; it only confirms the command left the gateway.
func NewCommandResponse(deviceID, command, status string) models.Variables {
	frame := baseFrame(models.MessageTypeDeviceCommandResp)
	frame["success"] = true
	frame["data"] = models.Variables{
		"deviceId": deviceID,
		"command":  command,
		"status":   status,
	}
	return frame
}

// NewPongFrame builds the reply to a session-level ping
func NewPongFrame(originalTimestamp string) models.Variables {
	frame := baseFrame(models.MessageTypePong)
	if originalTimestamp != "" {
		frame["originalTimestamp"] = originalTimestamp
	}
	return frame
}

// NewSystemInfoResponse builds the reply to a system_info request
func NewSystemInfoResponse(data models.Variables) models.Variables {
	frame := baseFrame(models.MessageTypeSystemInfo)
	frame["success"] = true
	frame["data"] = data
	return frame
}
