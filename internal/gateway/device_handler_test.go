package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/node-fleet/node-gateway/internal/models"
)

func commandEnvelope(deviceID, command string, data models.Variables) *models.Envelope {
	return &models.Envelope{
		Type:      models.MessageTypeDeviceCommand,
		Timestamp: "2026-01-01T00:00:00Z",
		DeviceID:  deviceID,
		Command:   command,
		Data:      data,
	}
}

func TestHandleCommandDispatchesAndConfirms(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	publisher := newFakePublisher()
	h := NewDeviceHandler(store, registry, publisher, time.Second)
	defer h.Shutdown()

	conn := &fakeConn{}
	sess := readySession(registry, conn)

	err := h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "ping", nil))
	require.NoError(t, err)

	// Wire payload carries cmd and timestamp.
	require.Equal(t, 1, publisher.count("A1B2C3"))
	payload := publisher.last("A1B2C3")
	assert.Equal(t, "ping", payload["cmd"])
	assert.NotEmpty(t, payload["timestamp"])

	// The immediate reply confirms dispatch, not execution.
	frame := conn.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, models.MessageTypeDeviceCommandResp, frame["type"])
	data, _ := frame["data"].(map[string]interface{})
	assert.Equal(t, "sent", data["status"])
	assert.Equal(t, "ping", data["command"])

	assert.Equal(t, 1, h.PendingCount())
}

func TestHandleCommandTranslatesWireForm(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	publisher := newFakePublisher()
	h := NewDeviceHandler(store, registry, publisher, time.Second)
	defer h.Shutdown()

	sess := readySession(registry, &fakeConn{})

	err := h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "get_status", nil))
	require.NoError(t, err)

	payload := publisher.last("A1B2C3")
	assert.Equal(t, "getinfo", payload["cmd"])
}

func TestHandleCommandIncludesDataParams(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	publisher := newFakePublisher()
	h := NewDeviceHandler(store, registry, publisher, time.Second)
	defer h.Shutdown()

	sess := readySession(registry, &fakeConn{})

	err := h.HandleCommand(context.Background(), sess,
		commandEnvelope("dev-1", "play_track", models.Variables{"track": float64(3)}))
	require.NoError(t, err)

	payload := publisher.last("A1B2C3")
	assert.Equal(t, "play_track", payload["cmd"])
	assert.Equal(t, float64(3), payload["track"])
}

func TestHandleCommandMissingRequiredField(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	publisher := newFakePublisher()
	h := NewDeviceHandler(store, registry, publisher, time.Second)
	defer h.Shutdown()

	conn := &fakeConn{}
	sess := readySession(registry, conn)

	err := h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "set_volume", nil))
	require.NoError(t, err)

	assert.Equal(t, models.ErrCodeInvalidCommand, errorCode(conn.lastFrame()))
	assert.Equal(t, 0, publisher.count("A1B2C3"))
	assert.Equal(t, 0, h.PendingCount())
}

func TestHandleCommandUnknownDevice(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore()
	publisher := newFakePublisher()
	h := NewDeviceHandler(store, registry, publisher, time.Second)
	defer h.Shutdown()

	conn := &fakeConn{}
	sess := readySession(registry, conn)

	err := h.HandleCommand(context.Background(), sess, commandEnvelope("ghost", "ping", nil))
	require.NoError(t, err)

	assert.Equal(t, models.ErrCodeDeviceNotFound, errorCode(conn.lastFrame()))
	assert.Equal(t, 0, h.PendingCount())
}

func TestHandleCommandTransportDown(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	publisher := newFakePublisher()
	publisher.connected = false
	h := NewDeviceHandler(store, registry, publisher, time.Second)
	defer h.Shutdown()

	conn := &fakeConn{}
	sess := readySession(registry, conn)

	err := h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "ping", nil))
	require.NoError(t, err)

	assert.Equal(t, models.ErrCodeInternalError, errorCode(conn.lastFrame()))
	assert.Equal(t, 0, publisher.count("A1B2C3"))
	assert.Equal(t, 0, h.PendingCount())
}

func TestHandleCommandPublishFailureClearsPending(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	publisher := newFakePublisher()
	publisher.publishErr = errors.New("broker gone")
	h := NewDeviceHandler(store, registry, publisher, time.Second)
	defer h.Shutdown()

	conn := &fakeConn{}
	sess := readySession(registry, conn)

	err := h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "ping", nil))
	require.NoError(t, err)

	assert.Equal(t, models.ErrCodeInternalError, errorCode(conn.lastFrame()))
	assert.Equal(t, 0, h.PendingCount())

	// The address is free for a retry once the broker recovers.
	publisher.publishErr = nil
	err = h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "ping", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, h.PendingCount())
}

func TestHandleCommandRejectsSecondWhilePending(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	publisher := newFakePublisher()
	h := NewDeviceHandler(store, registry, publisher, time.Minute)
	defer h.Shutdown()

	conn := &fakeConn{}
	sess := readySession(registry, conn)

	require.NoError(t, h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "ping", nil)))
	require.NoError(t, h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "reboot", nil)))

	assert.Equal(t, models.ErrCodeInvalidCommand, errorCode(conn.lastFrame()))
	assert.Equal(t, 1, publisher.count("A1B2C3"))
	assert.Equal(t, 1, h.PendingCount())
}

func TestResolveAckBroadcastsDeviceResponse(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	publisher := newFakePublisher()
	h := NewDeviceHandler(store, registry, publisher, time.Minute)
	defer h.Shutdown()

	senderConn := &fakeConn{}
	sender := readySession(registry, senderConn)
	observerConn := &fakeConn{}
	readySession(registry, observerConn)

	require.NoError(t, h.HandleCommand(context.Background(), sender, commandEnvelope("dev-1", "ping", nil)))

	h.ResolveAck(context.Background(), models.DeviceEvent{
		Addr:   "A1B2C3",
		Event:  models.DeviceEventAck,
		Fields: models.Variables{"status": "ok"},
	})

	assert.Equal(t, 0, h.PendingCount())

	// Both ready sessions receive the notification, not just the sender.
	for _, conn := range []*fakeConn{senderConn, observerConn} {
		frame := conn.lastFrame()
		require.NotNil(t, frame)
		assert.Equal(t, models.MessageTypeNotification, frame["type"])
		assert.Equal(t, models.EventDeviceResponse, frame["event"])
		data, _ := frame["data"].(map[string]interface{})
		assert.Equal(t, "ping", data["command"])
		assert.Equal(t, true, data["success"])
	}

	// The acknowledgement lands in the event log.
	require.Len(t, store.events, 1)
	assert.Equal(t, models.EventTypeCommandAck, store.events[0].Type)
}

func TestResolveAckWithoutPendingIsIgnored(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	h := NewDeviceHandler(store, registry, newFakePublisher(), time.Minute)
	defer h.Shutdown()

	conn := &fakeConn{}
	readySession(registry, conn)

	h.ResolveAck(context.Background(), models.DeviceEvent{
		Addr:   "A1B2C3",
		Event:  models.DeviceEventAck,
		Fields: models.Variables{"status": "ok"},
	})

	assert.Empty(t, conn.sent())
	assert.Empty(t, store.events)
}

func TestCommandTimeoutBroadcastsNotification(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	publisher := newFakePublisher()
	h := NewDeviceHandler(store, registry, publisher, 20*time.Millisecond)
	defer h.Shutdown()

	conn := &fakeConn{}
	sess := readySession(registry, conn)

	require.NoError(t, h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "ping", nil)))

	require.Eventually(t, func() bool {
		return h.PendingCount() == 0
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		frame := conn.lastFrame()
		return frame != nil && frame["event"] == models.EventCommandTimeout
	}, time.Second, 5*time.Millisecond)

	stats := h.Stats()
	assert.Equal(t, int64(1), stats.TimedOutCmds)
}

func TestAckAfterTimeoutResolvesOnce(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	publisher := newFakePublisher()
	h := NewDeviceHandler(store, registry, publisher, 10*time.Millisecond)
	defer h.Shutdown()

	conn := &fakeConn{}
	sess := readySession(registry, conn)

	require.NoError(t, h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "ping", nil)))

	require.Eventually(t, func() bool {
		return h.PendingCount() == 0
	}, time.Second, 2*time.Millisecond)

	// The late ACK finds nothing to resolve.
	h.ResolveAck(context.Background(), models.DeviceEvent{
		Addr:   "A1B2C3",
		Event:  models.DeviceEventAck,
		Fields: models.Variables{"status": "ok"},
	})

	stats := h.Stats()
	assert.Equal(t, int64(1), stats.TimedOutCmds)
	assert.Equal(t, int64(0), stats.AckedCommands)
}

func TestAckBeforeTimeoutCancelsTimer(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	publisher := newFakePublisher()
	h := NewDeviceHandler(store, registry, publisher, 30*time.Millisecond)
	defer h.Shutdown()

	conn := &fakeConn{}
	sess := readySession(registry, conn)

	require.NoError(t, h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "ping", nil)))

	h.ResolveAck(context.Background(), models.DeviceEvent{
		Addr:   "A1B2C3",
		Event:  models.DeviceEventAck,
		Fields: models.Variables{"status": "ok"},
	})

	// Wait past the timeout; no timeout flows after the ACK won.
	time.Sleep(60 * time.Millisecond)

	stats := h.Stats()
	assert.Equal(t, int64(1), stats.AckedCommands)
	assert.Equal(t, int64(0), stats.TimedOutCmds)

	for _, frame := range conn.sent() {
		assert.NotEqual(t, models.EventCommandTimeout, frame["event"])
	}
}

func TestCommandStatsByType(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	h := NewDeviceHandler(store, registry, newFakePublisher(), time.Minute)
	defer h.Shutdown()

	sess := readySession(registry, &fakeConn{})

	require.NoError(t, h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "ping", nil)))
	h.ResolveAck(context.Background(), models.DeviceEvent{Addr: "A1B2C3", Event: models.DeviceEventAck})
	require.NoError(t, h.HandleCommand(context.Background(), sess, commandEnvelope("dev-1", "reboot", nil)))

	stats := h.Stats()
	assert.Equal(t, int64(2), stats.TotalCommands)
	assert.Equal(t, int64(2), stats.SentCommands)
	assert.Equal(t, int64(1), stats.CommandsByType["ping"])
	assert.Equal(t, int64(1), stats.CommandsByType["reboot"])
	assert.Equal(t, 1, stats.PendingCommands)
}
