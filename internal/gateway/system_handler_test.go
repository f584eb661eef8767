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

func handshakeEnvelope(clientID string) *models.Envelope {
	return &models.Envelope{
		Type:      models.MessageTypeHandshake,
		Timestamp: "2026-01-01T00:00:00Z",
		ClientID:  clientID,
		UserAgent: "test-agent",
		Data:      models.Variables{"version": "2.1.0"},
	}
}

func TestHandshakeRepliesWithSnapshotAndPromotes(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(
		testDevice("dev-1", "A1B2C3", "Hallway"),
		testDevice("dev-2", "D4E5F6", "Kitchen"),
	)
	publisher := newFakePublisher()
	h := NewSystemHandler(store, registry, publisher, 5*time.Minute, "2.0.0")

	conn := &fakeConn{}
	sess, _ := registry.Register(conn, nil)
	require.Equal(t, StateConnecting, sess.State())

	err := h.HandleHandshake(context.Background(), sess, handshakeEnvelope("web-1"))
	require.NoError(t, err)

	frame := conn.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, models.MessageTypeHandshakeResponse, frame["type"])
	assert.Equal(t, true, frame["success"])

	data, _ := frame["data"].(map[string]interface{})
	require.NotNil(t, data)
	devices, _ := data["devices"].([]interface{})
	assert.Len(t, devices, 2)
	assert.Equal(t, "2.0.0", data["serverVersion"])
	assert.Equal(t, "connected", data["mqttStatus"])
	assert.NotEmpty(t, data["serverTime"])

	assert.Equal(t, StateReady, sess.State())
	assert.Equal(t, "web-1", sess.Meta("clientId"))
	assert.Equal(t, "test-agent", sess.Meta("userAgent"))
	assert.Equal(t, "2.1.0", sess.Meta("version"))
}

func TestHandshakeSnapshotFailureKeepsSessionConnecting(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore()
	store.snapshotErr = errors.New("db down")
	h := NewSystemHandler(store, registry, newFakePublisher(), 5*time.Minute, "2.0.0")

	conn := &fakeConn{}
	sess, _ := registry.Register(conn, nil)

	err := h.HandleHandshake(context.Background(), sess, handshakeEnvelope("web-1"))
	require.Error(t, err)

	assert.Equal(t, StateConnecting, sess.State())
	assert.Empty(t, conn.sent())
}

func TestHandshakeSendFailureKeepsSessionConnecting(t *testing.T) {
	registry := NewRegistry(10)
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"))
	h := NewSystemHandler(store, registry, newFakePublisher(), 5*time.Minute, "2.0.0")

	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	sess, _ := registry.Register(conn, nil)

	err := h.HandleHandshake(context.Background(), sess, handshakeEnvelope("web-1"))
	require.Error(t, err)

	assert.Equal(t, StateConnecting, sess.State())
}

func TestSystemInfoCountsDevices(t *testing.T) {
	registry := NewRegistry(10)
	offline := testDevice("dev-2", "D4E5F6", "Kitchen")
	offline.Status = models.DeviceStatusOffline
	store := newFakeStore(testDevice("dev-1", "A1B2C3", "Hallway"), offline)
	publisher := newFakePublisher()
	publisher.connected = false
	h := NewSystemHandler(store, registry, publisher, 5*time.Minute, "2.0.0")

	conn := &fakeConn{}
	sess := readySession(registry, conn)

	err := h.HandleSystemInfo(context.Background(), sess, &models.Envelope{
		Type:      models.MessageTypeSystemInfo,
		Timestamp: "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	frame := conn.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, models.MessageTypeSystemInfo, frame["type"])

	data, _ := frame["data"].(map[string]interface{})
	require.NotNil(t, data)
	assert.Equal(t, float64(2), data["totalDevices"])
	assert.Equal(t, float64(1), data["connectedDevices"])
	assert.Equal(t, float64(1), data["connectedClients"])
	assert.Equal(t, "disconnected", data["mqttStatus"])
}
