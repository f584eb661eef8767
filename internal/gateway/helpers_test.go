package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/node-fleet/node-gateway/internal/models"
	"github.com/node-fleet/node-gateway/internal/storage"
)

// fakeConn records written frames in place of a websocket connection.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	pings    int
	closed   int
	writeErr error
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.pings++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) sent() []models.Variables {
	c.mu.Lock()
	defer c.mu.Unlock()

	decoded := make([]models.Variables, 0, len(c.frames))
	for _, raw := range c.frames {
		var frame models.Variables
		if err := json.Unmarshal(raw, &frame); err == nil {
			decoded = append(decoded, frame)
		}
	}
	return decoded
}

func (c *fakeConn) lastFrame() models.Variables {
	frames := c.sent()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func (c *fakeConn) frameTypes() []string {
	var types []string
	for _, f := range c.sent() {
		t, _ := f["type"].(string)
		types = append(types, t)
	}
	return types
}

// errorCode digs the numeric code out of an error frame.
func errorCode(frame models.Variables) int {
	errObj, _ := frame["error"].(map[string]interface{})
	code, _ := errObj["code"].(float64)
	return int(code)
}

// fakeStore is an in-memory DeviceStore.
type fakeStore struct {
	mu          sync.Mutex
	devices     map[string]*models.Device // keyed by addr
	snapshotErr error
	heartbeats  []string
	alarms      map[string]bool
	events      []*models.EventLog
}

func newFakeStore(devices ...*models.Device) *fakeStore {
	s := &fakeStore{
		devices: make(map[string]*models.Device),
		alarms:  make(map[string]bool),
	}
	for _, d := range devices {
		s.devices[d.Addr] = d
	}
	return s
}

func (s *fakeStore) GetDeviceSnapshot(ctx context.Context, freshness time.Duration) ([]*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshotErr != nil {
		return nil, s.snapshotErr
	}
	devices := make([]*models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d)
	}
	return devices, nil
}

func (s *fakeStore) GetDeviceByAddr(ctx context.Context, addr string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[addr]; ok {
		return d, nil
	}
	return nil, storage.ErrNotFound
}

func (s *fakeStore) ResolveAddress(ctx context.Context, deviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == deviceID {
			return d.Addr, nil
		}
	}
	return "", storage.ErrNotFound
}

func (s *fakeStore) UpdateHeartbeat(ctx context.Context, addr string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, addr)
	return nil
}

func (s *fakeStore) SetAlarmActive(ctx context.Context, addr string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[addr] = active
	return nil
}

func (s *fakeStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// fakePublisher records published command payloads.
type fakePublisher struct {
	mu         sync.Mutex
	published  map[string][][]byte // keyed by addr
	connected  bool
	publishErr error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		published: make(map[string][][]byte),
		connected: true,
	}
}

func (p *fakePublisher) PublishCommand(addr string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	p.published[addr] = append(p.published[addr], buf)
	return nil
}

func (p *fakePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) count(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published[addr])
}

func (p *fakePublisher) last(addr string) models.Variables {
	p.mu.Lock()
	defer p.mu.Unlock()
	payloads := p.published[addr]
	if len(payloads) == 0 {
		return nil
	}
	var decoded models.Variables
	json.Unmarshal(payloads[len(payloads)-1], &decoded)
	return decoded
}

// readySession registers a conn and promotes the session to ready.
func readySession(r *Registry, conn Conn) *Session {
	sess, err := r.Register(conn, nil)
	if err != nil {
		panic(err)
	}
	r.SetState(sess.ID, StateReady)
	return sess
}

func testDevice(id, addr, name string) *models.Device {
	return &models.Device{
		ID:     id,
		Addr:   addr,
		Name:   name,
		Status: models.DeviceStatusOnline,
	}
}
