package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/node-fleet/node-gateway/internal/models"
	"github.com/node-fleet/node-gateway/internal/storage"
)

// PendingCommand is an in-flight command awaiting device acknowledgement.
// It lives in the pending set between dispatch and resolution (ACK or
// timeout) and is removed exactly once.
type PendingCommand struct {
	ID       string
	DeviceID string
	Addr     string
	Command  string
	SentAt   time.Time

	timer *time.Timer
}

// CommandStats holds the device command counters
type CommandStats struct {
	TotalCommands   int64            `json:"totalCommands"`
	SentCommands    int64            `json:"sentCommands"`
	FailedCommands  int64            `json:"failedCommands"`
	AckedCommands   int64            `json:"ackedCommands"`
	TimedOutCmds    int64            `json:"timedOutCommands"`
	PendingCommands int              `json:"pendingCommands"`
	CommandsByType  map[string]int64 `json:"commandsByType"`
}

// DeviceHandler dispatches session commands to devices over the publish
// transport and correlates the asynchronous acknowledgements back.
//
// Correlation is keyed by device address, matching the node firmware, which
// does not echo command ids. At most one command may be outstanding per
// address; dispatching a second one fails fast instead of racing the first.
type DeviceHandler struct {
	store     DeviceStore
	registry  *Registry
	publisher CommandPublisher
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]*PendingCommand

	statsMu sync.Mutex
	stats   CommandStats
}

// NewDeviceHandler creates the device command handler
func NewDeviceHandler(store DeviceStore, registry *Registry, publisher CommandPublisher, timeout time.Duration) *DeviceHandler {
	return &DeviceHandler{
		store:     store,
		registry:  registry,
		publisher: publisher,
		timeout:   timeout,
		pending:   make(map[string]*PendingCommand),
		stats:     CommandStats{CommandsByType: make(map[string]int64)},
	}
}

// HandleCommand validates, resolves and dispatches one device command, then
// immediately confirms dispatch to the requesting session. The device's own
// acknowledgement arrives later through ResolveAck.
func (h *DeviceHandler) HandleCommand(ctx context.Context, sess *Session, env *models.Envelope) error {
	h.countTotal(env.Command)

	spec, ok := models.DeviceCommands[env.Command]
	if !ok {
		h.countFailed()
		sess.Send(NewErrorFrame(models.ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", env.Command)))
		return nil
	}

	for _, field := range spec.RequiredFields {
		if _, ok := env.Data[field]; !ok {
			h.countFailed()
			sess.Send(NewErrorFrame(models.ErrCodeInvalidCommand,
				fmt.Sprintf("command %s requires data field %q", env.Command, field)))
			return nil
		}
	}

	addr, err := h.store.ResolveAddress(ctx, env.DeviceID)
	if err != nil {
		h.countFailed()
		if errors.Is(err, storage.ErrNotFound) {
			sess.Send(NewErrorFrame(models.ErrCodeDeviceNotFound,
				fmt.Sprintf("device not found: %s", env.DeviceID)))
			return nil
		}
		return fmt.Errorf("resolve device address: %w", err)
	}

	if !h.publisher.IsConnected() {
		h.countFailed()
		sess.Send(NewErrorFrame(models.ErrCodeInternalError, "device transport unavailable"))
		return nil
	}

	payload, err := json.Marshal(h.buildWirePayload(spec, env))
	if err != nil {
		return fmt.Errorf("marshal command payload: %w", err)
	}

	cmd := &PendingCommand{
		ID:       uuid.New().String(),
		DeviceID: env.DeviceID,
		Addr:     addr,
		Command:  env.Command,
		SentAt:   time.Now(),
	}

	if !h.register(cmd) {
		h.countFailed()
		sess.Send(NewErrorFrame(models.ErrCodeInvalidCommand,
			fmt.Sprintf("a command is already pending for device %s", env.DeviceID)))
		return nil
	}

	if err := h.publisher.PublishCommand(addr, payload); err != nil {
		h.remove(addr, cmd.ID)
		h.countFailed()
		sess.Send(NewErrorFrame(models.ErrCodeInternalError, "failed to publish command"))
		log.Error().Err(err).Str("addr", addr).Str("command", env.Command).
			Msg("Command publish failed")
		return nil
	}

	h.countSent()

	log.Info().
		Str("commandId", cmd.ID).
		Str("deviceId", env.DeviceID).
		Str("addr", addr).
		Str("command", env.Command).
		Msg("Command dispatched")

	// Dispatch confirmation only; the device ACK fans out separately.
	sess.Send(NewCommandResponse(env.DeviceID, env.Command, "sent"))
	return nil
}

// buildWirePayload translates the session command into the device wire form:
// {cmd, timestamp, ...params}.
func (h *DeviceHandler) buildWirePayload(spec models.CommandSpec, env *models.Envelope) models.Variables {
	payload := models.Variables{
		"cmd":       spec.WireCmd,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range env.Data {
		payload[k] = v
	}
	return payload
}

// register records the pending command and arms its timeout timer. Returns
// false when a command is already outstanding for the address.
func (h *DeviceHandler) register(cmd *PendingCommand) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.pending[cmd.Addr]; exists {
		return false
	}

	cmd.timer = time.AfterFunc(h.timeout, func() {
		h.handleTimeout(cmd.Addr, cmd.ID)
	})
	h.pending[cmd.Addr] = cmd
	return true
}

// remove takes the pending command for addr out of the set if its id matches.
// Returns nil when it was already resolved; resolution happens exactly once.
func (h *DeviceHandler) remove(addr, id string) *PendingCommand {
	h.mu.Lock()
	defer h.mu.Unlock()

	cmd, ok := h.pending[addr]
	if !ok || (id != "" && cmd.ID != id) {
		return nil
	}
	delete(h.pending, addr)
	return cmd
}

// ResolveAck correlates an acknowledgement event from the device transport
// with its pending command, cancels the timeout and fans the result out to
// every ready session. A stray ACK with no pending command is ignored.
func (h *DeviceHandler) ResolveAck(ctx context.Context, ev models.DeviceEvent) {
	cmd := h.remove(ev.Addr, "")
	if cmd == nil {
		log.Warn().Str("addr", ev.Addr).Msg("ACK received with no pending command")
		return
	}
	cmd.timer.Stop()

	h.countAcked()

	device := h.deviceFor(ctx, cmd)

	status, _ := ev.Fields["status"].(string)
	notification := NewNotification(models.EventDeviceResponse, device, models.Variables{
		"command":  cmd.Command,
		"response": ev.Fields,
		"success":  status == "" || status == "ok",
	})
	sent := h.registry.Broadcast(notification, Ready)

	h.logCommandEvent(ctx, cmd, models.EventTypeCommandAck, models.EventLevelInfo,
		fmt.Sprintf("Command %s acknowledged by %s", cmd.Command, cmd.DeviceID))

	log.Info().
		Str("commandId", cmd.ID).
		Str("deviceId", cmd.DeviceID).
		Str("command", cmd.Command).
		Int("notified", sent).
		Msg("Command acknowledged")
}

// handleTimeout is the timer callback: if the command is still pending it is
// removed and a timeout notification broadcast system-wide, since the
// requester may already be gone.
func (h *DeviceHandler) handleTimeout(addr, id string) {
	cmd := h.remove(addr, id)
	if cmd == nil {
		return
	}

	h.countTimedOut()

	ctx := context.Background()
	device := h.deviceFor(ctx, cmd)

	notification := NewNotification(models.EventCommandTimeout, device, models.Variables{
		"command": cmd.Command,
		"sentAt":  cmd.SentAt.UTC().Format(time.RFC3339),
	})
	sent := h.registry.Broadcast(notification, Ready)

	h.logCommandEvent(ctx, cmd, models.EventTypeCommand, models.EventLevelWarning,
		fmt.Sprintf("Command %s to %s timed out", cmd.Command, cmd.DeviceID))

	log.Warn().
		Str("commandId", cmd.ID).
		Str("deviceId", cmd.DeviceID).
		Str("command", cmd.Command).
		Int("notified", sent).
		Msg("Command timed out")
}

// deviceFor resolves the device record for notifications, falling back to the
// identity captured at dispatch time when the store lookup fails.
func (h *DeviceHandler) deviceFor(ctx context.Context, cmd *PendingCommand) *models.Device {
	device, err := h.store.GetDeviceByAddr(ctx, cmd.Addr)
	if err != nil {
		return &models.Device{ID: cmd.DeviceID, Addr: cmd.Addr}
	}
	return device
}

func (h *DeviceHandler) logCommandEvent(ctx context.Context, cmd *PendingCommand, eventType models.EventType, level models.EventLevel, description string) {
	event := &models.EventLog{
		DeviceID:    cmd.DeviceID,
		Addr:        cmd.Addr,
		Type:        eventType,
		Level:       level,
		Description: description,
		Details: models.Variables{
			"commandId": cmd.ID,
			"command":   cmd.Command,
			"sentAt":    cmd.SentAt.UTC().Format(time.RFC3339),
		},
	}
	if err := h.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}

// PendingCount returns the number of in-flight commands
func (h *DeviceHandler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Shutdown cancels all outstanding timers without broadcasting.
func (h *DeviceHandler) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for addr, cmd := range h.pending {
		cmd.timer.Stop()
		delete(h.pending, addr)
	}
}

// Stats returns a copy of the command counters
func (h *DeviceHandler) Stats() CommandStats {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()

	byType := make(map[string]int64, len(h.stats.CommandsByType))
	for k, v := range h.stats.CommandsByType {
		byType[k] = v
	}

	stats := h.stats
	stats.CommandsByType = byType
	stats.PendingCommands = h.PendingCount()
	return stats
}

func (h *DeviceHandler) countTotal(command string) {
	h.statsMu.Lock()
	h.stats.TotalCommands++
	h.stats.CommandsByType[command]++
	h.statsMu.Unlock()
}

func (h *DeviceHandler) countSent() {
	h.statsMu.Lock()
	h.stats.SentCommands++
	h.statsMu.Unlock()
}

func (h *DeviceHandler) countFailed() {
	h.statsMu.Lock()
	h.stats.FailedCommands++
	h.statsMu.Unlock()
}

func (h *DeviceHandler) countAcked() {
	h.statsMu.Lock()
	h.stats.AckedCommands++
	h.statsMu.Unlock()
}

func (h *DeviceHandler) countTimedOut() {
	h.statsMu.Lock()
	h.stats.TimedOutCmds++
	h.statsMu.Unlock()
}
