package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Constyk20/secureguard-backend/internal/auth"
	"github.com/Constyk20/secureguard-backend/internal/device"
	"github.com/Constyk20/secureguard-backend/internal/enforce"
	"github.com/Constyk20/secureguard-backend/internal/infrastructure/config"
	"github.com/Constyk20/secureguard-backend/internal/policy"
)

// Inbound device message types.
const (
	WSTypeRegister     = "register-device"
	WSTypeReport       = "compliance-report"
	WSTypeHeartbeat    = "heartbeat"
	WSTypePingResponse = "ping-response"
)

// Outbound reply message types. Enforcement commands (enforce-lock,
// unlock-device, ping-device, enforce-wipe) are defined in the enforce
// package and pushed through the session manager.
const (
	WSTypeRegistered    = "registration-confirmed"
	WSTypeRegisterError = "registration-error"
	WSTypeReportAck     = "compliance-ack"
	WSTypeHeartbeatAck  = "heartbeat-ack"
	WSTypeError         = "error"
)

// wsSendBufferSize is the per-client outbound message buffer size.
const wsSendBufferSize = 64

// wsHandlerTimeout bounds the registry work done for one inbound message.
const wsHandlerTimeout = 10 * time.Second

// deviceMessage is the inbound message envelope from a device client.
type deviceMessage struct {
	Type       string           `json:"type"`
	DeviceID   string           `json:"device_id,omitempty"`
	Model      string           `json:"model,omitempty"`
	OSVersion  string           `json:"os_version,omitempty"`
	AppVersion string           `json:"app_version,omitempty"`
	Compliant  bool             `json:"compliant,omitempty"`
	Violations []string         `json:"violations,omitempty"`
	Location   *policy.Location `json:"location,omitempty"`
}

// wsReply is the outbound reply envelope.
type wsReply struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// deviceClient is one connected device. It implements session.Conn so
// the dispatcher can push enforcement commands through the session
// manager: WriteJSON marshals into the buffered send channel serviced
// by writePump, keeping all socket writes on one goroutine.
type deviceClient struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	claims *auth.CustomClaims

	mu        sync.Mutex
	deviceID  string // set after register-device
	sessionID string
	closed    bool
}

// WriteJSON queues a JSON message for the device. Implements session.Conn.
func (c *deviceClient) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !c.trySend(data) {
		return errors.New("websocket send buffer full")
	}
	return nil
}

// Close closes the underlying connection. Implements session.Conn.
func (c *deviceClient) Close() error {
	return c.conn.Close()
}

// trySend enqueues a message without blocking. A full buffer means the
// device has stopped reading; the message is dropped and the connection
// will be reaped by the read deadline.
func (c *deviceClient) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// handleDeviceWS upgrades the connection and runs the device channel.
// Auth has already happened in authMiddleware (token query parameter
// for WebSocket clients).
func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &deviceClient{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		claims: claims,
	}

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages from the device until the connection drops.
func (c *deviceClient) readPump(cfg config.WebSocketConfig) {
	defer c.teardown()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "error", err)
			} else {
				c.server.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any device message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump services the send channel and emits protocol-level pings.
func (c *deviceClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close frame
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			//nolint:errcheck // Best-effort write deadline
			c.conn.SetWriteDeadline(time.Now().Add(pingInterval))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort write deadline
			c.conn.SetWriteDeadline(time.Now().Add(pingInterval))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown unbinds the session (if still ours) and closes the channel.
func (c *deviceClient) teardown() {
	c.mu.Lock()
	deviceID, sessionID := c.deviceID, c.sessionID
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if deviceID != "" {
		c.server.sessions.Unbind(deviceID, sessionID)
	}
	if !alreadyClosed {
		close(c.send)
	}
	c.conn.Close()
}

// handleMessage dispatches one inbound device message.
func (c *deviceClient) handleMessage(data []byte) {
	var msg deviceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(wsReply{Type: WSTypeError, Message: "invalid message"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsHandlerTimeout)
	defer cancel()

	switch msg.Type {
	case WSTypeRegister:
		c.handleRegister(ctx, msg)
	case WSTypeReport:
		c.handleReport(ctx, msg)
	case WSTypeHeartbeat:
		c.handleHeartbeat(ctx)
	case WSTypePingResponse:
		c.handlePingResponse(ctx, msg)
	default:
		c.reply(wsReply{Type: WSTypeError, Message: "unknown message type: " + msg.Type})
	}
}

// handleRegister enrolls the device and binds the live session.
func (c *deviceClient) handleRegister(ctx context.Context, msg deviceMessage) {
	if msg.DeviceID == "" {
		c.reply(wsReply{Type: WSTypeRegisterError, Message: "device_id is required"})
		return
	}

	dev, err := c.server.dispatcher.Enroll(ctx, device.Enrollment{
		DeviceID:   msg.DeviceID,
		OwnerID:    c.claims.Subject,
		Model:      msg.Model,
		OSVersion:  msg.OSVersion,
		AppVersion: msg.AppVersion,
	}, c.conn.RemoteAddr().String())
	if err != nil && !errors.Is(err, enforce.ErrAuditWrite) {
		if errors.Is(err, device.ErrOwnershipConflict) {
			c.reply(wsReply{Type: WSTypeRegisterError, Message: "device is enrolled to another user"})
		} else {
			c.server.logger.Error("websocket enrollment failed", "error", err)
			c.reply(wsReply{Type: WSTypeRegisterError, Message: "enrollment failed"})
		}
		return
	}

	sess, superseded := c.server.sessions.Bind(msg.DeviceID, c.claims.Subject, c)
	if superseded != nil {
		// The device opened a second connection; the old one is dead weight.
		superseded.Close() //nolint:errcheck // Best effort close of stale socket
	}

	c.mu.Lock()
	c.deviceID = msg.DeviceID
	c.sessionID = sess.ID
	c.mu.Unlock()

	c.server.logger.Info("device session bound", "device_id", msg.DeviceID, "session_id", sess.ID)
	c.reply(wsReply{Type: WSTypeRegistered, Payload: statusView(dev)})
}

// handleReport processes a compliance report from the live channel.
func (c *deviceClient) handleReport(ctx context.Context, msg deviceMessage) {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	if deviceID == "" {
		c.reply(wsReply{Type: WSTypeError, Message: "register-device first"})
		return
	}

	outcome, err := c.server.dispatcher.ReportCompliance(ctx, deviceID, c.claims.Subject, enforce.Report{
		Compliant:  msg.Compliant,
		Violations: msg.Violations,
		Location:   msg.Location,
	})
	if err != nil && !errors.Is(err, enforce.ErrAuditWrite) {
		c.server.logger.Error("websocket compliance report failed", "device_id", deviceID, "error", err)
		c.reply(wsReply{Type: WSTypeError, Message: "report processing failed"})
		return
	}

	c.reply(wsReply{Type: WSTypeReportAck, Payload: map[string]any{
		"compliant":      outcome.Device.Compliant,
		"effective_lock": outcome.Device.EffectiveLock(),
		"locked":         outcome.Locked,
	}})
}

// handleHeartbeat bumps liveness and acknowledges.
func (c *deviceClient) handleHeartbeat(ctx context.Context) {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	if deviceID == "" {
		c.reply(wsReply{Type: WSTypeError, Message: "register-device first"})
		return
	}

	if err := c.server.dispatcher.Heartbeat(ctx, deviceID); err != nil {
		c.server.logger.Warn("heartbeat failed", "device_id", deviceID, "error", err)
	}
	c.reply(wsReply{Type: WSTypeHeartbeatAck})
}

// handlePingResponse records the device's acknowledgement of the
// find-my-device indicator. A position attached to the response is
// stored as the last known location; either way it counts as liveness.
// No ack is sent, the device is not waiting for one.
func (c *deviceClient) handlePingResponse(ctx context.Context, msg deviceMessage) {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	if deviceID == "" {
		c.reply(wsReply{Type: WSTypeError, Message: "register-device first"})
		return
	}

	if err := c.server.dispatcher.PingResponse(ctx, deviceID, msg.Location); err != nil {
		c.server.logger.Warn("ping response handling failed", "device_id", deviceID, "error", err)
	}
}

// reply sends a reply envelope with the current timestamp.
func (c *deviceClient) reply(r wsReply) {
	r.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.trySend(data)
}
