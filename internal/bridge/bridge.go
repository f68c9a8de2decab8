// Package bridge implements the WebSocket command channel to remote
// UI-overlay renderers. Renderers connect to the hub, receive broadcast
// commands, and answer with per-command responses. The hub is best-effort:
// a broadcast with no renderers connected reports unavailability instead of
// failing.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/pixelproof/adcapture/internal/capture"
)

// Config controls hub timeouts.
//   - ResponseWait: how long Broadcast waits for renderer responses (default 10s).
//   - WriteTimeout: per-connection write deadline (default 5s).
type Config struct {
	ResponseWait time.Duration
	WriteTimeout time.Duration
}

const (
	defaultResponseWait = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// envelope is the wire frame in both directions. Outbound frames carry a
// command; inbound frames carry a response keyed by the command ID.
type envelope struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Target  string         `json:"target,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Options map[string]any `json:"options,omitempty"`
	Success bool           `json:"success,omitempty"`
	Error   string         `json:"error,omitempty"`
	Payload []byte         `json:"payload,omitempty"`
}

const msgResponse = "response"

// conn is one connected renderer.
type conn struct {
	id      string
	netConn net.Conn
	writeMu sync.Mutex
}

// Hub accepts renderer connections and broadcasts commands to all of them.
// Safe for concurrent use.
type Hub struct {
	cfg    Config
	logger *zap.Logger
	ids    capture.IDGenerator

	mu      sync.Mutex
	conns   map[string]*conn
	pending map[string]chan capture.BridgeResult
	closed  bool
}

// NewHub returns a Hub ready to accept connections via Handler.
func NewHub(cfg Config, ids capture.IDGenerator, logger *zap.Logger) *Hub {
	if cfg.ResponseWait <= 0 {
		cfg.ResponseWait = defaultResponseWait
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		ids:     ids,
		conns:   make(map[string]*conn),
		pending: make(map[string]chan capture.BridgeResult),
	}
}

// Handler upgrades incoming HTTP requests to renderer connections.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		netConn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			h.logger.Warn("bridge upgrade failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
			return
		}
		id, err := h.ids.NewID()
		if err != nil {
			netConn.Close()
			return
		}
		c := &conn{id: id, netConn: netConn}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			netConn.Close()
			return
		}
		h.conns[id] = c
		h.mu.Unlock()

		h.logger.Info("renderer connected",
			zap.String("connection_id", id),
			zap.String("remote", r.RemoteAddr),
		)
		go h.readLoop(c)
	}
}

// readLoop consumes frames from one renderer until the connection drops.
func (h *Hub) readLoop(c *conn) {
	defer h.drop(c)
	for {
		data, err := wsutil.ReadClientText(c.netConn)
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Debug("discarding malformed bridge frame",
				zap.String("connection_id", c.id), zap.Error(err))
			continue
		}
		switch env.Type {
		case msgResponse:
			h.resolve(c.id, env)
		default:
			// Renderers may emit frame types this hub does not understand.
			h.logger.Debug("ignoring unknown bridge frame",
				zap.String("connection_id", c.id),
				zap.String("type", env.Type),
			)
		}
	}
}

func (h *Hub) resolve(connID string, env envelope) {
	h.mu.Lock()
	ch, ok := h.pending[env.ID]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- capture.BridgeResult{
		ConnectionID: connID,
		Success:      env.Success,
		Error:        env.Error,
		Payload:      env.Payload,
	}:
	default:
	}
}

func (h *Hub) drop(c *conn) {
	c.netConn.Close()
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if ok {
		h.logger.Info("renderer disconnected", zap.String("connection_id", c.id))
	}
}

// Broadcast sends cmd to every connected renderer and collects responses
// until every recipient answers, ctx finishes, or the response wait elapses.
// Renderers that fail to answer are counted as failed, not errors.
func (h *Hub) Broadcast(ctx context.Context, cmd capture.BridgeCommand) (capture.BroadcastResult, error) {
	cmdID, err := h.ids.NewID()
	if err != nil {
		return capture.BroadcastResult{}, fmt.Errorf("command id: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return capture.BroadcastResult{}, fmt.Errorf("bridge hub is closed")
	}
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	ch := make(chan capture.BridgeResult, len(targets))
	h.pending[cmdID] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, cmdID)
		h.mu.Unlock()
	}()

	if len(targets) == 0 {
		return capture.BroadcastResult{}, nil
	}

	frame, err := json.Marshal(envelope{
		ID:      cmdID,
		Type:    cmd.Type,
		Target:  cmd.Target,
		Data:    cmd.Data,
		Options: cmd.Options,
	})
	if err != nil {
		return capture.BroadcastResult{}, fmt.Errorf("encode command: %w", err)
	}

	result := capture.BroadcastResult{}
	answered := make(map[string]bool, len(targets))
	for _, c := range targets {
		if err := h.write(c, frame); err != nil {
			h.logger.Warn("bridge write failed",
				zap.String("connection_id", c.id), zap.Error(err))
			result.Failed++
			result.Results = append(result.Results, capture.BridgeResult{
				ConnectionID: c.id,
				Success:      false,
				Error:        err.Error(),
			})
			answered[c.id] = true
			continue
		}
		result.Sent++
	}

	wait, cancel := context.WithTimeout(ctx, h.cfg.ResponseWait)
	defer cancel()
	for len(answered) < len(targets) {
		select {
		case res := <-ch:
			if answered[res.ConnectionID] {
				continue
			}
			answered[res.ConnectionID] = true
			if !res.Success {
				result.Failed++
			}
			result.Results = append(result.Results, res)
		case <-wait.Done():
			for _, c := range targets {
				if answered[c.id] {
					continue
				}
				answered[c.id] = true
				result.Failed++
				result.Results = append(result.Results, capture.BridgeResult{
					ConnectionID: c.id,
					Success:      false,
					Error:        "response timeout",
				})
			}
		}
	}
	return result, nil
}

func (h *Hub) write(c *conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.netConn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		return err
	}
	return wsutil.WriteServerText(c.netConn, frame)
}

// Connections returns the number of connected renderers.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every renderer and rejects further connections.
func (h *Hub) Close(_ context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.netConn.Close()
	}
	return nil
}

var _ capture.Bridge = (*Hub)(nil)
