package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lattice-hq/lattice/pkg/apperror"
	"github.com/lattice-hq/lattice/pkg/logger"
)

const (
	// HeartbeatInterval is how often to send heartbeat events
	HeartbeatInterval = 30 * time.Second
)

// Publisher delivers derived change events to whoever is listening.
// Publishing must never block or fail a write that already committed.
type Publisher interface {
	Publish(events []ChangeEvent)
}

// Broadcaster fans change events out to SSE clients.
type Broadcaster struct {
	log         *slog.Logger
	connections map[string]*StreamConnection
	connMu      sync.RWMutex

	heartbeatCtx    context.Context
	heartbeatCancel context.CancelFunc
}

// NewBroadcaster creates a broadcaster and starts its heartbeat loop.
func NewBroadcaster(log *slog.Logger) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Broadcaster{
		log:             log.With(logger.Scope("events.broadcaster")),
		connections:     make(map[string]*StreamConnection),
		heartbeatCtx:    ctx,
		heartbeatCancel: cancel,
	}

	go b.heartbeatLoop()

	return b
}

// Stop stops the broadcaster and closes all connections.
func (b *Broadcaster) Stop() {
	b.heartbeatCancel()

	b.connMu.Lock()
	defer b.connMu.Unlock()

	for connID, conn := range b.connections {
		close(conn.Done)
		delete(b.connections, connID)
	}
}

// Publish sends each event to every attached client. Delivery is best
// effort; a client that cannot be written to is dropped.
func (b *Broadcaster) Publish(events []ChangeEvent) {
	if len(events) == 0 {
		return
	}

	b.connMu.RLock()
	connections := make([]*StreamConnection, 0, len(b.connections))
	for _, conn := range b.connections {
		connections = append(connections, conn)
	}
	b.connMu.RUnlock()

	for _, conn := range connections {
		select {
		case <-conn.Done:
			continue
		default:
		}
		for _, ev := range events {
			if err := b.sendEvent(conn, "change", ev); err != nil {
				b.log.Warn("failed to deliver event",
					slog.String("connection_id", conn.ConnectionID),
					logger.Error(err),
				)
				b.removeConnection(conn.ConnectionID)
				break
			}
		}
	}
}

// ConnectionCount returns the number of attached clients.
func (b *Broadcaster) ConnectionCount() int {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return len(b.connections)
}

// HandleStream attaches the caller as an SSE client until it disconnects.
func (b *Broadcaster) HandleStream(c echo.Context) error {
	w := c.Response().Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		return apperror.ErrInternal.WithMessage("streaming not supported")
	}

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	conn := &StreamConnection{
		ConnectionID:  newConnectionID(),
		Writer:        w,
		Flusher:       flusher,
		Done:          make(chan struct{}),
		LastHeartbeat: time.Now().UTC(),
	}

	b.connMu.Lock()
	b.connections[conn.ConnectionID] = conn
	b.connMu.Unlock()

	b.log.Info("client connected", slog.String("connection_id", conn.ConnectionID))

	if err := b.sendEvent(conn, "connected", ConnectedEvent{ConnectionID: conn.ConnectionID}); err != nil {
		b.removeConnection(conn.ConnectionID)
		return nil
	}

	select {
	case <-c.Request().Context().Done():
	case <-conn.Done:
	}

	b.removeConnection(conn.ConnectionID)
	b.log.Info("client disconnected", slog.String("connection_id", conn.ConnectionID))
	return nil
}

// HandleConnectionsCount reports how many clients are attached.
func (b *Broadcaster) HandleConnectionsCount(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"count": b.ConnectionCount()})
}

func (b *Broadcaster) heartbeatLoop() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.heartbeatCtx.Done():
			return
		case <-ticker.C:
			b.sendHeartbeats()
		}
	}
}

func (b *Broadcaster) sendHeartbeats() {
	b.connMu.RLock()
	connections := make([]*StreamConnection, 0, len(b.connections))
	for _, conn := range b.connections {
		connections = append(connections, conn)
	}
	b.connMu.RUnlock()

	if len(connections) == 0 {
		return
	}

	now := time.Now().UTC()
	heartbeat := HeartbeatEvent{Timestamp: now.Format(time.RFC3339)}

	for _, conn := range connections {
		select {
		case <-conn.Done:
			continue
		default:
			if err := b.sendEvent(conn, "heartbeat", heartbeat); err != nil {
				b.log.Warn("failed to send heartbeat",
					slog.String("connection_id", conn.ConnectionID),
					logger.Error(err),
				)
				b.removeConnection(conn.ConnectionID)
			} else {
				conn.LastHeartbeat = now
			}
		}
	}
}

func (b *Broadcaster) sendEvent(conn *StreamConnection, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(conn.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	conn.Flusher.Flush()
	return nil
}

func (b *Broadcaster) removeConnection(connID string) {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if conn, ok := b.connections[connID]; ok {
		select {
		case <-conn.Done:
		default:
			close(conn.Done)
		}
		delete(b.connections, connID)
	}
}

func newConnectionID() string {
	return uuid.NewString()
}
