package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	redisstore "github.com/ramiqadoumi/go-media-flow/internal/redis"
	"github.com/ramiqadoumi/go-media-flow/pkg/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 10
)

// ProgressSource is the live progress channel a websocket connection reads.
type ProgressSource interface {
	GetProgress(ctx context.Context, taskID int64) (*domain.ProgressSnapshot, bool, error)
	Subscribe(ctx context.Context) redisstore.ProgressSubscription
}

// WS serves live progress over websockets. Every connection owns its own
// pub/sub subscription, so the gateway keeps no shared subscriber state.
type WS struct {
	source   ProgressSource
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWS creates a websocket handler. Any origin is accepted.
func NewWS(source ProgressSource, logger *slog.Logger) *WS {
	return &WS{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ClientMessage is a request sent by a websocket client.
type ClientMessage struct {
	Action string `json:"action"`
	TaskID *int64 `json:"task_id,omitempty"`
}

// ServerMessage is pushed to websocket clients.
type ServerMessage struct {
	Type         string                   `json:"type"`
	ConnectionID string                   `json:"connection_id,omitempty"`
	TaskID       int64                    `json:"task_id,omitempty"`
	Message      string                   `json:"message,omitempty"`
	Data         *domain.ProgressSnapshot `json:"data,omitempty"`
}

type wsConn struct {
	id     string
	conn   *websocket.Conn
	sub    redisstore.ProgressSubscription
	logger *slog.Logger

	mu sync.Mutex
}

func (c *wsConn) send(msg ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ServeHTTP handles GET /ws.
func (h *WS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = conn.Close() }()

	telemetry.APIWebsocketConnections.Inc()
	defer telemetry.APIWebsocketConnections.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := uuid.New().String()
	c := &wsConn{
		id:     id,
		conn:   conn,
		sub:    h.source.Subscribe(ctx),
		logger: h.logger.With(slog.String("connection_id", id)),
	}
	defer func() { _ = c.sub.Close() }()

	c.logger.Info("websocket connection opened")
	defer c.logger.Info("websocket connection closed")

	if err := c.send(ServerMessage{Type: "connected", ConnectionID: c.id, Message: "Connected to progress tracking"}); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.pump(ctx, c)
	}()

	h.readLoop(ctx, c)
	cancel()
	wg.Wait()
}

// pump forwards subscription updates and keeps the connection alive.
func (h *WS) pump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	updates := c.sub.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := c.send(ServerMessage{Type: "progress", TaskID: snap.TaskID, Data: snap}); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (h *WS) readLoop(ctx context.Context, c *wsConn) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !isDecodeError(err) {
				return
			}
			if sendErr := c.send(ServerMessage{Type: "error", Message: "Invalid message format"}); sendErr != nil {
				return
			}
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := h.dispatch(ctx, c, msg); err != nil {
			return
		}
	}
}

// dispatch runs one client action. Only write failures are returned.
func (h *WS) dispatch(ctx context.Context, c *wsConn, msg ClientMessage) error {
	switch msg.Action {
	case "ping":
		return c.send(ServerMessage{Type: "pong"})
	case "subscribe", "unsubscribe", "get_progress":
	case "":
		return c.send(ServerMessage{Type: "error", Message: "Invalid message format"})
	default:
		return c.send(ServerMessage{Type: "error", Message: "Unknown action"})
	}

	if msg.TaskID == nil {
		return c.send(ServerMessage{Type: "error", Message: "Task ID required"})
	}
	taskID := *msg.TaskID

	switch msg.Action {
	case "subscribe":
		if err := c.sub.Follow(ctx, taskID); err != nil {
			c.logger.Error("follow task", slog.Int64("task_id", taskID), slog.String("error", err.Error()))
			return c.send(ServerMessage{Type: "error", TaskID: taskID, Message: "Internal server error"})
		}
		if snap := h.current(ctx, c, taskID); snap != nil {
			if err := c.send(ServerMessage{Type: "progress", TaskID: taskID, Data: snap}); err != nil {
				return err
			}
		}
		c.logger.Debug("subscribed", slog.Int64("task_id", taskID))
		return c.send(ServerMessage{
			Type:    "subscribed",
			TaskID:  taskID,
			Message: fmt.Sprintf("Subscribed to task %d progress updates", taskID),
		})

	case "unsubscribe":
		if err := c.sub.Unfollow(ctx, taskID); err != nil {
			c.logger.Warn("unfollow task", slog.Int64("task_id", taskID), slog.String("error", err.Error()))
		}
		return c.send(ServerMessage{
			Type:    "unsubscribed",
			TaskID:  taskID,
			Message: fmt.Sprintf("Unsubscribed from task %d progress updates", taskID),
		})

	default:
		if snap := h.current(ctx, c, taskID); snap != nil {
			return c.send(ServerMessage{Type: "progress", TaskID: taskID, Data: snap})
		}
		return c.send(ServerMessage{Type: "no_progress", TaskID: taskID, Message: "No progress data available"})
	}
}

func (h *WS) current(ctx context.Context, c *wsConn, taskID int64) *domain.ProgressSnapshot {
	snap, ok, err := h.source.GetProgress(ctx, taskID)
	if err != nil {
		c.logger.Warn("read progress", slog.Int64("task_id", taskID), slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return nil
	}
	return snap
}

// isDecodeError reports whether a read failed on bad JSON rather than on the
// connection. Connection errors are sticky, decode errors are not.
func isDecodeError(err error) bool {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
