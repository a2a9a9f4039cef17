package handler_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/services/api-gateway/handler"
)

func dialWS(t *testing.T, g *gateway) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(g.server)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	hello := readMsg(t, conn)
	require.Equal(t, "connected", hello.Type)
	assert.NotEmpty(t, hello.ConnectionID)
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) handler.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg handler.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func TestWS_Ping(t *testing.T) {
	conn := dialWS(t, newGateway(t, nil))
	send(t, conn, `{"action":"ping"}`)
	assert.Equal(t, "pong", readMsg(t, conn).Type)
}

func TestWS_GetProgress(t *testing.T) {
	g := newGateway(t, nil)
	_, err := g.svc.Progress().SetProgress(context.Background(), 42, domain.ProgressFields{
		Progress:    domain.Ptr(50.0),
		CurrentStep: domain.Ptr("denoise"),
	})
	require.NoError(t, err)
	conn := dialWS(t, g)

	send(t, conn, `{"action":"get_progress","task_id":42}`)
	msg := readMsg(t, conn)
	assert.Equal(t, "progress", msg.Type)
	assert.Equal(t, int64(42), msg.TaskID)
	require.NotNil(t, msg.Data)
	assert.InDelta(t, 50.0, msg.Data.Progress, 0.001)
	assert.Equal(t, "denoise", msg.Data.CurrentStep)

	send(t, conn, `{"action":"get_progress","task_id":43}`)
	msg = readMsg(t, conn)
	assert.Equal(t, "no_progress", msg.Type)
	assert.Equal(t, int64(43), msg.TaskID)
}

func TestWS_SubscribeSendsSnapshotThenUpdates(t *testing.T) {
	g := newGateway(t, nil)
	ctx := context.Background()
	_, err := g.svc.Progress().SetProgress(ctx, 7, domain.ProgressFields{Progress: domain.Ptr(10.0)})
	require.NoError(t, err)
	conn := dialWS(t, g)

	send(t, conn, `{"action":"subscribe","task_id":7}`)
	first := readMsg(t, conn)
	assert.Equal(t, "progress", first.Type)
	assert.InDelta(t, 10.0, first.Data.Progress, 0.001)
	assert.Equal(t, "subscribed", readMsg(t, conn).Type)

	_, err = g.svc.Progress().SetProgress(ctx, 7, domain.ProgressFields{Progress: domain.Ptr(60.0)})
	require.NoError(t, err)
	update := readMsg(t, conn)
	assert.Equal(t, "progress", update.Type)
	assert.InDelta(t, 60.0, update.Data.Progress, 0.001)

	send(t, conn, `{"action":"unsubscribe","task_id":7}`)
	assert.Equal(t, "unsubscribed", readMsg(t, conn).Type)

	// After unsubscribing only replies to our own requests arrive.
	_, err = g.svc.Progress().SetProgress(ctx, 7, domain.ProgressFields{Progress: domain.Ptr(70.0)})
	require.NoError(t, err)
	send(t, conn, `{"action":"ping"}`)
	assert.Equal(t, "pong", readMsg(t, conn).Type)
}

func TestWS_SubscribeWithoutSnapshot(t *testing.T) {
	conn := dialWS(t, newGateway(t, nil))
	send(t, conn, `{"action":"subscribe","task_id":9}`)
	msg := readMsg(t, conn)
	assert.Equal(t, "subscribed", msg.Type)
	assert.Equal(t, int64(9), msg.TaskID)
}

func TestWS_Errors(t *testing.T) {
	conn := dialWS(t, newGateway(t, nil))

	cases := map[string]string{
		`not json`:                  "Invalid message format",
		`{"task_id":1}`:             "Invalid message format",
		`{"action":"dance"}`:        "Unknown action",
		`{"action":"subscribe"}`:    "Task ID required",
		`{"action":"get_progress"}`: "Task ID required",
	}
	for raw, want := range cases {
		send(t, conn, raw)
		msg := readMsg(t, conn)
		assert.Equal(t, "error", msg.Type, raw)
		assert.Equal(t, want, msg.Message, raw)
	}

	// The connection survives bad input.
	send(t, conn, `{"action":"ping"}`)
	assert.Equal(t, "pong", readMsg(t, conn).Type)
}
