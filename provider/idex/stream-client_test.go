package idex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newWSServer starts a websocket server calling handle for every accepted
// connection, n counts connections from 1.
func newWSServer(t *testing.T, handle func(conn *websocket.Conn, n int)) string {
	t.Helper()

	var upgrader websocket.Upgrader
	var count atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(count.Add(1))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, n)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testStreamOptions(endpoint string) StreamOptions {
	opts := DefaultStreamOptions()
	opts.Endpoint = endpoint
	opts.APIKey = "test-key"
	opts.SendWait = 200 * time.Millisecond
	return opts
}

func TestReconnectWait_Bounds(t *testing.T) {
	maxWait := 60 * time.Second
	almostOne := func() float64 { return 0.999999 }

	for attempts := 1; attempts <= 64; attempts++ {
		wait := ReconnectWait(attempts, maxWait, almostOne)
		assert.LessOrEqual(t, wait, maxWait, "attempt %d", attempts)
		assert.GreaterOrEqual(t, wait, time.Duration(0), "attempt %d", attempts)
	}

	assert.Equal(t, time.Duration(0), ReconnectWait(0, maxWait, almostOne))
	assert.Equal(t, 3*time.Second/2, ReconnectWait(2, maxWait, func() float64 { return 0.5 }), "0.5 * (2^2 - 1)s")
	assert.Equal(t, 30*time.Second, ReconnectWait(10, maxWait, func() float64 { return 0.5 }), "capped at max wait")
	assert.Equal(t, time.Duration(0), ReconnectWait(3, maxWait, func() float64 { return 0 }))
}

func TestStreamClient_HandshakeAndFrames(t *testing.T) {
	handshakes := make(chan outboundFrame, 1)

	endpoint := newWSServer(t, func(conn *websocket.Conn, n int) {
		var hs outboundFrame
		if err := conn.ReadJSON(&hs); err != nil {
			return
		}
		handshakes <- hs

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"request":"handshake","result":"success","sid":"csi:1"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"market_cancels","payload":"{\"cancels\":[]}","seq":7}`))
		readUntilClosed(conn)
	})

	client := NewStreamClient(testStreamOptions(endpoint))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	hs := <-handshakes
	assert.Equal(t, "handshake", hs.Request)
	var payload handshakePayload
	require.NoError(t, json.Unmarshal([]byte(hs.Payload), &payload))
	assert.Equal(t, ProtocolVersion, payload.Version)
	assert.Equal(t, "test-key", payload.Key)

	first := <-client.Frames()
	assert.Equal(t, "success", first.Result)
	assert.Equal(t, "csi:1", first.SID)
	assert.Equal(t, uint64(1), first.Generation)

	second := <-client.Frames()
	assert.Equal(t, "market_cancels", second.Event, "malformed frame should be skipped")
	assert.Equal(t, int64(7), second.Seq)

	assert.Equal(t, StreamOpen, client.State())
}

func TestStreamClient_PingsWhenIdle(t *testing.T) {
	pinged := make(chan struct{}, 1)

	endpoint := newWSServer(t, func(conn *websocket.Conn, n int) {
		conn.SetPingHandler(func(string) error {
			select {
			case pinged <- struct{}{}:
			default:
			}
			return nil
		})
		readUntilClosed(conn)
	})

	opts := testStreamOptions(endpoint)
	opts.ReadTimeout = 50 * time.Millisecond
	client := NewStreamClient(opts)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a ping after the read timeout")
	}
	assert.Equal(t, uint64(1), client.Generation(), "idle timeout must not reconnect")
}

func TestStreamClient_ReconnectsAndResetsAttempts(t *testing.T) {
	endpoint := newWSServer(t, func(conn *websocket.Conn, n int) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if n == 1 {
			return
		}
		readUntilClosed(conn)
	})

	client := NewStreamClient(testStreamOptions(endpoint))
	client.random = func() float64 { return 0 }
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	assert.Eventually(t, func() bool {
		return client.Generation() == 2 && client.State() == StreamOpen
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, client.ReconnectAttempts())
}

func TestStreamClient_GivesUpAfterMaxReconnects(t *testing.T) {
	var upgrader websocket.Upgrader
	var count atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if count.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	opts := testStreamOptions("ws" + strings.TrimPrefix(srv.URL, "http"))
	opts.MaxReconnects = 2
	client := NewStreamClient(opts)
	client.random = func() float64 { return 0 }
	require.NoError(t, client.Connect(context.Background()))

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client should give up")
	}

	assert.ErrorIs(t, client.Err(), ErrReconnectsExhausted)
	assert.Equal(t, StreamGaveUp, client.State())
	assert.Equal(t, int32(3), count.Load(), "one connection and two reconnect attempts")

	_, open := <-client.Frames()
	assert.False(t, open, "frames channel should be closed")
	assert.NoError(t, client.Close())
}

func TestStreamClient_ConnectError(t *testing.T) {
	client := NewStreamClient(testStreamOptions("ws://127.0.0.1:1"))

	assert.Error(t, client.Connect(context.Background()))
	assert.NoError(t, client.Close())
}

func TestStreamClient_SendWithoutConnection(t *testing.T) {
	opts := testStreamOptions("ws://127.0.0.1:1")
	opts.SendWait = 20 * time.Millisecond
	client := NewStreamClient(opts)

	assert.ErrorIs(t, client.Send(context.Background(), map[string]string{"a": "b"}), ErrNotConnected)

	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Send(context.Background(), map[string]string{"a": "b"}), ErrStreamClosed)
}

func TestStreamClient_CloseIsIdempotent(t *testing.T) {
	endpoint := newWSServer(t, func(conn *websocket.Conn, n int) {
		readUntilClosed(conn)
	})

	client := NewStreamClient(testStreamOptions(endpoint))
	require.NoError(t, client.Connect(context.Background()))

	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	assert.Equal(t, StreamClosed, client.State())
	assert.NoError(t, client.Err())

	_, open := <-client.Frames()
	assert.False(t, open)
}
