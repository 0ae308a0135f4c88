package idex

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spooky-finn/go-idex-depthcache/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	frames     chan Frame
	sent       chan outboundFrame
	done       chan struct{}
	generation atomic.Uint64
	closeOnce  sync.Once
}

func newFakeStream() *fakeStream {
	s := &fakeStream{
		frames: make(chan Frame, 16),
		sent:   make(chan outboundFrame, 16),
		done:   make(chan struct{}),
	}
	s.generation.Store(1)
	return s
}

func (s *fakeStream) Frames() <-chan Frame { return s.frames }

func (s *fakeStream) Send(ctx context.Context, v any) error {
	s.sent <- v.(outboundFrame)
	return nil
}

func (s *fakeStream) Generation() uint64    { return s.generation.Load() }
func (s *fakeStream) Done() <-chan struct{} { return s.done }
func (s *fakeStream) Err() error            { return nil }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.frames)
		close(s.done)
	})
	return nil
}

func (s *fakeStream) session(sid string) {
	s.frames <- Frame{Request: "handshake", Result: "success", SID: sid, Generation: s.Generation()}
}

func collectEvents() (func(*domain.DepthEvent), chan *domain.DepthEvent) {
	events := make(chan *domain.DepthEvent, 16)
	return func(e *domain.DepthEvent) { events <- e }, events
}

func nextEvent(t *testing.T, events chan *domain.DepthEvent) *domain.DepthEvent {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func nextSent(t *testing.T, stream *fakeStream) outboundFrame {
	t.Helper()
	select {
	case f := <-stream.sent:
		return f
	case <-time.After(time.Second):
		t.Fatal("nothing was sent")
		return outboundFrame{}
	}
}

func TestStreamAPI_SubscribeWaitsForSession(t *testing.T) {
	stream := newFakeStream()
	handler, _ := collectEvents()
	api := NewStreamAPI(stream, handler)
	defer api.Close()

	result := make(chan error, 1)
	go func() {
		result <- api.Subscribe(context.Background(), domain.SubscribeMarkets, []string{"ETH_LTO"}, domain.MarketEvents)
	}()

	time.Sleep(20 * time.Millisecond)
	stream.session("csi:1")

	require.NoError(t, <-result)

	frame := nextSent(t, stream)
	assert.Equal(t, "subscribeToMarkets", frame.Request)
	assert.Equal(t, "csi:1", frame.SID)
	assert.True(t, strings.HasPrefix(frame.RID, "rid:"), frame.RID)

	var payload subscriptionRequest
	require.NoError(t, json.Unmarshal([]byte(frame.Payload), &payload))
	assert.Equal(t, "subscribe", payload.Action)
	assert.Equal(t, []string{"ETH_LTO"}, payload.Topics)
	assert.Equal(t, domain.MarketEvents, payload.Events)
}

func TestStreamAPI_SubscribeWithoutSession(t *testing.T) {
	stream := newFakeStream()
	handler, _ := collectEvents()
	api := NewStreamAPI(stream, handler)
	api.sessionWait = 20 * time.Millisecond
	defer api.Close()

	err := api.Subscribe(context.Background(), domain.SubscribeMarkets, []string{"ETH_LTO"}, domain.MarketEvents)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Empty(t, stream.sent)
}

func TestStreamAPI_UnknownCategory(t *testing.T) {
	stream := newFakeStream()
	handler, _ := collectEvents()
	api := NewStreamAPI(stream, handler)
	defer api.Close()

	err := api.Subscribe(context.Background(), domain.SubscribeCategory("orders"), []string{"ETH_LTO"}, nil)
	assert.ErrorIs(t, err, domain.ErrUnknownSubscribeCategory)
}

func TestStreamAPI_CategoryAliases(t *testing.T) {
	stream := newFakeStream()
	handler, _ := collectEvents()
	api := NewStreamAPI(stream, handler)
	defer api.Close()

	stream.session("csi:1")

	require.NoError(t, api.Subscribe(context.Background(), domain.SubscribeCategory("market"), []string{"ETH_LTO"}, nil))
	require.NoError(t, api.Unsubscribe(context.Background(), domain.SubscribeCategory("markets"), []string{"ETH_LTO"}, nil))

	sub := nextSent(t, stream)
	unsub := nextSent(t, stream)
	assert.Equal(t, "subscribeToMarkets", sub.Request)
	assert.Equal(t, "subscribeToMarkets", unsub.Request)
	assert.Contains(t, unsub.Payload, `"action":"unsubscribe"`)
}

func TestStreamAPI_RoutesEvents(t *testing.T) {
	stream := newFakeStream()
	handler, events := collectEvents()
	api := NewStreamAPI(stream, handler)
	defer api.Close()

	stream.frames <- Frame{
		Event:   "market_cancels",
		Seq:     1,
		Payload: json.RawMessage(`"{\"market\":\"ETH_LTO\",\"cancels\":[{\"orderHash\":\"h1\",\"market\":\"ETH_LTO\"}]}"`),
	}
	stream.frames <- Frame{Request: "subscribeToMarkets", Result: "success"}
	stream.frames <- Frame{Event: "market_orders", Payload: json.RawMessage(`"not json`)}
	stream.frames <- Frame{
		Event: "market_orders",
		Seq:   2,
		Payload: json.RawMessage(`{"market":"ETH_LTO","orders":[{"hash":"h2","market":"ETH_LTO",` +
			`"tokenBuy":"0x1","amountBuy":"10","tokenSell":"0x2","amountSell":"20"}]}`),
	}

	cancels := nextEvent(t, events)
	assert.Equal(t, domain.EventOrderCancel, cancels.Kind)
	assert.Equal(t, "ETH_LTO", cancels.Market)
	require.Len(t, cancels.Cancels, 1)
	assert.Equal(t, "h1", cancels.Cancels[0].OrderHash)

	orders := nextEvent(t, events)
	assert.Equal(t, domain.EventOrderAdd, orders.Kind)
	assert.Equal(t, int64(2), orders.Seq)
	require.Len(t, orders.Orders, 1)
	assert.Equal(t, "h2", orders.Orders[0].Hash)
	assert.Equal(t, "20", orders.Orders[0].AmountSell)

	assert.Empty(t, events)
}

func TestStreamAPI_HandlerPanicKeepsDispatching(t *testing.T) {
	stream := newFakeStream()
	events := make(chan *domain.DepthEvent, 4)
	api := NewStreamAPI(stream, func(e *domain.DepthEvent) {
		if e.Seq == 1 {
			panic("boom")
		}
		events <- e
	})
	defer api.Close()

	stream.frames <- Frame{Event: "market_trades", Seq: 1, Payload: json.RawMessage(`{"trades":[]}`)}
	stream.frames <- Frame{Event: "market_trades", Seq: 2, Payload: json.RawMessage(`{"trades":[]}`)}

	assert.Equal(t, int64(2), nextEvent(t, events).Seq)
}

func TestStreamAPI_RestoresSubscriptionsOnNewSession(t *testing.T) {
	stream := newFakeStream()
	handler, events := collectEvents()
	api := NewStreamAPI(stream, handler)
	defer api.Close()

	stream.session("csi:1")
	require.NoError(t, api.Subscribe(context.Background(), domain.SubscribeMarkets, []string{"ETH_LTO"}, domain.MarketEvents))
	assert.Equal(t, "csi:1", nextSent(t, stream).SID)

	// reconnect
	stream.generation.Store(2)
	stream.session("csi:2")

	restored := nextEvent(t, events)
	assert.Equal(t, domain.EventSessionRestored, restored.Kind)

	replayed := nextSent(t, stream)
	assert.Equal(t, "csi:2", replayed.SID)
	assert.Equal(t, "subscribeToMarkets", replayed.Request)
	assert.Contains(t, replayed.Payload, "ETH_LTO")
}

// orderedStream records sends in the same log as the handler.
type orderedStream struct {
	*fakeStream
	mu  *sync.Mutex
	log *[]string
}

func (s orderedStream) Send(ctx context.Context, v any) error {
	s.mu.Lock()
	*s.log = append(*s.log, "send:"+v.(outboundFrame).SID)
	s.mu.Unlock()
	return s.fakeStream.Send(ctx, v)
}

func TestStreamAPI_ResubscribesBeforeSessionRestored(t *testing.T) {
	var mu sync.Mutex
	var log []string
	restored := make(chan struct{})

	stream := orderedStream{fakeStream: newFakeStream(), mu: &mu, log: &log}
	api := NewStreamAPI(stream, func(e *domain.DepthEvent) {
		if e.Kind != domain.EventSessionRestored {
			return
		}
		mu.Lock()
		log = append(log, "restored")
		mu.Unlock()
		close(restored)
	})
	defer api.Close()

	stream.session("csi:1")
	require.NoError(t, api.Subscribe(context.Background(), domain.SubscribeMarkets, []string{"ETH_LTO"}, domain.MarketEvents))

	stream.generation.Store(2)
	stream.session("csi:2")

	select {
	case <-restored:
	case <-time.After(time.Second):
		t.Fatal("session was not restored")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"send:csi:1", "send:csi:2", "restored"}, log)
}

func TestStreamAPI_StaleSessionIsNotUsed(t *testing.T) {
	stream := newFakeStream()
	handler, _ := collectEvents()
	api := NewStreamAPI(stream, handler)
	api.sessionWait = 20 * time.Millisecond
	defer api.Close()

	stream.session("csi:1")
	require.Eventually(t, func() bool {
		sid, _ := api.currentSession()
		return sid == "csi:1"
	}, time.Second, 5*time.Millisecond)

	stream.generation.Store(2)

	err := api.Subscribe(context.Background(), domain.SubscribeMarkets, []string{"ETH_LTO"}, nil)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStreamAPI_CloseStopsDispatch(t *testing.T) {
	stream := newFakeStream()
	handler, _ := collectEvents()
	api := NewStreamAPI(stream, handler)

	require.NoError(t, api.Close())

	select {
	case <-api.Done():
	default:
		t.Fatal("done should be closed")
	}

	err := api.Subscribe(context.Background(), domain.SubscribeMarkets, []string{"ETH_LTO"}, nil)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestDecodePayload(t *testing.T) {
	var v struct {
		Market string `json:"market"`
	}

	require.NoError(t, decodePayload(json.RawMessage(`"{\"market\":\"ETH_LTO\"}"`), &v))
	assert.Equal(t, "ETH_LTO", v.Market)

	require.NoError(t, decodePayload(json.RawMessage(`{"market":"ETH_AURA"}`), &v))
	assert.Equal(t, "ETH_AURA", v.Market)

	assert.Error(t, decodePayload(nil, &v))
}
