package idex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spooky-finn/go-idex-depthcache/config"
	"github.com/spooky-finn/go-idex-depthcache/helpers"
	promclient "github.com/spooky-finn/go-idex-depthcache/infrastructure/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultStreamEndpoint = "wss://datastream.idex.market"
	ProtocolVersion       = "1.0.0"

	writeWait = 10 * time.Second
)

var (
	ErrReconnectsExhausted = errors.New("idex stream: reconnect attempts exhausted")
	ErrNotConnected        = errors.New("idex stream: not connected")
	ErrStreamClosed        = errors.New("idex stream: closed")
)

type StreamState int32

const (
	StreamConnecting StreamState = iota
	StreamHandshaking
	StreamOpen
	StreamReconnecting
	StreamGaveUp
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamHandshaking:
		return "handshaking"
	case StreamOpen:
		return "open"
	case StreamReconnecting:
		return "reconnecting"
	case StreamGaveUp:
		return "gave-up"
	case StreamClosed:
		return "closed"
	}
	return fmt.Sprintf("StreamState(%d)", int32(s))
}

type StreamOptions struct {
	Endpoint string
	APIKey   string
	// idle time after which a ping is sent, the connection stays up
	ReadTimeout time.Duration
	// reconnect attempts after a connection loss before giving up
	MaxReconnects    int
	MaxReconnectWait time.Duration
	// how long Send waits for a connection to come up
	SendWait         time.Duration
	HandshakeTimeout time.Duration
}

func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		Endpoint:         DefaultStreamEndpoint,
		ReadTimeout:      10 * time.Second,
		MaxReconnects:    5,
		MaxReconnectWait: 60 * time.Second,
		SendWait:         5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

// Frame is one inbound datastream message. Payload is kept raw, it is
// usually a JSON document encoded as a string.
type Frame struct {
	Request string          `json:"request,omitempty"`
	Result  string          `json:"result,omitempty"`
	SID     string          `json:"sid,omitempty"`
	RID     string          `json:"rid,omitempty"`
	Event   string          `json:"event,omitempty"`
	Chain   string          `json:"chain,omitempty"`
	EID     string          `json:"eid,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Raw []byte `json:"-"`
	// connection the frame was read from
	Generation uint64 `json:"-"`
}

type outboundFrame struct {
	RID     string `json:"rid,omitempty"`
	SID     string `json:"sid,omitempty"`
	Request string `json:"request"`
	Payload string `json:"payload"`
}

type handshakePayload struct {
	Version string `json:"version"`
	Key     string `json:"key"`
}

// StreamClient owns one logical datastream connection. It reconnects with
// a randomized exponential backoff and delivers decoded frames, in order,
// on a single channel.
type StreamClient struct {
	opts   StreamOptions
	dialer *websocket.Dialer
	logger *zap.Logger
	random func() float64

	conn       *websocket.Conn
	ready      chan struct{}
	connMu     sync.Mutex
	writeMu    sync.Mutex
	generation atomic.Uint64
	state      atomic.Int32
	attempts   atomic.Int32

	frames chan Frame
	done   chan struct{}
	err    error
	errMu  sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	startMu   sync.Mutex
	closeOnce sync.Once
}

func NewStreamClient(opts StreamOptions) *StreamClient {
	defaults := DefaultStreamOptions()
	if opts.Endpoint == "" {
		opts.Endpoint = defaults.Endpoint
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.MaxReconnects < 0 {
		opts.MaxReconnects = 0
	}
	if opts.MaxReconnectWait <= 0 {
		opts.MaxReconnectWait = defaults.MaxReconnectWait
	}
	if opts.SendWait <= 0 {
		opts.SendWait = defaults.SendWait
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &StreamClient{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger: zap.L().Named("idex-stream"),
		random: rand.Float64,
		ready:  make(chan struct{}),
		frames: make(chan Frame),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ReconnectWait returns random * min(maxWait, 2^attempts - 1 seconds).
func ReconnectWait(attempts int, maxWait time.Duration, random func() float64) time.Duration {
	if attempts <= 0 {
		return 0
	}

	ceiling := maxWait
	if attempts < 32 {
		exp := time.Duration(1<<uint(attempts)-1) * time.Second
		if exp < ceiling {
			ceiling = exp
		}
	}

	return time.Duration(random() * float64(ceiling))
}

// Connect dials the datastream and sends the handshake. An error is
// returned only for the first dial, later connection losses are handled
// by the reconnect loop.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.started {
		return errors.New("idex stream: already connected")
	}
	if c.ctx.Err() != nil {
		return ErrStreamClosed
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.started = true
	go c.run(conn)

	return nil
}

func (c *StreamClient) Frames() <-chan Frame {
	return c.frames
}

// Done is closed once the client stops, after Close or after giving up.
func (c *StreamClient) Done() <-chan struct{} {
	return c.done
}

// Err returns ErrReconnectsExhausted after the client gave up.
func (c *StreamClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *StreamClient) State() StreamState {
	return StreamState(c.state.Load())
}

func (c *StreamClient) ReconnectAttempts() int {
	return int(c.attempts.Load())
}

// Generation identifies the current connection. It grows with every
// successful (re)connect.
func (c *StreamClient) Generation() uint64 {
	return c.generation.Load()
}

// Send writes v as JSON. Without an open connection it waits up to
// SendWait for one.
func (c *StreamClient) Send(ctx context.Context, v any) error {
	if c.ctx.Err() != nil {
		return ErrStreamClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	conn, ready := c.current()
	if conn == nil {
		timer := time.NewTimer(c.opts.SendWait)
		defer timer.Stop()

		select {
		case <-ready:
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrStreamClosed
		}

		if conn, _ = c.current(); conn == nil {
			return ErrNotConnected
		}
	}

	if config.DebugMode {
		c.logger.Debug("sending frame", zap.ByteString("frame", data))
	}

	return c.write(conn, data)
}

// Close stops the client and releases the connection. It is safe to call
// more than once.
func (c *StreamClient) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StreamClosed))
		c.cancel()

		if conn, _ := c.current(); conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}

		c.startMu.Lock()
		started := c.started
		c.started = true
		c.startMu.Unlock()

		if !started {
			close(c.frames)
			close(c.done)
		}
	})

	<-c.done
	return nil
}

func (c *StreamClient) dial(ctx context.Context) (*websocket.Conn, error) {
	c.state.Store(int32(StreamConnecting))

	conn, _, err := c.dialer.DialContext(ctx, c.opts.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.Endpoint, err)
	}

	c.state.Store(int32(StreamHandshaking))
	if err := c.handshake(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.generation.Add(1)
	close(c.ready)
	c.connMu.Unlock()

	c.attempts.Store(0)
	c.state.Store(int32(StreamOpen))
	c.logger.Info("connected to the idex datastream", zap.String("endpoint", c.opts.Endpoint))

	return conn, nil
}

func (c *StreamClient) handshake(conn *websocket.Conn) error {
	payload, err := json.Marshal(handshakePayload{Version: ProtocolVersion, Key: c.opts.APIKey})
	if err != nil {
		return err
	}
	data, err := json.Marshal(outboundFrame{Request: "handshake", Payload: string(payload)})
	if err != nil {
		return err
	}
	return c.write(conn, data)
}

func (c *StreamClient) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *StreamClient) current() (*websocket.Conn, chan struct{}) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn, c.ready
}

func (c *StreamClient) drop(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = make(chan struct{})
	}
	c.connMu.Unlock()

	conn.Close()
}

func (c *StreamClient) run(conn *websocket.Conn) {
	defer func() {
		close(c.frames)
		close(c.done)
	}()

	for conn != nil {
		err := c.serve(conn)
		c.drop(conn)

		if c.ctx.Err() != nil {
			return
		}

		c.logger.Warn("datastream connection lost", zap.Error(err))
		conn = c.reconnect()
	}
}

func (c *StreamClient) reconnect() *websocket.Conn {
	for {
		attempts := int(c.attempts.Add(1))
		if attempts > c.opts.MaxReconnects {
			c.logger.Error("datastream could not reconnect", zap.Int("attempts", attempts-1))
			c.state.Store(int32(StreamGaveUp))
			c.errMu.Lock()
			c.err = ErrReconnectsExhausted
			c.errMu.Unlock()
			promclient.StreamGaveUpCounter.Inc()
			return nil
		}

		wait := ReconnectWait(attempts, c.opts.MaxReconnectWait, c.random)
		c.state.Store(int32(StreamReconnecting))
		promclient.StreamReconnectsCounter.Inc()
		c.logger.Info("datastream reconnecting",
			zap.Int("attempt", attempts),
			zap.Int("attemptsLeft", c.opts.MaxReconnects-attempts),
			zap.Duration("wait", wait))

		if err := helpers.Sleep(c.ctx, wait); err != nil {
			return nil
		}

		conn, err := c.dial(c.ctx)
		if err == nil {
			return conn
		}
		if c.ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("datastream reconnect failed", zap.Int("attempt", attempts), zap.Error(err))
	}
}

// serve reads from conn until it fails or the client is closed.
func (c *StreamClient) serve(conn *websocket.Conn) error {
	generation := c.Generation()
	messages := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case messages <- msg:
			case <-stop:
				return
			}
		}
	}()

	idle := time.NewTimer(c.opts.ReadTimeout)
	defer idle.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()

		case err := <-readErr:
			return err

		case <-idle.C:
			if config.DebugMode {
				c.logger.Debug("no message, sending ping", zap.Duration("timeout", c.opts.ReadTimeout))
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
			idle.Reset(c.opts.ReadTimeout)

		case msg := <-messages:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.opts.ReadTimeout)

			var frame Frame
			if err := json.Unmarshal(msg, &frame); err != nil {
				c.logger.Debug("discarding malformed frame", zap.Error(err))
				continue
			}
			frame.Raw = msg
			frame.Generation = generation

			select {
			case c.frames <- frame:
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
		}
	}
}
