package idex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spooky-finn/go-idex-depthcache/config"
	"github.com/spooky-finn/go-idex-depthcache/domain"
	"github.com/spooky-finn/go-idex-depthcache/helpers"
	"go.uber.org/zap"
)

var ErrNoSession = errors.New("idex stream: no session")

const defaultSessionWait = 5 * time.Second

// streamTransport is the part of StreamClient the router depends on.
type streamTransport interface {
	Frames() <-chan Frame
	Send(ctx context.Context, v any) error
	Generation() uint64
	Done() <-chan struct{}
	Err() error
	Close() error
}

type subscriptionRequest struct {
	Action string             `json:"action"`
	Topics []string           `json:"topics"`
	Events []domain.EventKind `json:"events"`
}

type subscription struct {
	category domain.SubscribeCategory
	topics   []string
	events   []domain.EventKind
}

func (s subscription) key() string {
	request, _ := s.category.Request()
	events := make([]string, len(s.events))
	for i, e := range s.events {
		events[i] = string(e)
	}
	return request + "|" + strings.Join(s.topics, ",") + "|" + strings.Join(events, ",")
}

// StreamAPI routes datastream frames: it keeps the session issued by the
// handshake, tags subscription requests with it and hands decoded events
// to a single handler, in arrival order.
type StreamAPI struct {
	stream      streamTransport
	handler     func(*domain.DepthEvent)
	logger      *zap.Logger
	sessionWait time.Duration

	mu            sync.Mutex
	session       string
	sessionGen    uint64
	sessionReady  chan struct{}
	sessionSet    bool
	hadSession    bool
	subscriptions map[string]subscription

	done chan struct{}
}

func NewStreamAPI(stream streamTransport, handler func(*domain.DepthEvent)) *StreamAPI {
	s := &StreamAPI{
		stream:        stream,
		handler:       handler,
		logger:        zap.L().Named("idex-stream-api"),
		sessionWait:   defaultSessionWait,
		sessionReady:  make(chan struct{}),
		subscriptions: make(map[string]subscription),
		done:          make(chan struct{}),
	}

	go s.dispatch()

	return s
}

func (s *StreamAPI) Subscribe(ctx context.Context, category domain.SubscribeCategory, topics []string, events []domain.EventKind) error {
	return s.request(ctx, "subscribe", subscription{category: category, topics: topics, events: events})
}

func (s *StreamAPI) Unsubscribe(ctx context.Context, category domain.SubscribeCategory, topics []string, events []domain.EventKind) error {
	return s.request(ctx, "unsubscribe", subscription{category: category, topics: topics, events: events})
}

// Done is closed when the underlying stream stopped and every frame was
// dispatched.
func (s *StreamAPI) Done() <-chan struct{} {
	return s.done
}

func (s *StreamAPI) Err() error {
	return s.stream.Err()
}

func (s *StreamAPI) Close() error {
	err := s.stream.Close()
	<-s.done
	return err
}

func (s *StreamAPI) request(ctx context.Context, action string, sub subscription) error {
	request, err := sub.category.Request()
	if err != nil {
		return fmt.Errorf("%w: %q", err, sub.category)
	}

	sid, err := s.waitSession(ctx)
	if err != nil {
		return err
	}

	if err := s.send(ctx, sid, request, action, sub); err != nil {
		return err
	}

	s.mu.Lock()
	if action == "subscribe" {
		s.subscriptions[sub.key()] = sub
	} else {
		delete(s.subscriptions, sub.key())
	}
	s.mu.Unlock()

	return nil
}

func (s *StreamAPI) send(ctx context.Context, sid, request, action string, sub subscription) error {
	payload, err := helpers.ToJsonString(subscriptionRequest{
		Action: action,
		Topics: sub.topics,
		Events: sub.events,
	})
	if err != nil {
		return err
	}

	return s.stream.Send(ctx, outboundFrame{
		RID:     helpers.NewRequestID(),
		SID:     sid,
		Request: request,
		Payload: payload,
	})
}

// waitSession returns the session of the current connection, waiting up
// to sessionWait for the handshake to complete.
func (s *StreamAPI) waitSession(ctx context.Context) (string, error) {
	timer := time.NewTimer(s.sessionWait)
	defer timer.Stop()

	for {
		sid, ready := s.currentSession()
		if sid != "" {
			return sid, nil
		}

		select {
		case <-ready:
		case <-timer.C:
			return "", fmt.Errorf("%w after %s", ErrNoSession, s.sessionWait)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.done:
			return "", ErrStreamClosed
		}
	}
}

func (s *StreamAPI) currentSession() (string, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != "" && s.sessionGen == s.stream.Generation() {
		return s.session, s.sessionReady
	}

	// the session belongs to a previous connection
	if s.sessionSet {
		s.session = ""
		s.sessionSet = false
		s.sessionReady = make(chan struct{})
	}
	return "", s.sessionReady
}

func (s *StreamAPI) setSession(sid string, generation uint64) {
	s.mu.Lock()

	if s.session == sid && s.sessionGen == generation {
		s.mu.Unlock()
		return
	}

	restored := s.hadSession && generation != s.sessionGen
	s.session = sid
	s.sessionGen = generation
	s.hadSession = true
	if !s.sessionSet {
		close(s.sessionReady)
		s.sessionSet = true
	}

	var replay []subscription
	if restored {
		for _, sub := range s.subscriptions {
			replay = append(replay, sub)
		}
	}
	s.mu.Unlock()

	s.logger.Info("datastream session established", zap.String("sid", sid), zap.Bool("restored", restored))

	if !restored {
		return
	}

	// subscriptions go out before the handler learns about the new session,
	// so a resync snapshot never predates them
	for _, sub := range replay {
		request, _ := sub.category.Request()
		if err := s.send(context.Background(), sid, request, "subscribe", sub); err != nil {
			s.logger.Error("failed to restore subscription", zap.String("request", request), zap.Strings("topics", sub.topics), zap.Error(err))
		}
	}

	s.deliver(&domain.DepthEvent{Kind: domain.EventSessionRestored})
}

func (s *StreamAPI) dispatch() {
	defer close(s.done)

	for frame := range s.stream.Frames() {
		s.route(frame)
	}

	if err := s.stream.Err(); err != nil {
		s.logger.Error("datastream stopped", zap.Error(err))
	}
}

func (s *StreamAPI) route(frame Frame) {
	switch {
	case frame.Result == "success" && frame.SID != "":
		s.setSession(frame.SID, frame.Generation)

	case frame.Event != "":
		event, err := decodeEvent(frame)
		if err != nil {
			s.logger.Warn("discarding undecodable event", zap.String("event", frame.Event), zap.Error(err))
			return
		}
		s.deliver(event)

	default:
		if config.DebugMode {
			s.logger.Debug("dropping frame without event", zap.ByteString("frame", frame.Raw))
		}
	}
}

func (s *StreamAPI) deliver(event *domain.DepthEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked", zap.String("event", string(event.Kind)), zap.Any("panic", r))
		}
	}()

	s.handler(event)
}

func decodeEvent(frame Frame) (*domain.DepthEvent, error) {
	event := &domain.DepthEvent{Kind: domain.EventKind(frame.Event), Seq: frame.Seq}

	switch event.Kind {
	case domain.EventOrderAdd:
		var p struct {
			Market string               `json:"market"`
			Orders []domain.StreamOrder `json:"orders"`
		}
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		event.Market, event.Orders = p.Market, p.Orders

	case domain.EventOrderCancel:
		var p struct {
			Market  string                `json:"market"`
			Cancels []domain.StreamCancel `json:"cancels"`
		}
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		event.Market, event.Cancels = p.Market, p.Cancels

	case domain.EventTrade:
		var p struct {
			Market string               `json:"market"`
			Trades []domain.StreamTrade `json:"trades"`
		}
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		event.Market, event.Trades = p.Market, p.Trades
	}

	return event, nil
}

// decodePayload decodes a payload given either as an object or as a JSON
// document encoded in a string.
func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		raw = json.RawMessage(inner)
	}

	return json.Unmarshal(raw, v)
}
