package idex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-idex-depthcache/domain"
	promclient "github.com/spooky-finn/go-idex-depthcache/infrastructure/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultRefreshInterval = 30 * time.Minute
	DefaultSnapshotDepth   = 100

	// significant digits of prices derived from order amounts
	priceSignificantDigits = 18
	// decimal places kept by the amount division before rounding
	divisionPrecision = 40
	// delay before a failed refresh is retried
	refreshRetryDelay = 10 * time.Second

	unsubscribeTimeout = 2 * time.Second
)

var ErrMaintainerClosed = errors.New("depth cache closed")

type MaintainerStatus int32

const (
	StatusInitializing MaintainerStatus = iota
	StatusSyncing
	StatusLive
	StatusRefreshing
	StatusClosed
	StatusFailed
)

func (s MaintainerStatus) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusSyncing:
		return "syncing"
	case StatusLive:
		return "live"
	case StatusRefreshing:
		return "refreshing"
	case StatusClosed:
		return "closed"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("MaintainerStatus(%d)", int32(s))
}

// EventRouter delivers the events of the markets it is subscribed to.
type EventRouter interface {
	Subscribe(ctx context.Context, category domain.SubscribeCategory, topics []string, events []domain.EventKind) error
	Unsubscribe(ctx context.Context, category domain.SubscribeCategory, topics []string, events []domain.EventKind) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// RouterFactory opens a router that passes every event to handler.
type RouterFactory func(ctx context.Context, handler func(*domain.DepthEvent)) (EventRouter, error)

// NewRouterFactory returns a factory connecting a new datastream per router.
func NewRouterFactory(opts StreamOptions) RouterFactory {
	return func(ctx context.Context, handler func(*domain.DepthEvent)) (EventRouter, error) {
		stream := NewStreamClient(opts)
		if err := stream.Connect(ctx); err != nil {
			return nil, err
		}
		return NewStreamAPI(stream, handler), nil
	}
}

type MaintainerOption func(*OrderbookMaintainer)

// WithOnUpdate sets a callback run after every applied event, on the
// maintainer goroutine. It must not call Close.
func WithOnUpdate(fn func(*domain.OrderBook)) MaintainerOption {
	return func(m *OrderbookMaintainer) { m.onUpdate = fn }
}

// WithRefreshInterval sets how often the book is reloaded from a snapshot,
// zero disables it.
func WithRefreshInterval(d time.Duration) MaintainerOption {
	return func(m *OrderbookMaintainer) { m.refreshInterval = d }
}

func WithSnapshotDepth(n int) MaintainerOption {
	return func(m *OrderbookMaintainer) { m.snapshotDepth = n }
}

func WithLogger(l *zap.Logger) MaintainerOption {
	return func(m *OrderbookMaintainer) { m.logger = l }
}

func WithClock(now func() time.Time) MaintainerOption {
	return func(m *OrderbookMaintainer) { m.now = now }
}

func WithStreamOptions(opts StreamOptions) MaintainerOption {
	return func(m *OrderbookMaintainer) { m.newRouter = NewRouterFactory(opts) }
}

func WithRouterFactory(f RouterFactory) MaintainerOption {
	return func(m *OrderbookMaintainer) { m.newRouter = f }
}

// OrderbookMaintainer keeps the depth cache of one market: it loads a REST
// snapshot, applies stream events to it in order and reloads the snapshot
// periodically.
type OrderbookMaintainer struct {
	symbol  *domain.MarketSymbol
	syncAPI domain.ProviderSyncAPI
	router  EventRouter

	newRouter       RouterFactory
	onUpdate        func(*domain.OrderBook)
	refreshInterval time.Duration
	snapshotDepth   int
	now             func() time.Time
	logger          *zap.Logger

	base  *domain.Currency
	quote *domain.Currency

	book         *domain.OrderBook
	refreshAt    time.Time
	retryRefresh bool
	mu           sync.Mutex

	eventQueue deque.Deque[*domain.DepthEvent]
	queueMu    sync.Mutex
	wakeup     chan struct{}

	status    atomic.Int32
	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewOrderBookMaintainer subscribes to the market events and returns once
// the initial snapshot is loaded. A failed initial load is returned.
func NewOrderBookMaintainer(
	ctx context.Context,
	syncAPI domain.ProviderSyncAPI,
	symbol *domain.MarketSymbol,
	opts ...MaintainerOption,
) (*OrderbookMaintainer, error) {
	m := &OrderbookMaintainer{
		symbol:          symbol,
		syncAPI:         syncAPI,
		newRouter:       NewRouterFactory(DefaultStreamOptions()),
		refreshInterval: DefaultRefreshInterval,
		snapshotDepth:   DefaultSnapshotDepth,
		now:             time.Now,
		wakeup:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.L().Named("idex-orderbook-maintainer")
	}
	m.logger = m.logger.With(zap.String("symbol", symbol.String()))
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.status.Store(int32(StatusInitializing))

	var err error
	if m.base, err = syncAPI.Currency(ctx, symbol.BaseAsset); err != nil {
		m.cancel()
		return nil, fmt.Errorf("resolve base asset %s: %w", symbol.BaseAsset, err)
	}
	if m.quote, err = syncAPI.Currency(ctx, symbol.QuoteAsset); err != nil {
		m.cancel()
		return nil, fmt.Errorf("resolve quote asset %s: %w", symbol.QuoteAsset, err)
	}

	m.book = domain.NewOrderBook(symbol)
	m.book.SetFaultObserver(m.reportFault)

	if m.router, err = m.newRouter(ctx, m.enqueue); err != nil {
		m.cancel()
		return nil, fmt.Errorf("open datastream: %w", err)
	}

	err = m.router.Subscribe(ctx, domain.SubscribeMarkets, []string{symbol.String()}, domain.MarketEvents)
	if err != nil {
		m.abort()
		return nil, fmt.Errorf("subscribe to %s: %w", symbol, err)
	}
	m.logger.Info("subscribed to market events")

	m.status.Store(int32(StatusSyncing))
	if err := m.loadSnapshot(ctx); err != nil {
		m.abort()
		return nil, err
	}

	m.status.Store(int32(StatusLive))
	promclient.OpenDepthCacheGauge.Inc()

	m.wg.Add(1)
	go m.queueReader()

	return m, nil
}

func (m *OrderbookMaintainer) Symbol() *domain.MarketSymbol {
	return m.symbol
}

// DepthCache returns the live book, nil once closed.
func (m *OrderbookMaintainer) DepthCache() *domain.OrderBook {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book
}

func (m *OrderbookMaintainer) Status() MaintainerStatus {
	return MaintainerStatus(m.status.Load())
}

// Err reports why the event stream stopped, if it failed.
func (m *OrderbookMaintainer) Err() error {
	if m.Status() != StatusFailed {
		return nil
	}
	return m.router.Err()
}

// Close stops the stream and discards the book. It is safe to call more
// than once.
func (m *OrderbookMaintainer) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed.Store(true)
		m.book = nil
		m.mu.Unlock()

		m.status.Store(int32(StatusClosed))
		m.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		if err := m.router.Unsubscribe(ctx, domain.SubscribeMarkets, []string{m.symbol.String()}, domain.MarketEvents); err != nil {
			m.logger.Debug("failed to unsubscribe", zap.Error(err))
		}
		cancel()

		err = m.router.Close()
		m.wg.Wait()

		promclient.OpenDepthCacheGauge.Dec()
		m.logger.Info("depth cache closed")
	})
	return err
}

func (m *OrderbookMaintainer) abort() {
	m.closed.Store(true)
	m.cancel()
	if err := m.router.Close(); err != nil {
		m.logger.Warn("failed to close datastream", zap.Error(err))
	}
}

func (m *OrderbookMaintainer) enqueue(event *domain.DepthEvent) {
	m.queueMu.Lock()
	m.eventQueue.PushBack(event)
	m.queueMu.Unlock()

	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

func (m *OrderbookMaintainer) dequeue() (*domain.DepthEvent, bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	if m.eventQueue.Len() == 0 {
		return nil, false
	}
	return m.eventQueue.PopFront(), true
}

func (m *OrderbookMaintainer) queueLen() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return m.eventQueue.Len()
}

func (m *OrderbookMaintainer) queueReader() {
	defer m.wg.Done()

	for {
		event, ok := m.dequeue()
		if ok {
			m.handleEvent(event)
			continue
		}

		select {
		case <-m.ctx.Done():
			return
		case <-m.wakeup:
		case <-m.router.Done():
			if m.closed.Load() {
				return
			}
			if m.queueLen() > 0 {
				continue
			}
			m.status.Store(int32(StatusFailed))
			m.logger.Error("datastream stopped, depth cache is no longer updated", zap.Error(m.router.Err()))
			return
		}
	}
}

func (m *OrderbookMaintainer) handleEvent(event *domain.DepthEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("depth event handler panicked", zap.String("event", string(event.Kind)), zap.Any("panic", r))
		}
	}()

	book := m.DepthCache()
	if book == nil {
		return
	}
	if event.Market != "" && event.Market != m.symbol.String() {
		m.logger.Debug("ignoring event of another market", zap.String("market", event.Market))
		return
	}

	switch event.Kind {
	case domain.EventOrderAdd:
		m.applyOrders(book, event.Orders)
	case domain.EventOrderCancel:
		for _, cancel := range event.Cancels {
			book.Remove(cancel.OrderHash)
		}
	case domain.EventTrade:
		// book state follows order adds and cancels only
	case domain.EventSessionRestored:
		m.refresh("session restored")
	default:
		m.logger.Debug("ignoring unknown event", zap.String("event", string(event.Kind)))
	}
	promclient.DepthEventsCounter.WithLabelValues(m.symbol.String(), string(event.Kind)).Inc()

	if m.onUpdate != nil {
		m.onUpdate(book)
	}

	if m.refreshDue() {
		m.refresh("interval")
	}
}

func (m *OrderbookMaintainer) applyOrders(book *domain.OrderBook, orders []domain.StreamOrder) {
	for _, order := range orders {
		side, quantity, price, err := m.priceLevel(order)
		if err != nil {
			m.logger.Warn("skipping order", zap.String("order", order.Hash), zap.Error(err))
			continue
		}

		if side == domain.SideAsk {
			book.AddAsk(order.Hash, quantity, price)
		} else {
			book.AddBid(order.Hash, quantity, price)
		}
	}
}

// priceLevel derives side, quantity and price of a streamed order. An order
// buying the base asset sells the quote asset, so it rests on the ask side.
func (m *OrderbookMaintainer) priceLevel(order domain.StreamOrder) (domain.Side, decimal.Decimal, decimal.Decimal, error) {
	side := domain.SideBid
	quoteAmount, baseAmount := order.AmountBuy, order.AmountSell
	if strings.EqualFold(order.TokenBuy, m.base.Address) {
		side = domain.SideAsk
		quoteAmount, baseAmount = order.AmountSell, order.AmountBuy
	}

	quantity, err := m.quote.ParseQuantity(quoteAmount)
	if err != nil {
		return side, decimal.Zero, decimal.Zero, err
	}
	total, err := m.base.ParseQuantity(baseAmount)
	if err != nil {
		return side, decimal.Zero, decimal.Zero, err
	}
	if quantity.Sign() <= 0 {
		return side, decimal.Zero, decimal.Zero, fmt.Errorf("non-positive amount %s", quantity)
	}

	price := roundSignificant(total.DivRound(quantity, divisionPrecision), priceSignificantDigits)
	return side, quantity, price, nil
}

func roundSignificant(d decimal.Decimal, digits int) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	intDigits := d.NumDigits() + int(d.Exponent())
	return d.Round(int32(digits - intDigits))
}

func (m *OrderbookMaintainer) refreshDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshInterval <= 0 && !m.retryRefresh {
		return false
	}
	return !m.now().Before(m.refreshAt)
}

func (m *OrderbookMaintainer) refresh(reason string) {
	m.status.Store(int32(StatusRefreshing))
	m.logger.Info("refreshing depth cache", zap.String("reason", reason))

	err := m.loadSnapshot(m.ctx)
	if m.closed.Load() {
		return
	}
	m.status.Store(int32(StatusLive))

	if err != nil {
		m.logger.Warn("depth cache refresh failed, keeping current book", zap.Error(err))
		m.mu.Lock()
		m.retryRefresh = true
		m.refreshAt = m.now().Add(refreshRetryDelay)
		m.mu.Unlock()
	}
}

// loadSnapshot replaces the book with a fresh REST snapshot. The live book
// is left untouched when the fetch fails or the maintainer was closed.
func (m *OrderbookMaintainer) loadSnapshot(ctx context.Context) error {
	snapshot, err := m.syncAPI.OrderBookSnapshot(ctx, m.symbol, m.snapshotDepth)
	if err != nil {
		promclient.SnapshotLoadsCounter.WithLabelValues(m.symbol.String(), "error").Inc()
		return fmt.Errorf("load %s snapshot: %w", m.symbol, err)
	}

	next := domain.NewOrderBook(m.symbol)
	next.SetFaultObserver(m.reportFault)
	if err := next.Load(snapshot); err != nil {
		promclient.SnapshotLoadsCounter.WithLabelValues(m.symbol.String(), "error").Inc()
		return fmt.Errorf("load %s snapshot: %w", m.symbol, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return ErrMaintainerClosed
	}
	m.book.Replace(next)
	m.retryRefresh = false
	if m.refreshInterval > 0 {
		m.refreshAt = m.now().Add(m.refreshInterval)
	}

	promclient.SnapshotLoadsCounter.WithLabelValues(m.symbol.String(), "ok").Inc()
	m.logger.Debug("snapshot loaded", zap.Int("bids", len(snapshot.Bids)), zap.Int("asks", len(snapshot.Asks)))

	return nil
}

func (m *OrderbookMaintainer) reportFault(fault domain.ConsistencyFault) {
	promclient.ConsistencyFaultsCounter.WithLabelValues(fault.Symbol, string(fault.Kind)).Inc()
	m.logger.Warn("order book consistency fault", zap.Error(fault))
}
