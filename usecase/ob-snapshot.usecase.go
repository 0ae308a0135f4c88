package usecase

import (
	"context"
	"sync"

	"github.com/spooky-finn/go-idex-depthcache/domain"
	"go.uber.org/zap"
)

const starting = "starting"

type OrderBookSnapshotUseCase struct {
	connManager domain.ConnManager
	storage     *domain.OrderBookStorage
	logger      *zap.Logger

	waitingRoom sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrderBookSnapshotUseCase(
	connManager domain.ConnManager,
) *OrderBookSnapshotUseCase {
	ctx, cancel := context.WithCancel(context.Background())

	return &OrderBookSnapshotUseCase{
		connManager: connManager,
		storage:     domain.NewOrderBookStorage(),
		logger:      zap.L().Named("orderbook-snapshot-usecase"),

		waitingRoom: sync.Map{},

		ctx:    ctx,
		cancel: cancel,
	}
}

// GetOrderBookSnapshot returns the orderbook snapshot from the runtime storage or from provider api.
// A missing depth cache is started in the background.
func (o *OrderBookSnapshotUseCase) GetOrderBookSnapshot(
	ctx context.Context, symbol *domain.MarketSymbol, limit int,
) (*domain.DepthSnapshot, error) {
	// If local orderbook in the initialization process, return the snapshot from the provider api.
	if _, ok := o.waitingRoom.Load(symbol.String()); ok {
		o.logger.Debug("depth cache is starting, returning provider snapshot", zap.String("symbol", symbol.String()))
		return o.providerSnapshot(ctx, symbol, limit)
	}

	cache, err := o.storage.Get(symbol)
	if err != nil {
		o.startDepthCache(symbol)
		return o.providerSnapshot(ctx, symbol, limit)
	}

	book := cache.DepthCache()
	if book == nil {
		// closed underneath us
		o.storage.Remove(symbol)
		o.startDepthCache(symbol)
		return o.providerSnapshot(ctx, symbol, limit)
	}

	return book.TakeSnapshot(limit), nil
}

// Follow opens the depth cache of symbol and returns once its initial
// snapshot is loaded. An already open cache is returned as is.
func (o *OrderBookSnapshotUseCase) Follow(
	ctx context.Context, symbol *domain.MarketSymbol, onUpdate func(*domain.OrderBook),
) (domain.DepthCacheHandle, error) {
	if cache, err := o.storage.Get(symbol); err == nil {
		return cache, nil
	}

	cache, err := o.connManager.OpenDepthCache(ctx, symbol, onUpdate)
	if err != nil {
		return nil, err
	}
	o.storage.Add(cache)

	o.logger.Info("following market", zap.String("symbol", symbol.String()))
	return cache, nil
}

// Unfollow closes the depth cache of symbol.
func (o *OrderBookSnapshotUseCase) Unfollow(symbol *domain.MarketSymbol) error {
	cache, err := o.storage.Get(symbol)
	if err != nil {
		return err
	}
	o.storage.Remove(symbol)
	return cache.Close()
}

func (o *OrderBookSnapshotUseCase) OrderBookCount() int {
	return o.storage.OrderBookCount()
}

// Close stops pending depth cache starts and closes every open cache.
func (o *OrderBookSnapshotUseCase) Close() error {
	o.cancel()
	o.wg.Wait()
	return o.storage.CloseAll()
}

func (o *OrderBookSnapshotUseCase) startDepthCache(symbol *domain.MarketSymbol) {
	key := symbol.String()
	if _, loaded := o.waitingRoom.LoadOrStore(key, starting); loaded {
		return
	}
	if o.ctx.Err() != nil {
		o.waitingRoom.Delete(key)
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.waitingRoom.Delete(key)

		cache, err := o.connManager.OpenDepthCache(o.ctx, symbol, nil)
		if err != nil {
			o.logger.Error("failed to start depth cache", zap.String("symbol", key), zap.Error(err))
			return
		}
		if o.ctx.Err() != nil {
			_ = cache.Close()
			return
		}

		o.storage.Add(cache)
		o.logger.Info("depth cache is added to the runtime storage", zap.String("symbol", key))
	}()
}

// providerSnapshot aggregates the REST snapshot into price levels.
func (o *OrderBookSnapshotUseCase) providerSnapshot(
	ctx context.Context, symbol *domain.MarketSymbol, limit int,
) (*domain.DepthSnapshot, error) {
	snapshot, err := o.connManager.SyncAPI().OrderBookSnapshot(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}

	book, err := domain.NewOrderBookFromSnapshot(symbol, snapshot)
	if err != nil {
		return nil, err
	}

	depth := book.TakeSnapshot(limit)
	depth.Source = domain.OrderBookSource_Provider
	return depth, nil
}
