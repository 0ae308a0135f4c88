package domain

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrOrderBookNotFound = errors.New("order book not found")

// OrderBookStorage keeps the live depth caches by market.
type OrderBookStorage struct {
	storage map[string]DepthCacheHandle
	mu      sync.RWMutex
	logger  *zap.Logger
}

func NewOrderBookStorage() *OrderBookStorage {
	return &OrderBookStorage{
		storage: make(map[string]DepthCacheHandle),
		logger:  zap.L().Named("orderbook-storage"),
	}
}

// Add stores the cache, closing a previous cache of the same market.
func (o *OrderBookStorage) Add(cache DepthCacheHandle) {
	key := cache.Symbol().String()

	o.mu.Lock()
	prev, ok := o.storage[key]
	o.storage[key] = cache
	o.mu.Unlock()

	if ok && prev != cache {
		o.logger.Warn("replacing depth cache", zap.String("symbol", key))
		if err := prev.Close(); err != nil {
			o.logger.Error("failed to close replaced depth cache", zap.String("symbol", key), zap.Error(err))
		}
	}
}

func (o *OrderBookStorage) Get(symbol *MarketSymbol) (DepthCacheHandle, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cache, ok := o.storage[symbol.String()]
	if !ok {
		return nil, ErrOrderBookNotFound
	}
	return cache, nil
}

func (o *OrderBookStorage) Remove(symbol *MarketSymbol) {
	o.mu.Lock()
	delete(o.storage, symbol.String())
	o.mu.Unlock()
}

func (o *OrderBookStorage) OrderBookCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.storage)
}

// CloseAll closes and forgets every cache and returns the joined close errors.
func (o *OrderBookStorage) CloseAll() error {
	o.mu.Lock()
	caches := o.storage
	o.storage = make(map[string]DepthCacheHandle)
	o.mu.Unlock()

	var errs []error
	for key, cache := range caches {
		if err := cache.Close(); err != nil {
			o.logger.Error("failed to close depth cache", zap.String("symbol", key), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
