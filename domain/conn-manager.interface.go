package domain

import "context"

type ConnManager interface {
	SyncAPI() ProviderSyncAPI
	// OpenDepthCache returns a live depth cache of symbol. onUpdate may be
	// nil.
	OpenDepthCache(ctx context.Context, symbol *MarketSymbol, onUpdate func(*OrderBook)) (DepthCacheHandle, error)
}
