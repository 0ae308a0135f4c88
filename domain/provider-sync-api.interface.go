package domain

import "context"

// ProviderSyncAPI is the request/response side of the exchange. It is
// stateless apart from caches and may be shared between depth caches.
type ProviderSyncAPI interface {
	OrderBookSnapshot(ctx context.Context, symbol *MarketSymbol, limit int) (*OrderBookSnapshot, error)
	Currency(ctx context.Context, currency string) (*Currency, error)
}
