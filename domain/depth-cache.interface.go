package domain

// DepthCacheHandle is a live, self-maintaining order book of one market.
type DepthCacheHandle interface {
	Symbol() *MarketSymbol
	DepthCache() *OrderBook
	Close() error
}
