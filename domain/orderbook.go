package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

type OrderBookSource string

const (
	OrderBookSource_Provider       OrderBookSource = "Provider"
	OrderBookSource_LocalOrderBook OrderBookSource = "LocalOrderBook"
)

const btreeDegree = 32

type Side int8

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	if s == SideAsk {
		return "ask"
	}
	return "bid"
}

// RestingOrder is one order of a REST order book snapshot.
type RestingOrder struct {
	OrderHash string `json:"orderHash"`
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	Total     string `json:"total,omitempty"`
}

// OrderBookSnapshot is the point-in-time book returned by the REST api.
type OrderBookSnapshot struct {
	Source OrderBookSource `json:"source"`
	Bids   []RestingOrder  `json:"bids"`
	Asks   []RestingOrder  `json:"asks"`
}

// DepthSnapshot is an aggregated, depth-limited copy of a book with
// [price, quantity] string pairs.
type DepthSnapshot struct {
	Source OrderBookSource `json:"source"`
	Bids   [][]string      `json:"bids"`
	Asks   [][]string      `json:"asks"`
}

type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Float returns the level as [price, quantity].
func (l PriceLevel) Float() [2]float64 {
	return [2]float64{l.Price.InexactFloat64(), l.Quantity.InexactFloat64()}
}

type indexedOrder struct {
	side     Side
	price    decimal.Decimal
	quantity decimal.Decimal
}

// OrderBook aggregates resting orders into price levels and keeps an index
// of the orders it was built from, so cancels can be applied by order id.
type OrderBook struct {
	Symbol *MarketSymbol

	bids           *btree.BTreeG[*PriceLevel]
	asks           *btree.BTreeG[*PriceLevel]
	orders         map[string]indexedOrder
	lastUpdateTime time.Time

	onFault func(ConsistencyFault)
	mu      sync.RWMutex
}

func NewOrderBook(symbol *MarketSymbol) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		bids:   newLevelTree(SideBid),
		asks:   newLevelTree(SideAsk),
		orders: make(map[string]indexedOrder),
	}
}

// NewOrderBookFromSnapshot builds a book by adding every snapshot order.
func NewOrderBookFromSnapshot(symbol *MarketSymbol, snapshot *OrderBookSnapshot) (*OrderBook, error) {
	ob := NewOrderBook(symbol)
	if err := ob.Load(snapshot); err != nil {
		return nil, err
	}
	return ob, nil
}

func newLevelTree(side Side) *btree.BTreeG[*PriceLevel] {
	if side == SideAsk {
		return btree.NewG(btreeDegree, func(a, b *PriceLevel) bool {
			return a.Price.LessThan(b.Price)
		})
	}
	return btree.NewG(btreeDegree, func(a, b *PriceLevel) bool {
		return a.Price.GreaterThan(b.Price)
	})
}

// SetFaultObserver registers the function consistency faults are reported to.
// It is called without the book lock held.
func (ob *OrderBook) SetFaultObserver(fn func(ConsistencyFault)) {
	ob.mu.Lock()
	ob.onFault = fn
	ob.mu.Unlock()
}

// Load adds every order of the snapshot to the book.
func (ob *OrderBook) Load(snapshot *OrderBookSnapshot) error {
	for _, o := range snapshot.Bids {
		qty, price, err := parseRestingOrder(o)
		if err != nil {
			return err
		}
		ob.AddBid(o.OrderHash, qty, price)
	}
	for _, o := range snapshot.Asks {
		qty, price, err := parseRestingOrder(o)
		if err != nil {
			return err
		}
		ob.AddAsk(o.OrderHash, qty, price)
	}
	return nil
}

func (ob *OrderBook) AddBid(orderID string, quantity, price decimal.Decimal) {
	ob.add(SideBid, orderID, quantity, price)
}

func (ob *OrderBook) AddAsk(orderID string, quantity, price decimal.Decimal) {
	ob.add(SideAsk, orderID, quantity, price)
}

func (ob *OrderBook) add(side Side, orderID string, quantity, price decimal.Decimal) {
	ob.mu.Lock()

	if _, ok := ob.orders[orderID]; ok {
		ob.mu.Unlock()
		return
	}

	if quantity.Sign() <= 0 || price.Sign() <= 0 {
		ob.mu.Unlock()
		ob.report(ConsistencyFault{
			Kind: FaultInvalidOrder, OrderID: orderID, Side: side, Price: price, Quantity: quantity,
		})
		return
	}

	ob.orders[orderID] = indexedOrder{side: side, price: price, quantity: quantity}

	tree := ob.tree(side)
	if level, ok := tree.Get(&PriceLevel{Price: price}); ok {
		level.Quantity = level.Quantity.Add(quantity)
	} else {
		tree.ReplaceOrInsert(&PriceLevel{Price: price, Quantity: quantity})
	}

	ob.lastUpdateTime = time.Now()
	ob.mu.Unlock()
}

// Remove drops an order and subtracts its quantity from its level.
// Unknown ids are ignored.
func (ob *OrderBook) Remove(orderID string) {
	ob.mu.Lock()

	order, ok := ob.orders[orderID]
	if !ok {
		ob.mu.Unlock()
		return
	}
	delete(ob.orders, orderID)
	ob.lastUpdateTime = time.Now()

	tree := ob.tree(order.side)
	level, ok := tree.Get(&PriceLevel{Price: order.price})
	if !ok {
		ob.mu.Unlock()
		ob.report(ConsistencyFault{
			Kind: FaultMissingLevel, OrderID: orderID, Side: order.side, Price: order.price, Quantity: order.quantity,
		})
		return
	}

	remaining := level.Quantity.Sub(order.quantity)
	switch remaining.Sign() {
	case 1:
		level.Quantity = remaining
		ob.mu.Unlock()
	case 0:
		tree.Delete(level)
		ob.mu.Unlock()
	default:
		// clamp to zero
		tree.Delete(level)
		ob.mu.Unlock()
		ob.report(ConsistencyFault{
			Kind: FaultLevelUnderflow, OrderID: orderID, Side: order.side, Price: order.price, Quantity: remaining,
		})
	}
}

// Replace moves the state of next into ob in one step. next must not be
// used afterwards.
func (ob *OrderBook) Replace(next *OrderBook) {
	if next == ob {
		return
	}

	next.mu.Lock()
	bids, asks, orders, updated := next.bids, next.asks, next.orders, next.lastUpdateTime
	next.bids, next.asks, next.orders = newLevelTree(SideBid), newLevelTree(SideAsk), make(map[string]indexedOrder)
	next.mu.Unlock()

	ob.mu.Lock()
	ob.bids, ob.asks, ob.orders = bids, asks, orders
	ob.lastUpdateTime = updated
	ob.mu.Unlock()
}

// Bids returns bid levels, best (highest) price first.
func (ob *OrderBook) Bids() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return collectLevels(ob.bids, 0)
}

// Asks returns ask levels, best (lowest) price first.
func (ob *OrderBook) Asks() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return collectLevels(ob.asks, 0)
}

// Depth returns both sides read from the same committed state.
func (ob *OrderBook) Depth() (bids []PriceLevel, asks []PriceLevel) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return collectLevels(ob.bids, 0), collectLevels(ob.asks, 0)
}

func (ob *OrderBook) BidsFloat() [][]float64 {
	return floatLevels(ob.Bids())
}

func (ob *OrderBook) AsksFloat() [][]float64 {
	return floatLevels(ob.Asks())
}

func (ob *OrderBook) OrderCount() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.orders)
}

func (ob *OrderBook) LastUpdateTime() time.Time {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastUpdateTime
}

func (ob *OrderBook) TakeSnapshot(limit int) *DepthSnapshot {
	ob.mu.RLock()
	bids := collectLevels(ob.bids, limit)
	asks := collectLevels(ob.asks, limit)
	ob.mu.RUnlock()

	return &DepthSnapshot{
		Source: OrderBookSource_LocalOrderBook,
		Bids:   serializePriceLevel(bids),
		Asks:   serializePriceLevel(asks),
	}
}

func (ob *OrderBook) tree(side Side) *btree.BTreeG[*PriceLevel] {
	if side == SideAsk {
		return ob.asks
	}
	return ob.bids
}

func (ob *OrderBook) report(fault ConsistencyFault) {
	ob.mu.RLock()
	fn := ob.onFault
	ob.mu.RUnlock()

	if ob.Symbol != nil {
		fault.Symbol = ob.Symbol.String()
	}
	if fn != nil {
		fn(fault)
	}
}

func collectLevels(tree *btree.BTreeG[*PriceLevel], limit int) []PriceLevel {
	levels := make([]PriceLevel, 0, tree.Len())
	tree.Ascend(func(level *PriceLevel) bool {
		levels = append(levels, *level)
		return limit <= 0 || len(levels) < limit
	})
	return levels
}

func floatLevels(levels []PriceLevel) [][]float64 {
	result := make([][]float64, len(levels))
	for i, level := range levels {
		f := level.Float()
		result[i] = []float64{f[0], f[1]}
	}
	return result
}

func parseRestingOrder(o RestingOrder) (quantity, price decimal.Decimal, err error) {
	quantity, err = decimal.NewFromString(o.Amount)
	if err != nil {
		return quantity, price, fmt.Errorf("order %s: invalid amount %q: %w", o.OrderHash, o.Amount, err)
	}
	price, err = decimal.NewFromString(o.Price)
	if err != nil {
		return quantity, price, fmt.Errorf("order %s: invalid price %q: %w", o.OrderHash, o.Price, err)
	}
	return quantity, price, nil
}

func serializePriceLevel(depth []PriceLevel) [][]string {
	result := make([][]string, len(depth))
	for i, level := range depth {
		result[i] = []string{level.Price.String(), level.Quantity.String()}
	}
	return result
}
