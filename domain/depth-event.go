package domain

type EventKind string

const (
	EventOrderAdd    EventKind = "market_orders"
	EventOrderCancel EventKind = "market_cancels"
	// Trades do not change the book. Resting depth is derived from order
	// adds and cancels only; fills arrive as cancels or new orders.
	EventTrade EventKind = "market_trades"
	// Emitted locally when a new stream session is established, events may
	// have been missed while disconnected.
	EventSessionRestored EventKind = "session_restored"
)

// MarketEvents is the set of events a depth cache subscribes to.
var MarketEvents = []EventKind{EventTrade, EventOrderAdd, EventOrderCancel}

// DepthEvent is one decoded stream event. Only the slice matching Kind is set.
type DepthEvent struct {
	Kind    EventKind
	Market  string
	Seq     int64
	Orders  []StreamOrder
	Cancels []StreamCancel
	Trades  []StreamTrade
}

type StreamOrder struct {
	Hash       string `json:"hash"`
	Market     string `json:"market"`
	TokenBuy   string `json:"tokenBuy"`
	AmountBuy  string `json:"amountBuy"`
	TokenSell  string `json:"tokenSell"`
	AmountSell string `json:"amountSell"`
}

type StreamCancel struct {
	OrderHash string `json:"orderHash"`
	Market    string `json:"market"`
}

type StreamTrade struct {
	OrderHash string `json:"orderHash"`
	Market    string `json:"market"`
	Type      string `json:"type"`
	Price     string `json:"price"`
	Amount    string `json:"amount"`
}
