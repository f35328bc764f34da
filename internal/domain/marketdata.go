package domain

import "time"

// Side is the taker side of a Trade payload.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradePayload is the trade payload variant.
type TradePayload struct {
	ID        string    `json:"id"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      Side      `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

// TickerPayload is the ticker payload variant.
type TickerPayload struct {
	LastPrice float64 `json:"lastPrice"`
	BidPrice  float64 `json:"bidPrice"`
	AskPrice  float64 `json:"askPrice"`
	Change24h float64 `json:"change24h"`
	Volume24h float64 `json:"volume24h"`
	High24h   float64 `json:"high24h"`
	Low24h    float64 `json:"low24h"`
}

// Kline is the kline payload variant.
type Kline struct {
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	OpenTime  time.Time `json:"openTime"`
	CloseTime time.Time `json:"closeTime"`
	Interval  string    `json:"interval"`
}

// PriceLevel is one (price, quantity) entry in a Depth payload.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// DepthPayload is the order book depth payload variant.
type DepthPayload struct {
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	UpdateTime time.Time    `json:"updateTime"`
}

// MarketData is the normalized, typed event produced by the parser and
// consumed downstream by the pipeline.
type MarketData struct {
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"` // display form BASE/QUOTE
	Type       DataType  `json:"type"`
	Timestamp  time.Time `json:"timestamp"`  // exchange event time
	ReceivedAt time.Time `json:"receivedAt"` // ingress time
	Sequence   *int64    `json:"sequence,omitempty"`

	Trade  *TradePayload  `json:"trade,omitempty"`
	Ticker *TickerPayload `json:"ticker,omitempty"`
	Kline  *Kline         `json:"kline,omitempty"`
	Depth  *DepthPayload  `json:"depth,omitempty"`
}
