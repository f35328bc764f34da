// Package parser translates raw exchange frames into domain.MarketData,
// dispatching on the wire event-type discriminator.
package parser

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/meteorx/marketfeed/internal/domain"
)

// rawEnvelope is the inner event object of a combined-stream frame, already
// peeled by wsconn; "e" carries the event discriminator and "s" the symbol.
type rawEnvelope struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	Data      json.RawMessage `json:"-"`
}

// Parser turns a raw frame for one stream name into a domain.MarketData
// value, or (nil, false) if the event discriminator is unrecognized and
// the frame should be silently dropped.
type Parser struct {
	exchange string
}

// New constructs a Parser for one exchange's wire dialect.
func New(exchange string) *Parser {
	return &Parser{exchange: exchange}
}

func num(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

type tradeWire struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	BuyerMaker bool  `json:"m"`
	TradeTime  int64 `json:"T"`
}

type tickerWire struct {
	EventType  string `json:"e"`
	EventTime  int64  `json:"E"`
	Symbol     string `json:"s"`
	PriceChange string `json:"p"`
	LastPrice  string `json:"c"`
	BidPrice   string `json:"b"`
	AskPrice   string `json:"a"`
	Volume     string `json:"v"`
	High       string `json:"h"`
	Low        string `json:"l"`
}

type klineWire struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	K         struct {
		StartTime int64  `json:"t"`
		EndTime   int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
	} `json:"k"`
}

type depthWire struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

func levels(raw [][]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: num(lvl[0]), Quantity: num(lvl[1])})
	}
	return out
}

// Parse dispatches on the "e" discriminator field. Unknown discriminators
// return (nil, false) and the caller drops the frame.
func (p *Parser) Parse(raw json.RawMessage) (*domain.MarketData, bool) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false
	}

	now := time.Now()

	switch probe.EventType {
	case "trade":
		var w tradeWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, false
		}
		side := domain.SideBuy
		if w.BuyerMaker {
			side = domain.SideSell
		}
		trade := &domain.TradePayload{
			ID:        strconv.FormatInt(w.TradeID, 10),
			Price:     num(w.Price),
			Quantity:  num(w.Quantity),
			Side:      side,
			Timestamp: time.UnixMilli(w.TradeTime),
		}
		return &domain.MarketData{
			Exchange:   p.exchange,
			Symbol:     domain.DisplaySymbol(Normalize(w.Symbol)),
			Type:       domain.Trade,
			Timestamp:  time.UnixMilli(w.EventTime),
			ReceivedAt: now,
			Trade:      trade,
		}, true

	case "24hrTicker":
		var w tickerWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, false
		}
		ticker := &domain.TickerPayload{
			LastPrice:  num(w.LastPrice),
			BidPrice:   num(w.BidPrice),
			AskPrice:   num(w.AskPrice),
			Change24h:  num(w.PriceChange),
			Volume24h:  num(w.Volume),
			High24h:    num(w.High),
			Low24h:     num(w.Low),
		}
		return &domain.MarketData{
			Exchange:   p.exchange,
			Symbol:     domain.DisplaySymbol(Normalize(w.Symbol)),
			Type:       domain.Ticker,
			Timestamp:  time.UnixMilli(w.EventTime),
			ReceivedAt: now,
			Ticker:     ticker,
		}, true

	case "kline":
		var w klineWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, false
		}
		dt, ok := domain.KlineDataTypeForInterval(w.K.Interval)
		if !ok {
			return nil, false
		}
		kline := &domain.Kline{
			Open:      num(w.K.Open),
			High:      num(w.K.High),
			Low:       num(w.K.Low),
			Close:     num(w.K.Close),
			Volume:    num(w.K.Volume),
			OpenTime:  time.UnixMilli(w.K.StartTime),
			CloseTime: time.UnixMilli(w.K.EndTime),
			Interval:  w.K.Interval,
		}
		return &domain.MarketData{
			Exchange:   p.exchange,
			Symbol:     domain.DisplaySymbol(Normalize(w.Symbol)),
			Type:       dt,
			Timestamp:  time.UnixMilli(w.EventTime),
			ReceivedAt: now,
			Kline:      kline,
		}, true

	case "depthUpdate":
		var w depthWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, false
		}
		depth := &domain.DepthPayload{
			Bids:       levels(w.Bids),
			Asks:       levels(w.Asks),
			UpdateTime: time.UnixMilli(w.EventTime),
		}
		return &domain.MarketData{
			Exchange:   p.exchange,
			Symbol:     domain.DisplaySymbol(Normalize(w.Symbol)),
			Type:       domain.Depth,
			Timestamp:  time.UnixMilli(w.EventTime),
			ReceivedAt: now,
			Depth:      depth,
		}, true

	default:
		return nil, false
	}
}

// Normalize converts a raw exchange symbol to the canonical uppercase,
// no-separator form; idempotent for inputs already in canonical form.
func Normalize(raw string) string {
	s := strings.ToUpper(raw)
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}
