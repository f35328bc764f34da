// Package adapter implements the per-exchange connector that wires a
// connection, a pool, a subscription manager and a parser into a
// pipeline's entry point.
package adapter

import (
	"fmt"
	"strings"

	"github.com/meteorx/marketfeed/internal/domain"
)

// StreamName builds the exchange wire stream name for a subscription,
// e.g. "btcusdt@trade", "btcusdt@kline_1m", "btcusdt@depth". Centralized
// here so every caller (pool placement, subscribe/unsubscribe, parser
// symbol round-trip) derives names identically.
func StreamName(sub domain.Subscription) string {
	symbol := strings.ToLower(sub.Symbol)
	switch sub.DataType {
	case domain.Trade:
		return fmt.Sprintf("%s@trade", symbol)
	case domain.Ticker:
		return fmt.Sprintf("%s@ticker", symbol)
	case domain.Depth, domain.OrderBook:
		return fmt.Sprintf("%s@depth", symbol)
	default:
		if interval, ok := klineInterval(sub.DataType); ok {
			return fmt.Sprintf("%s@kline_%s", symbol, interval)
		}
		return fmt.Sprintf("%s@unknown", symbol)
	}
}

func klineInterval(dt domain.DataType) (string, bool) {
	switch dt {
	case domain.Kline1m:
		return "1m", true
	case domain.Kline5m:
		return "5m", true
	case domain.Kline15m:
		return "15m", true
	case domain.Kline30m:
		return "30m", true
	case domain.Kline1h:
		return "1h", true
	case domain.Kline4h:
		return "4h", true
	case domain.Kline1d:
		return "1d", true
	default:
		return "", false
	}
}
