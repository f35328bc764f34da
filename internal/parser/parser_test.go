package parser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteorx/marketfeed/internal/domain"
)

func TestParseTrade(t *testing.T) {
	raw := json.RawMessage(`{
		"e": "trade",
		"E": 1700000000000,
		"s": "BTCUSDT",
		"t": 12345,
		"p": "65000.50",
		"q": "0.01",
		"m": true,
		"T": 1699999999000
	}`)

	p := New("binance")
	md, ok := p.Parse(raw)
	require.True(t, ok)
	require.NotNil(t, md)

	assert.Equal(t, "binance", md.Exchange)
	assert.Equal(t, "BTC/USDT", md.Symbol)
	assert.Equal(t, domain.Trade, md.Type)
	require.NotNil(t, md.Trade)
	assert.Equal(t, "12345", md.Trade.ID)
	assert.Equal(t, 65000.50, md.Trade.Price)
	assert.Equal(t, 0.01, md.Trade.Quantity)
	assert.Equal(t, domain.SideSell, md.Trade.Side)
}

func TestParseTradeBuyerMakerFalseIsBuySide(t *testing.T) {
	raw := json.RawMessage(`{"e":"trade","E":1,"s":"ETHUSDT","t":1,"p":"1","q":"1","m":false,"T":1}`)
	p := New("binance")
	md, ok := p.Parse(raw)
	require.True(t, ok)
	assert.Equal(t, domain.SideBuy, md.Trade.Side)
}

func TestParseTicker(t *testing.T) {
	raw := json.RawMessage(`{
		"e": "24hrTicker",
		"E": 1700000000000,
		"s": "ETHUSDT",
		"p": "10.5",
		"c": "3500.25",
		"b": "3500.00",
		"a": "3500.50",
		"v": "10000",
		"h": "3600",
		"l": "3400"
	}`)

	p := New("binance")
	md, ok := p.Parse(raw)
	require.True(t, ok)
	require.NotNil(t, md.Ticker)
	assert.Equal(t, domain.Ticker, md.Type)
	assert.Equal(t, 3500.25, md.Ticker.LastPrice)
	assert.Equal(t, 3500.00, md.Ticker.BidPrice)
	assert.Equal(t, 3500.50, md.Ticker.AskPrice)
}

func TestParseKlineMapsIntervalToDistinctDataType(t *testing.T) {
	raw := json.RawMessage(`{
		"e": "kline",
		"E": 1700000000000,
		"s": "BTCUSDT",
		"k": {"t":1,"T":2,"i":"5m","o":"1","c":"2","h":"3","l":"0.5","v":"100"}
	}`)

	p := New("binance")
	md, ok := p.Parse(raw)
	require.True(t, ok)
	assert.Equal(t, domain.Kline5m, md.Type)
	require.NotNil(t, md.Kline)
	assert.Equal(t, "5m", md.Kline.Interval)
}

func TestParseKlineUnknownIntervalIsDropped(t *testing.T) {
	raw := json.RawMessage(`{
		"e": "kline",
		"E": 1,
		"s": "BTCUSDT",
		"k": {"t":1,"T":2,"i":"7m","o":"1","c":"2","h":"3","l":"0.5","v":"100"}
	}`)

	p := New("binance")
	_, ok := p.Parse(raw)
	assert.False(t, ok)
}

func TestParseDepth(t *testing.T) {
	raw := json.RawMessage(`{
		"e": "depthUpdate",
		"E": 1700000000000,
		"s": "BTCUSDT",
		"b": [["64999.5","1.0"],["64999.0","2.5"]],
		"a": [["65000.5","0.8"]]
	}`)

	p := New("binance")
	md, ok := p.Parse(raw)
	require.True(t, ok)
	require.NotNil(t, md.Depth)
	assert.Len(t, md.Depth.Bids, 2)
	assert.Len(t, md.Depth.Asks, 1)
	assert.Equal(t, 64999.5, md.Depth.Bids[0].Price)
	assert.Equal(t, 1.0, md.Depth.Bids[0].Quantity)
}

func TestParseDepthSkipsMalformedLevels(t *testing.T) {
	raw := json.RawMessage(`{
		"e": "depthUpdate",
		"E": 1,
		"s": "BTCUSDT",
		"b": [["64999.5"]],
		"a": []
	}`)
	p := New("binance")
	md, ok := p.Parse(raw)
	require.True(t, ok)
	assert.Empty(t, md.Depth.Bids)
}

func TestParseUnknownEventTypeIsDropped(t *testing.T) {
	raw := json.RawMessage(`{"e":"aggTrade","E":1,"s":"BTCUSDT"}`)
	p := New("binance")
	md, ok := p.Parse(raw)
	assert.False(t, ok)
	assert.Nil(t, md)
}

func TestParseInvalidJSONIsDropped(t *testing.T) {
	raw := json.RawMessage(`not json`)
	p := New("binance")
	_, ok := p.Parse(raw)
	assert.False(t, ok)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	cases := []struct{ in, want string }{
		{"btc-usdt", "BTCUSDT"},
		{"BTC/USDT", "BTCUSDT"},
		{"btc_usdt", "BTCUSDT"},
		{"BTCUSDT", "BTCUSDT"},
	}
	for _, c := range cases {
		got := Normalize(c.in)
		assert.Equal(t, c.want, got)
		assert.Equal(t, got, Normalize(got), "Normalize should be idempotent")
	}
}

func TestDisplaySymbolSplitsKnownQuote(t *testing.T) {
	assert.Equal(t, "BTC/USDT", domain.DisplaySymbol("BTCUSDT"))
	assert.Equal(t, "ETH/BTC", domain.DisplaySymbol("ETHBTC"))
	assert.Equal(t, "UNKNOWNPAIR", domain.DisplaySymbol("UNKNOWNPAIR"))
}
