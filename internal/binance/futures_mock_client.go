package binance

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory MarketData used for dry runs and tests.
// Prices and bars are set by the caller; errors can be injected per symbol.
type MockClient struct {
	mu       sync.RWMutex
	klines   map[string][]Kline // keyed by symbol|interval
	tickers  map[string]Ticker24hr
	info     ExchangeInfo
	failures map[string]error
	calls    map[string]int
}

// NewMockClient creates an empty mock market
func NewMockClient() *MockClient {
	return &MockClient{
		klines:   make(map[string][]Kline),
		tickers:  make(map[string]Ticker24hr),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

func mockKey(symbol, interval string) string {
	return symbol + "|" + interval
}

// SetKlines replaces the bars served for symbol and interval
func (m *MockClient) SetKlines(symbol, interval string, klines []Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[mockKey(symbol, interval)] = append([]Kline(nil), klines...)
}

// SetPrice sets the ticker last price for symbol
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tickers[symbol]
	t.Symbol = symbol
	t.LastPrice = price
	m.tickers[symbol] = t
}

// SetTicker replaces the full ticker for a symbol
func (m *MockClient) SetTicker(t Ticker24hr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[t.Symbol] = t
}

// AddSymbol registers a tradable USDT perpetual with the given 24h quote volume
func (m *MockClient) AddSymbol(symbol string, quoteVolume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.Symbols = append(m.info.Symbols, SymbolInfo{
		Symbol:       symbol,
		ContractType: "PERPETUAL",
		Status:       "TRADING",
		QuoteAsset:   "USDT",
	})
	t := m.tickers[symbol]
	t.Symbol = symbol
	t.QuoteVolume = quoteVolume
	m.tickers[symbol] = t
}

// FailSymbol makes every call for symbol return err until cleared with a nil err
func (m *MockClient) FailSymbol(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, symbol)
		return
	}
	m.failures[symbol] = err
}

// Calls returns how many times method was invoked for symbol ("" for symbol-less calls)
func (m *MockClient) Calls(method, symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method+":"+symbol]
}

func (m *MockClient) record(method, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method+":"+symbol]++
	return m.failures[symbol]
}

// Klines implements MarketData
func (m *MockClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if err := m.record("klines", symbol); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	bars, ok := m.klines[mockKey(symbol, interval)]
	if !ok {
		return nil, &APIError{Kind: ErrNotFound, Endpoint: "/fapi/v1/klines", Code: codeInvalidSymbol, Msg: "Invalid symbol."}
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]Kline(nil), bars...), nil
}

// Ticker implements MarketData
func (m *MockClient) Ticker(ctx context.Context, symbol string) (*Ticker24hr, error) {
	if err := m.record("ticker", symbol); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickers[symbol]
	if !ok {
		return nil, &APIError{Kind: ErrNotFound, Endpoint: "/fapi/v1/ticker/24hr", Code: codeInvalidSymbol, Msg: "Invalid symbol."}
	}
	return &t, nil
}

// ExchangeInfo implements MarketData
func (m *MockClient) ExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	if err := m.record("exchangeInfo", ""); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := ExchangeInfo{Symbols: append([]SymbolInfo(nil), m.info.Symbols...)}
	return &info, nil
}

// TopPairs implements MarketData
func (m *MockClient) TopPairs(ctx context.Context, n int) ([]string, error) {
	if err := m.record("topPairs", ""); err != nil {
		return nil, err
	}
	info, _ := m.ExchangeInfo(ctx)
	m.mu.RLock()
	tickers := make([]Ticker24hr, 0, len(m.tickers))
	for _, t := range m.tickers {
		tickers = append(tickers, t)
	}
	m.mu.RUnlock()
	return RankByQuoteVolume(info, tickers, n), nil
}

// BarSpec describes one synthetic bar for BuildKlines
type BarSpec struct {
	Open, High, Low, Close, Volume float64
}

// BuildKlines lays bars out back to back so the last one closes just before end
func BuildKlines(end time.Time, interval string, bars []BarSpec) []Kline {
	period, err := IntervalDuration(interval)
	if err != nil {
		panic(fmt.Sprintf("BuildKlines: %v", err))
	}
	start := end.Add(-time.Duration(len(bars)) * period)
	klines := make([]Kline, len(bars))
	for i, b := range bars {
		open := start.Add(time.Duration(i) * period)
		klines[i] = Kline{
			OpenTime:  open.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			CloseTime: open.Add(period).UnixMilli() - 1,
		}
	}
	return klines
}

// BuildCloseSeries turns a close series into bars whose open is the previous close
func BuildCloseSeries(end time.Time, interval string, closes []float64, volume float64) []Kline {
	bars := make([]BarSpec, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		high, low := open, c
		if c > open {
			high, low = c, open
		}
		bars[i] = BarSpec{Open: open, High: high * 1.001, Low: low * 0.999, Close: c, Volume: volume}
	}
	return BuildKlines(end, interval, bars)
}
