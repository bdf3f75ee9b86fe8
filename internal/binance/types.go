package binance

import (
	"context"
	"fmt"
	"time"
)

// Kline represents a candlestick
type Kline struct {
	OpenTime                 int64   `json:"openTime"`
	Open                     float64 `json:"open"`
	High                     float64 `json:"high"`
	Low                      float64 `json:"low"`
	Close                    float64 `json:"close"`
	Volume                   float64 `json:"volume"`
	CloseTime                int64   `json:"closeTime"`
	QuoteAssetVolume         float64 `json:"quoteAssetVolume"`
	NumberOfTrades           int     `json:"numberOfTrades"`
	TakerBuyBaseAssetVolume  float64 `json:"takerBuyBaseAssetVolume"`
	TakerBuyQuoteAssetVolume float64 `json:"takerBuyQuoteAssetVolume"`
}

// Closed reports whether the bar had closed at now
func (k Kline) Closed(now time.Time) bool {
	return k.CloseTime < now.UnixMilli()
}

// Ticker24hr represents 24 hour rolling window statistics for a perpetual contract
type Ticker24hr struct {
	Symbol             string  `json:"symbol"`
	PriceChange        float64 `json:"priceChange,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	WeightedAvgPrice   float64 `json:"weightedAvgPrice,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	OpenPrice          float64 `json:"openPrice,string"`
	HighPrice          float64 `json:"highPrice,string"`
	LowPrice           float64 `json:"lowPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	OpenTime           int64   `json:"openTime"`
	CloseTime          int64   `json:"closeTime"`
	Count              int64   `json:"count"`
}

// ExchangeInfo is the subset of /fapi/v1/exchangeInfo the engine needs
type ExchangeInfo struct {
	Timezone   string       `json:"timezone"`
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one futures contract
type SymbolInfo struct {
	Symbol            string `json:"symbol"`
	Pair              string `json:"pair"`
	ContractType      string `json:"contractType"`
	Status            string `json:"status"`
	BaseAsset         string `json:"baseAsset"`
	QuoteAsset        string `json:"quoteAsset"`
	PricePrecision    int    `json:"pricePrecision"`
	QuantityPrecision int    `json:"quantityPrecision"`
}

// Tradable reports whether the contract is a live USDT perpetual
func (s SymbolInfo) Tradable() bool {
	return s.Status == "TRADING" && s.QuoteAsset == "USDT" && s.ContractType == "PERPETUAL"
}

// MarketData is the read-only exchange surface used by the analyzer, generator and engine
type MarketData interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	Ticker(ctx context.Context, symbol string) (*Ticker24hr, error)
	ExchangeInfo(ctx context.Context) (*ExchangeInfo, error)
	TopPairs(ctx context.Context, n int) ([]string, error)
}

// PressureSource exposes a monotonically increasing count of throttle events
type PressureSource interface {
	Pressure() int64
}

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// IntervalDuration returns the bar period of a kline interval
func IntervalDuration(interval string) (time.Duration, error) {
	d, ok := intervalDurations[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported interval %q", interval)
	}
	return d, nil
}

// ClosedKlines drops a trailing bar that is still forming at now
func ClosedKlines(klines []Kline, now time.Time) []Kline {
	if n := len(klines); n > 0 && !klines[n-1].Closed(now) {
		return klines[:n-1]
	}
	return klines
}
