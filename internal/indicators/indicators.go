// Package indicators computes the technical indicator bundle used by the
// BTC analyzer, the candidate generator and the confirmation engine.
// Every function is pure. A value whose window is too short is NaN.
package indicators

import (
	"math"

	"binance-signal-engine/internal/binance"
)

// Standard periods
const (
	RSIPeriod       = 14
	MACDFast        = 12
	MACDSlow        = 26
	MACDSignal      = 9
	EMAShortPeriod  = 20
	EMALongPeriod   = 50
	ATRPeriod       = 14
	VolumeEMAPeriod = 20
)

// Known reports whether v carries a value
func Known(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// EMASeries returns the exponential moving average of values, seeded with the
// SMA of the first period values. Entries before the seed are NaN.
func EMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	out[period-1] = ema

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
		out[i] = ema
	}
	return out
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func closes(klines []binance.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

func volumes(klines []binance.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Volume
	}
	return out
}

// EMA returns the latest close EMA
func EMA(klines []binance.Kline, period int) float64 {
	return last(EMASeries(closes(klines), period))
}

// VolumeEMA returns the latest volume EMA
func VolumeEMA(klines []binance.Kline, period int) float64 {
	return last(EMASeries(volumes(klines), period))
}

// ============================================================================
// RSI (Wilder)
// ============================================================================

// RSI calculates the Relative Strength Index with Wilder smoothing
func RSI(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return math.NaN()
	}

	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ============================================================================
// MACD
// ============================================================================

// MACDResult holds the latest MACD values and crossover flags
type MACDResult struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
	Bullish   bool    `json:"bullish"`
	Bearish   bool    `json:"bearish"`
}

// MACD calculates MACD(fast, slow, signal). Bullish means the line crossed
// above the signal on the last bar, or is above it with a rising histogram.
// Bearish is the mirror image.
func MACD(klines []binance.Kline, fast, slow, signal int) MACDResult {
	nan := MACDResult{Line: math.NaN(), Signal: math.NaN(), Histogram: math.NaN()}
	if len(klines) < slow+signal {
		return nan
	}

	c := closes(klines)
	fastEMA := EMASeries(c, fast)
	slowEMA := EMASeries(c, slow)

	line := make([]float64, 0, len(c)-slow+1)
	for i := slow - 1; i < len(c); i++ {
		line = append(line, fastEMA[i]-slowEMA[i])
	}
	sig := EMASeries(line, signal)

	n := len(line) - 1
	hist := line[n] - sig[n]
	prevHist := line[n-1] - sig[n-1]
	if !Known(prevHist) {
		return nan
	}

	res := MACDResult{Line: line[n], Signal: sig[n], Histogram: hist}
	crossedUp := line[n-1] <= sig[n-1] && line[n] > sig[n]
	crossedDown := line[n-1] >= sig[n-1] && line[n] < sig[n]
	res.Bullish = crossedUp || (line[n] > sig[n] && hist > prevHist)
	res.Bearish = crossedDown || (line[n] < sig[n] && hist < prevHist)
	return res
}

// ============================================================================
// ATR (Wilder)
// ============================================================================

// ATR calculates Average True Range with Wilder smoothing
func ATR(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return math.NaN()
	}

	tr := func(i int) float64 {
		high, low, prevClose := klines[i].High, klines[i].Low, klines[i-1].Close
		return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr(i)
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(klines); i++ {
		atr = (atr*float64(period-1) + tr(i)) / float64(period)
	}
	return atr
}

// ============================================================================
// PIVOT POINTS
// ============================================================================

// Pivot holds classic floor pivot levels
type Pivot struct {
	P  float64 `json:"p"`
	R1 float64 `json:"r1"`
	S1 float64 `json:"s1"`
}

// ClassicPivot computes P, R1 and S1 from the previous bar's high, low and close
func ClassicPivot(klines []binance.Kline) Pivot {
	if len(klines) < 2 {
		return Pivot{P: math.NaN(), R1: math.NaN(), S1: math.NaN()}
	}
	prev := klines[len(klines)-2]
	p := (prev.High + prev.Low + prev.Close) / 3
	return Pivot{
		P:  p,
		R1: 2*p - prev.Low,
		S1: 2*p - prev.High,
	}
}

// ============================================================================
// BUNDLE
// ============================================================================

// Bundle is the full indicator set computed from one OHLCV window
type Bundle struct {
	RSI         float64    `json:"rsi"`
	MACD        MACDResult `json:"macd"`
	EMA20       float64    `json:"ema20"`
	EMA50       float64    `json:"ema50"`
	ATR         float64    `json:"atr"`
	VolumeEMA20 float64    `json:"volume_ema20"`
	Pivot       Pivot      `json:"pivot"`
	Close       float64    `json:"close"`
	PrevClose   float64    `json:"prev_close"`
	LastVolume  float64    `json:"last_volume"`
	Bars        int        `json:"bars"`
}

// Compute runs every indicator over klines, oldest bar first
func Compute(klines []binance.Kline) Bundle {
	b := Bundle{
		RSI:         RSI(klines, RSIPeriod),
		MACD:        MACD(klines, MACDFast, MACDSlow, MACDSignal),
		EMA20:       EMA(klines, EMAShortPeriod),
		EMA50:       EMA(klines, EMALongPeriod),
		ATR:         ATR(klines, ATRPeriod),
		VolumeEMA20: VolumeEMA(klines, VolumeEMAPeriod),
		Pivot:       ClassicPivot(klines),
		Close:       math.NaN(),
		PrevClose:   math.NaN(),
		LastVolume:  math.NaN(),
		Bars:        len(klines),
	}
	if n := len(klines); n > 0 {
		b.Close = klines[n-1].Close
		b.LastVolume = klines[n-1].Volume
		if n > 1 {
			b.PrevClose = klines[n-2].Close
		}
	}
	return b
}

// VolatilityPct returns ATR as a percentage of the last close
func (b Bundle) VolatilityPct() float64 {
	if !Known(b.ATR) || !Known(b.Close) || b.Close == 0 {
		return math.NaN()
	}
	return b.ATR / b.Close * 100
}

// VolumeRatio returns last-bar volume over its 20-bar EMA
func (b Bundle) VolumeRatio() float64 {
	if !Known(b.VolumeEMA20) || b.VolumeEMA20 == 0 || !Known(b.LastVolume) {
		return math.NaN()
	}
	return b.LastVolume / b.VolumeEMA20
}
