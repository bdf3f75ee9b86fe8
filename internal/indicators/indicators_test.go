package indicators

import (
	"math"
	"testing"
	"time"

	"binance-signal-engine/internal/binance"
)

var end = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func series(n int, f func(i int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestEMASeriesSeedsWithSMA(t *testing.T) {
	got := EMASeries([]float64{1, 2, 3, 4, 5}, 3)
	if !math.IsNaN(got[0]) || !math.IsNaN(got[1]) {
		t.Errorf("Expected NaN before seed, got %v", got[:2])
	}
	if got[2] != 2 {
		t.Errorf("Expected SMA seed 2, got %v", got[2])
	}
	// multiplier 0.5: 2 + (4-2)*0.5 = 3, 3 + (5-3)*0.5 = 4
	if got[3] != 3 || got[4] != 4 {
		t.Errorf("Expected [3 4], got %v", got[3:])
	}
}

func TestShortWindowsAreNaN(t *testing.T) {
	klines := binance.BuildCloseSeries(end, "1h", series(10, func(i int) float64 { return 100 + float64(i) }), 1)
	b := Compute(klines)

	if !math.IsNaN(b.EMA20) || !math.IsNaN(b.EMA50) {
		t.Errorf("Expected NaN EMAs on 10 bars, got %v %v", b.EMA20, b.EMA50)
	}
	if !math.IsNaN(b.MACD.Line) || b.MACD.Bullish || b.MACD.Bearish {
		t.Errorf("Expected unknown MACD on 10 bars, got %+v", b.MACD)
	}
	if !math.IsNaN(b.RSI) || !math.IsNaN(b.ATR) || !math.IsNaN(b.VolumeEMA20) {
		t.Errorf("Expected NaN RSI/ATR/volume EMA, got %v %v %v", b.RSI, b.ATR, b.VolumeEMA20)
	}
	if b.Close != 109 || !Known(b.Pivot.P) {
		t.Errorf("Expected close and pivot to be known, got %v %+v", b.Close, b.Pivot)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := binance.BuildCloseSeries(end, "1h", series(30, func(i int) float64 { return 100 + float64(i) }), 1)
	if rsi := RSI(up, 14); rsi != 100 {
		t.Errorf("Expected RSI 100 on monotonic rise, got %v", rsi)
	}
	down := binance.BuildCloseSeries(end, "1h", series(30, func(i int) float64 { return 100 - float64(i) }), 1)
	if rsi := RSI(down, 14); rsi != 0 {
		t.Errorf("Expected RSI 0 on monotonic fall, got %v", rsi)
	}
	flat := binance.BuildCloseSeries(end, "1h", series(30, func(int) float64 { return 100 }), 1)
	if rsi := RSI(flat, 14); rsi != 50 {
		t.Errorf("Expected RSI 50 on flat series, got %v", rsi)
	}
}

func TestRSIAlternating(t *testing.T) {
	alt := binance.BuildCloseSeries(end, "1h", series(15, func(i int) float64 {
		if i%2 == 0 {
			return 100
		}
		return 101
	}), 1)
	// 7 gains and 7 losses of 1 each over the seed window
	if rsi := RSI(alt, 14); !approx(rsi, 50, 1e-9) {
		t.Errorf("Expected RSI 50, got %v", rsi)
	}
}

func TestMACDTrendFlags(t *testing.T) {
	accel := binance.BuildCloseSeries(end, "1h", series(120, func(i int) float64 { return 100 * math.Pow(1.02, float64(i)) }), 1)
	m := MACD(accel, 12, 26, 9)
	if !m.Bullish || m.Bearish {
		t.Errorf("Expected bullish MACD on accelerating rise, got %+v", m)
	}
	if m.Line <= m.Signal {
		t.Errorf("Expected line above signal, got %+v", m)
	}

	decel := binance.BuildCloseSeries(end, "1h", series(120, func(i int) float64 { return 2000 - 100*math.Pow(1.02, float64(i)) }), 1)
	m = MACD(decel, 12, 26, 9)
	if !m.Bearish || m.Bullish {
		t.Errorf("Expected bearish MACD on accelerating fall, got %+v", m)
	}
}

func TestATRConstantRange(t *testing.T) {
	bars := make([]binance.BarSpec, 30)
	for i := range bars {
		bars[i] = binance.BarSpec{Open: 100, High: 102, Low: 98, Close: 100, Volume: 1}
	}
	atr := ATR(binance.BuildKlines(end, "1h", bars), 14)
	if !approx(atr, 4, 1e-9) {
		t.Errorf("Expected ATR 4, got %v", atr)
	}
}

func TestClassicPivotUsesPreviousBar(t *testing.T) {
	klines := binance.BuildKlines(end, "1h", []binance.BarSpec{
		{Open: 100, High: 110, Low: 90, Close: 105},
		{Open: 105, High: 200, Low: 10, Close: 150},
	})
	p := ClassicPivot(klines)
	if !approx(p.P, 305.0/3, 1e-9) {
		t.Errorf("Expected P %.4f, got %.4f", 305.0/3, p.P)
	}
	if !approx(p.R1, 2*p.P-90, 1e-9) || !approx(p.S1, 2*p.P-110, 1e-9) {
		t.Errorf("Unexpected R1/S1 %+v", p)
	}
}

func TestComputeFullWindow(t *testing.T) {
	klines := binance.BuildCloseSeries(end, "1h", series(120, func(i int) float64 { return 100 + math.Sin(float64(i)/5) }), 50)
	b := Compute(klines)
	for name, v := range map[string]float64{
		"rsi": b.RSI, "ema20": b.EMA20, "ema50": b.EMA50, "atr": b.ATR,
		"volume_ema": b.VolumeEMA20, "macd": b.MACD.Line,
	} {
		if !Known(v) {
			t.Errorf("Expected %s to be known on 120 bars, got %v", name, v)
		}
	}
	if !approx(b.VolumeRatio(), 1, 1e-9) {
		t.Errorf("Expected volume ratio 1 on constant volume, got %v", b.VolumeRatio())
	}
	if b.Bars != 120 {
		t.Errorf("Expected 120 bars, got %d", b.Bars)
	}
}
