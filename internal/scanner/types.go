package scanner

import (
	"time"

	"binance-signal-engine/internal/signal"
)

// Config holds candidate generator settings
type Config struct {
	UniverseSize     int
	Concurrency      int
	MinScore         float64
	EliteScore       float64
	Weights          Weights
	TargetATRPremium float64
	TargetATRElite   float64
	StopATR          float64
	SignalTTL        time.Duration
	KlineLimit       int
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		UniverseSize:     100,
		Concurrency:      8,
		MinScore:         80,
		EliteScore:       90,
		Weights:          DefaultWeights(),
		TargetATRPremium: 2.0,
		TargetATRElite:   2.5,
		StopATR:          1.5,
		SignalTTL:        4 * time.Hour,
		KlineLimit:       120,
	}
}

// Factors are the per-component scores of one symbol, each in [0,1]
type Factors struct {
	Trend       float64 `json:"trend"`
	Volume      float64 `json:"volume"`
	Momentum    float64 `json:"momentum"`
	Pattern     float64 `json:"pattern"`
	Correlation float64 `json:"correlation"`
}

// Evaluation is the outcome of scoring one symbol on its latest closed bar
type Evaluation struct {
	Symbol    string           `json:"symbol"`
	Direction signal.Direction `json:"direction,omitempty"`
	BarClose  time.Time        `json:"bar_close"`
	Price     float64          `json:"price"`
	ATR       float64          `json:"atr"`
	Factors   Factors          `json:"factors"`
	Score     float64          `json:"score"`
	Filtered  bool             `json:"filtered"`
	Reason    string           `json:"reason,omitempty"`
	Candidate *signal.Signal   `json:"candidate,omitempty"`
}

// Reasons an evaluation produced no candidate
const (
	ReasonNoDirection  = "no_trend_alignment"
	ReasonLowScore     = "below_min_score"
	ReasonBTCFilter    = "btc_filter"
	ReasonOpenSignal   = "open_signal"
	ReasonInsufficient = "insufficient_data"
)

// ScanResult aggregates one pass over the universe
type ScanResult struct {
	ScanID         string           `json:"scan_id"`
	StartTime      time.Time        `json:"start_time"`
	EndTime        time.Time        `json:"end_time"`
	Duration       time.Duration    `json:"duration"`
	SymbolsScanned int              `json:"symbols_scanned"`
	Concurrency    int              `json:"concurrency"`
	Candidates     []*signal.Signal `json:"candidates"`
	Filtered       int              `json:"filtered"`
	Duplicates     int              `json:"duplicates"`
	Errors         int              `json:"errors"`
}

// CachedEvaluation stores an evaluation until its bar is superseded
type CachedEvaluation struct {
	Result    *Evaluation
	ExpiresAt time.Time
}
