package domain

import "time"

// VolumeSpike is the result of a current-hour vs baseline comparison.
type VolumeSpike struct {
	Detected      bool    `json:"detected"`
	Percentage    float64 `json:"percentage"`
	CurrentVolume float64 `json:"current_volume"`
	Baseline      float64 `json:"baseline"`
	Reason        string  `json:"reason,omitempty"`
}

// SentimentShift compares the dominant outcome share of two trailing windows.
type SentimentShift struct {
	Detected           bool    `json:"detected"`
	DominantOutcome    string  `json:"dominant_outcome,omitempty"`
	PreviousPercentage float64 `json:"previous_percentage"`
	CurrentPercentage  float64 `json:"current_percentage"`
	Delta              float64 `json:"delta"`
	Reason             string  `json:"reason,omitempty"`
}

// OutcomeSentiment is the per-outcome slice of a sentiment snapshot.
type OutcomeSentiment struct {
	Volume float64 `json:"volume"`
	Count  int     `json:"count"`
	AvgBet float64 `json:"avg_bet"`
}

// MarketSentimentSnapshot is cached briefly and never persisted.
type MarketSentimentSnapshot struct {
	MarketID           string                      `json:"market_id"`
	Outcomes           map[string]OutcomeSentiment `json:"outcomes"`
	TotalVolume        float64                     `json:"total_volume"`
	DominantOutcome    string                      `json:"dominant_outcome"`
	DominantPercentage float64                     `json:"dominant_percentage"`
	VolumeSpike        VolumeSpike                 `json:"volume_spike"`
	SentimentShift     SentimentShift              `json:"sentiment_shift"`
	ComputedAt         time.Time                   `json:"computed_at"`
}

// TrendingMarket is a market ranked by spike magnitude.
type TrendingMarket struct {
	MarketID string      `json:"market_id"`
	Spike    VolumeSpike `json:"spike"`
}

type AnomalyPattern string

const (
	PatternCoordinatedBetting AnomalyPattern = "coordinated_betting"
	PatternSuddenReversal     AnomalyPattern = "sudden_reversal"
	PatternFlashWhale         AnomalyPattern = "flash_whale"
)

// AnomalyFinding is persisted as an audit record.
type AnomalyFinding struct {
	ID         string         `json:"id"`
	Detected   bool           `json:"detected"`
	Pattern    AnomalyPattern `json:"pattern,omitempty"`
	Severity   Severity       `json:"severity"`
	MarketID   string         `json:"market_id,omitempty"`
	TxHash     string         `json:"tx_hash,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	DetectedAt time.Time      `json:"detected_at"`
}

// NoAnomaly is the negative detection result.
func NoAnomaly() *AnomalyFinding {
	return &AnomalyFinding{Detected: false}
}
