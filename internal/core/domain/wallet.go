package domain

import "time"

// WalletProfile is recomputed from the wallet's full history on every update.
type WalletProfile struct {
	Address      string    `json:"address"       db:"address"`
	TotalVolume  float64   `json:"total_volume"  db:"total_volume"`
	TxCount      int       `json:"tx_count"      db:"tx_count"`
	LargestBet   float64   `json:"largest_bet"   db:"largest_bet"`
	IsWhale      bool      `json:"is_whale"      db:"is_whale"`
	WhaleScore   float64   `json:"whale_score"   db:"whale_score"`
	WinRate      float64   `json:"win_rate"      db:"win_rate"`
	FirstSeenAt  time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastActiveAt time.Time `json:"last_active_at" db:"last_active_at"`
	UpdatedAt    time.Time `json:"updated_at"    db:"updated_at"`
}

// WhaleSort selects the ranking key for top-whale reads.
type WhaleSort string

const (
	SortByVolume  WhaleSort = "volume"
	SortByScore   WhaleSort = "score"
	SortByWinRate WhaleSort = "win_rate"
)

// Valid reports whether s is a known sort key.
func (s WhaleSort) Valid() bool {
	switch s {
	case SortByVolume, SortByScore, SortByWinRate:
		return true
	}
	return false
}
