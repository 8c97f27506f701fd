package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AmountDecimals is the fixed-point precision of collateral and outcome tokens.
const AmountDecimals = 6

// CollateralAssetID is the asset id the exchange uses for the collateral token.
const CollateralAssetID = "0"

type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
	SideNone TradeSide = ""
)

// Outcome labels for binary markets.
const (
	OutcomeYes     = "YES"
	OutcomeNo      = "NO"
	OutcomeUnknown = "UNKNOWN"
)

// TransactionRecord is the canonical persisted transaction. TxHash is unique
// and records are never updated after creation.
type TransactionRecord struct {
	TxHash       string          `json:"tx_hash"       db:"tx_hash"`
	EventName    EventName       `json:"event_name"    db:"event_name"`
	BlockNumber  uint64          `json:"block_number"  db:"block_number"`
	BlockHash    string          `json:"block_hash"    db:"block_hash"`
	LogIndex     uint            `json:"log_index"     db:"log_index"`
	Timestamp    time.Time       `json:"timestamp"     db:"block_time"`
	OrderHash    string          `json:"order_hash"    db:"order_hash"`
	Maker        string          `json:"maker"         db:"maker"`
	Taker        string          `json:"taker"         db:"taker"`
	MakerAssetID string          `json:"maker_asset_id" db:"maker_asset_id"`
	TakerAssetID string          `json:"taker_asset_id" db:"taker_asset_id"`
	MakerAmount  decimal.Decimal `json:"maker_amount"  db:"maker_amount"`
	TakerAmount  decimal.Decimal `json:"taker_amount"  db:"taker_amount"`
	Fee          decimal.Decimal `json:"fee"           db:"fee"`

	// Derived trade view.
	MarketID string          `json:"market_id" db:"market_id"`
	Outcome  string          `json:"outcome"   db:"outcome"`
	Side     TradeSide       `json:"side"      db:"side"`
	Amount   decimal.Decimal `json:"amount"    db:"amount"` // notional in collateral units
	Price    decimal.Decimal `json:"price"     db:"price"`
	Wallet   string          `json:"wallet"    db:"wallet"`
}

// IsTrade reports whether the record represents a fill with a notional amount.
func (t *TransactionRecord) IsTrade() bool {
	return t.EventName == EventOrderFilled || t.EventName == EventOrdersMatched
}

// AmountFloat returns the notional amount as float64 for scoring math.
func (t *TransactionRecord) AmountFloat() float64 {
	f, _ := t.Amount.Float64()
	return f
}

// TokenInfo maps an outcome token to its market.
type TokenInfo struct {
	TokenID      string `json:"token_id"      db:"token_id"`
	ComplementID string `json:"complement_id" db:"complement_id"`
	ConditionID  string `json:"condition_id"  db:"condition_id"`
	Outcome      string `json:"outcome"       db:"outcome"`
}

// OutcomeStat aggregates trades on one outcome of a market in a time range.
type OutcomeStat struct {
	Outcome string  `json:"outcome" db:"outcome"`
	Volume  float64 `json:"volume"  db:"volume"`
	Count   int     `json:"count"   db:"count"`
}

// VolumeBucket is one hourly volume bucket.
type VolumeBucket struct {
	Hour   time.Time `json:"hour"   db:"hour"`
	Volume float64   `json:"volume" db:"volume"`
}
