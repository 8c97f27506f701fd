package domain

import "time"

// EventName identifies a decoded exchange contract event.
type EventName string

const (
	EventOrderFilled     EventName = "OrderFilled"
	EventOrdersMatched   EventName = "OrdersMatched"
	EventOrderCancelled  EventName = "OrderCancelled"
	EventFeeCharged      EventName = "FeeCharged"
	EventTokenRegistered EventName = "TokenRegistered"
)

// SubscribedEvents is the fixed set of events the subscriber listens to.
var SubscribedEvents = []EventName{
	EventOrderFilled,
	EventOrdersMatched,
	EventOrderCancelled,
	EventFeeCharged,
	EventTokenRegistered,
}

// ContractEvent is a raw decoded log. It is produced by the subscriber and
// consumed once by the transaction processor.
type ContractEvent struct {
	Name        EventName
	Contract    string
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	LogIndex    uint
	Timestamp   time.Time
	Removed     bool

	// Fields holds event-specific values keyed by ABI argument name.
	// Addresses and hashes are hex strings, uint256 ids are decimal strings
	// and amounts are decimal.Decimal already scaled to 6 places.
	Fields map[string]any
}
