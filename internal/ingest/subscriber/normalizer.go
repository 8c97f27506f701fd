package subscriber

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/vietddude/polywatch/internal/core/domain"
)

var (
	// ErrUnknownEvent is returned for logs whose topic is not registered.
	ErrUnknownEvent = errors.New("unknown event topic")
)

// Normalizer decodes exchange logs into ContractEvents.
type Normalizer struct {
	byTopic map[common.Hash]abi.Event
	byName  map[domain.EventName]common.Hash
}

// NewNormalizer builds a decoder for the named events.
func NewNormalizer(names []domain.EventName) (*Normalizer, error) {
	parsed, err := abi.JSON(strings.NewReader(exchangeABI))
	if err != nil {
		return nil, fmt.Errorf("parse exchange abi: %w", err)
	}

	n := &Normalizer{
		byTopic: make(map[common.Hash]abi.Event, len(names)),
		byName:  make(map[domain.EventName]common.Hash, len(names)),
	}
	for _, name := range names {
		ev, ok := parsed.Events[string(name)]
		if !ok {
			return nil, fmt.Errorf("event %s not in exchange abi", name)
		}
		n.byTopic[ev.ID] = ev
		n.byName[name] = ev.ID
	}
	return n, nil
}

// Topics returns the topic0 hashes of every registered event.
func (n *Normalizer) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(n.byTopic))
	for _, name := range domain.SubscribedEvents {
		if id, ok := n.byName[name]; ok {
			topics = append(topics, id)
		}
	}
	return topics
}

// Topic returns the topic0 hash for one event.
func (n *Normalizer) Topic(name domain.EventName) (common.Hash, bool) {
	id, ok := n.byName[name]
	return id, ok
}

// Normalize decodes one log. Amount fields are scaled to 6 decimals.
func (n *Normalizer) Normalize(lg types.Log) (*domain.ContractEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	ev, ok := n.byTopic[lg.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, lg.Topics[0].Hex())
	}

	raw := make(map[string]any, len(ev.Inputs))
	if err := ev.Inputs.UnpackIntoMap(raw, lg.Data); err != nil {
		return nil, fmt.Errorf("unpack %s data: %w", ev.Name, err)
	}

	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(raw, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse %s topics: %w", ev.Name, err)
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		fields[k] = normalizeValue(k, v)
	}

	return &domain.ContractEvent{
		Name:        domain.EventName(ev.Name),
		Contract:    strings.ToLower(lg.Address.Hex()),
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
		LogIndex:    lg.Index,
		Removed:     lg.Removed,
		Fields:      fields,
	}, nil
}

func normalizeValue(name string, v any) any {
	switch val := v.(type) {
	case common.Address:
		return strings.ToLower(val.Hex())
	case [32]byte:
		return common.Hash(val).Hex()
	case common.Hash:
		return val.Hex()
	case *big.Int:
		if amountFields[name] {
			return decimal.NewFromBigInt(val, -domain.AmountDecimals)
		}
		return val.String()
	default:
		return v
	}
}
