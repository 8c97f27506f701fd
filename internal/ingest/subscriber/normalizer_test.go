package subscriber

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/polywatch/internal/core/domain"
)

func TestNormalizer_OrderFilled(t *testing.T) {
	n, err := NewNormalizer(domain.SubscribedEvents)
	require.NoError(t, err)

	lg := orderFilledLog(t, 100, 0x01, 0, 777, 1_500_000, 3_000_000, 15_000)
	evt, err := n.Normalize(lg)
	require.NoError(t, err)

	assert.Equal(t, domain.EventOrderFilled, evt.Name)
	assert.Equal(t, uint64(100), evt.BlockNumber)
	assert.Equal(t, strings.ToLower(testMaker.Hex()), evt.Fields["maker"])
	assert.Equal(t, strings.ToLower(testTaker.Hex()), evt.Fields["taker"])
	assert.Equal(t, "0", evt.Fields["makerAssetId"])
	assert.Equal(t, "777", evt.Fields["takerAssetId"])

	amt, ok := evt.Fields["makerAmountFilled"].(decimal.Decimal)
	require.True(t, ok)
	assert.Equal(t, "1.5", amt.String())

	fee := evt.Fields["fee"].(decimal.Decimal)
	assert.True(t, fee.Equal(decimal.RequireFromString("0.015")))
	assert.Equal(t, common.BytesToHash([]byte{0xab, 0x01}).Hex(), evt.Fields["orderHash"])
}

func TestNormalizer_TokenRegistered(t *testing.T) {
	n, err := NewNormalizer(domain.SubscribedEvents)
	require.NoError(t, err)

	ev := mustABI(t).Events["TokenRegistered"]
	condition := common.HexToHash("0xc0ffee")
	lg := types.Log{
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(big.NewInt(111)),
			common.BigToHash(big.NewInt(222)),
			condition,
		},
		BlockNumber: 5,
	}

	evt, err := n.Normalize(lg)
	require.NoError(t, err)
	assert.Equal(t, domain.EventTokenRegistered, evt.Name)
	assert.Equal(t, "111", evt.Fields["token0"])
	assert.Equal(t, "222", evt.Fields["token1"])
	assert.Equal(t, condition.Hex(), evt.Fields["conditionId"])
}

func TestNormalizer_UnknownTopic(t *testing.T) {
	n, err := NewNormalizer(domain.SubscribedEvents)
	require.NoError(t, err)

	_, err = n.Normalize(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = n.Normalize(types.Log{})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestNormalizer_Topics(t *testing.T) {
	n, err := NewNormalizer(domain.SubscribedEvents)
	require.NoError(t, err)
	assert.Len(t, n.Topics(), len(domain.SubscribedEvents))

	_, err = NewNormalizer([]domain.EventName{"Transfer"})
	assert.Error(t, err)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateDisconnected, StateConnecting))
	assert.True(t, CanTransition(StateListening, StateReconnecting))
	assert.True(t, CanTransition(StateReconnecting, StateHalted))
	assert.True(t, CanTransition(StateHalted, StateConnecting))
	assert.False(t, CanTransition(StateDisconnected, StateListening))
	assert.False(t, CanTransition(StateHalted, StateListening))
}
