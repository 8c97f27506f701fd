package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vietddude/polywatch/internal/core/domain"
)

func fieldString(evt *domain.ContractEvent, key string) (string, error) {
	v, ok := evt.Fields[key]
	if !ok {
		return "", fmt.Errorf("%w: %s missing %s", ErrMalformedEvent, evt.Name, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s.%s has type %T", ErrMalformedEvent, evt.Name, key, v)
	}
	return s, nil
}

func fieldDecimal(evt *domain.ContractEvent, key string) (decimal.Decimal, error) {
	v, ok := evt.Fields[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s missing %s", ErrMalformedEvent, evt.Name, key)
	}
	switch d := v.(type) {
	case decimal.Decimal:
		return d, nil
	case string:
		parsed, err := decimal.NewFromString(d)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s.%s: %v", ErrMalformedEvent, evt.Name, key, err)
		}
		return parsed, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s.%s has type %T", ErrMalformedEvent, evt.Name, key, v)
	}
}

// fieldsReader collects the first extraction error so transforms stay linear.
type fieldsReader struct {
	evt *domain.ContractEvent
	err error
}

func (r *fieldsReader) str(key string) string {
	if r.err != nil {
		return ""
	}
	s, err := fieldString(r.evt, key)
	r.err = err
	return s
}

func (r *fieldsReader) dec(key string) decimal.Decimal {
	if r.err != nil {
		return decimal.Zero
	}
	d, err := fieldDecimal(r.evt, key)
	r.err = err
	return d
}

func baseRecord(evt *domain.ContractEvent) *domain.TransactionRecord {
	return &domain.TransactionRecord{
		TxHash:      strings.ToLower(evt.TxHash),
		EventName:   evt.Name,
		BlockNumber: evt.BlockNumber,
		BlockHash:   evt.BlockHash,
		LogIndex:    evt.LogIndex,
		Timestamp:   evt.Timestamp,
	}
}

func (p *Processor) transformOrderFilled(ctx context.Context, evt *domain.ContractEvent) (*domain.TransactionRecord, error) {
	r := &fieldsReader{evt: evt}
	rec := baseRecord(evt)
	rec.OrderHash = r.str("orderHash")
	rec.Maker = strings.ToLower(r.str("maker"))
	rec.Taker = strings.ToLower(r.str("taker"))
	rec.MakerAssetID = r.str("makerAssetId")
	rec.TakerAssetID = r.str("takerAssetId")
	rec.MakerAmount = r.dec("makerAmountFilled")
	rec.TakerAmount = r.dec("takerAmountFilled")
	rec.Fee = r.dec("fee")
	if r.err != nil {
		return nil, r.err
	}

	rec.Wallet = rec.Maker
	p.deriveTrade(ctx, rec)
	return rec, nil
}

func (p *Processor) transformOrdersMatched(ctx context.Context, evt *domain.ContractEvent) (*domain.TransactionRecord, error) {
	r := &fieldsReader{evt: evt}
	rec := baseRecord(evt)
	rec.OrderHash = r.str("takerOrderHash")
	rec.Maker = strings.ToLower(r.str("takerOrderMaker"))
	rec.MakerAssetID = r.str("makerAssetId")
	rec.TakerAssetID = r.str("takerAssetId")
	rec.MakerAmount = r.dec("makerAmountFilled")
	rec.TakerAmount = r.dec("takerAmountFilled")
	if r.err != nil {
		return nil, r.err
	}

	rec.Wallet = rec.Maker
	p.deriveTrade(ctx, rec)
	return rec, nil
}

func (p *Processor) transformOrderCancelled(ctx context.Context, evt *domain.ContractEvent) (*domain.TransactionRecord, error) {
	r := &fieldsReader{evt: evt}
	rec := baseRecord(evt)
	rec.OrderHash = r.str("orderHash")
	if r.err != nil {
		return nil, r.err
	}
	return rec, nil
}

func (p *Processor) transformFeeCharged(ctx context.Context, evt *domain.ContractEvent) (*domain.TransactionRecord, error) {
	r := &fieldsReader{evt: evt}
	rec := baseRecord(evt)
	rec.Maker = strings.ToLower(r.str("receiver"))
	rec.MakerAssetID = r.str("tokenId")
	rec.Fee = r.dec("amount")
	if r.err != nil {
		return nil, r.err
	}

	rec.Wallet = rec.Maker
	if rec.MakerAssetID != domain.CollateralAssetID {
		rec.MarketID, rec.Outcome = p.resolveToken(ctx, rec.MakerAssetID)
	}
	return rec, nil
}

// transformTokenRegistered also records both outcome tokens in the registry:
// token0 is YES, token1 is NO.
func (p *Processor) transformTokenRegistered(ctx context.Context, evt *domain.ContractEvent) (*domain.TransactionRecord, error) {
	r := &fieldsReader{evt: evt}
	rec := baseRecord(evt)
	rec.MakerAssetID = r.str("token0")
	rec.TakerAssetID = r.str("token1")
	rec.MarketID = r.str("conditionId")
	if r.err != nil {
		return nil, r.err
	}

	tokens := []*domain.TokenInfo{
		{TokenID: rec.MakerAssetID, ComplementID: rec.TakerAssetID, ConditionID: rec.MarketID, Outcome: domain.OutcomeYes},
		{TokenID: rec.TakerAssetID, ComplementID: rec.MakerAssetID, ConditionID: rec.MarketID, Outcome: domain.OutcomeNo},
	}
	for _, t := range tokens {
		if err := p.tokens.SaveToken(ctx, t); err != nil {
			return nil, fmt.Errorf("save token %s: %w", t.TokenID, err)
		}
		p.tokenCache.Store(t.TokenID, *t)
	}
	return rec, nil
}

// deriveTrade fills the trade view. Asset id 0 is collateral: a maker giving
// collateral buys the taker asset, otherwise the maker sells its asset.
func (p *Processor) deriveTrade(ctx context.Context, rec *domain.TransactionRecord) {
	var token string
	var shares decimal.Decimal

	if rec.MakerAssetID == domain.CollateralAssetID {
		rec.Side = domain.SideBuy
		token = rec.TakerAssetID
		rec.Amount = rec.MakerAmount
		shares = rec.TakerAmount
	} else {
		rec.Side = domain.SideSell
		token = rec.MakerAssetID
		rec.Amount = rec.TakerAmount
		shares = rec.MakerAmount
	}

	if shares.IsPositive() {
		rec.Price = rec.Amount.Div(shares).Round(domain.AmountDecimals)
	}
	rec.MarketID, rec.Outcome = p.resolveToken(ctx, token)
}

// resolveToken maps an outcome token to (market, outcome). Unknown tokens
// fall back to the token id and UNKNOWN.
func (p *Processor) resolveToken(ctx context.Context, tokenID string) (string, string) {
	if v, ok := p.tokenCache.Load(tokenID); ok {
		info := v.(domain.TokenInfo)
		return info.ConditionID, info.Outcome
	}

	info, err := p.tokens.GetToken(ctx, tokenID)
	if err != nil {
		p.log.Warn("Token lookup failed", "token", tokenID, "error", err)
		return tokenID, domain.OutcomeUnknown
	}
	if info == nil {
		return tokenID, domain.OutcomeUnknown
	}
	p.tokenCache.Store(tokenID, *info)
	return info.ConditionID, info.Outcome
}
