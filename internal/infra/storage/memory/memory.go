package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/infra/storage"
)

// MemoryStorage backs every repository when no database is configured.
type MemoryStorage struct {
	txs       map[string]*domain.TransactionRecord
	wallets   map[string]*domain.WalletProfile
	alerts    map[string]*domain.Alert
	anomalies []*domain.AnomalyFinding
	tokens    map[string]*domain.TokenInfo
	mu        sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		txs:     make(map[string]*domain.TransactionRecord),
		wallets: make(map[string]*domain.WalletProfile),
		alerts:  make(map[string]*domain.Alert),
		tokens:  make(map[string]*domain.TokenInfo),
	}
}

func inRange(ts, from, to time.Time) bool {
	return ts.After(from) && !ts.After(to)
}

// -----------------------------------------------------------------------------
// Transaction Repository
// -----------------------------------------------------------------------------

type TxRepo struct {
	store *MemoryStorage
}

func NewTxRepo(store *MemoryStorage) *TxRepo {
	return &TxRepo{store: store}
}

func (r *TxRepo) GetByHash(ctx context.Context, txHash string) (*domain.TransactionRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	tx, ok := r.store.txs[strings.ToLower(txHash)]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

func (r *TxRepo) Save(ctx context.Context, tx *domain.TransactionRecord) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := strings.ToLower(tx.TxHash)
	if _, ok := r.store.txs[key]; ok {
		return false, nil
	}
	cp := *tx
	r.store.txs[key] = &cp
	return true, nil
}

// trades returns copies of trade records matching keep, oldest first.
func (r *TxRepo) trades(keep func(*domain.TransactionRecord) bool) []*domain.TransactionRecord {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.TransactionRecord
	for _, tx := range r.store.txs {
		if !tx.IsTrade() || !keep(tx) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].TxHash < out[j].TxHash
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (r *TxRepo) GetByWallet(ctx context.Context, address string) ([]*domain.TransactionRecord, error) {
	addr := strings.ToLower(address)
	return r.trades(func(tx *domain.TransactionRecord) bool {
		return strings.EqualFold(tx.Wallet, addr) ||
			strings.EqualFold(tx.Maker, addr) ||
			strings.EqualFold(tx.Taker, addr)
	}), nil
}

func (r *TxRepo) OutcomeStats(ctx context.Context, marketID string, from, to time.Time) ([]domain.OutcomeStat, error) {
	byOutcome := make(map[string]*domain.OutcomeStat)
	for _, tx := range r.trades(func(tx *domain.TransactionRecord) bool {
		return tx.MarketID == marketID && inRange(tx.Timestamp, from, to)
	}) {
		st, ok := byOutcome[tx.Outcome]
		if !ok {
			st = &domain.OutcomeStat{Outcome: tx.Outcome}
			byOutcome[tx.Outcome] = st
		}
		st.Volume += tx.AmountFloat()
		st.Count++
	}

	out := make([]domain.OutcomeStat, 0, len(byOutcome))
	for _, st := range byOutcome {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Outcome < out[j].Outcome })
	return out, nil
}

func (r *TxRepo) HourlyVolumes(ctx context.Context, marketID string, from, to time.Time) ([]domain.VolumeBucket, error) {
	byHour := make(map[time.Time]float64)
	for _, tx := range r.trades(func(tx *domain.TransactionRecord) bool {
		return tx.MarketID == marketID && inRange(tx.Timestamp, from, to)
	}) {
		byHour[tx.Timestamp.UTC().Truncate(time.Hour)] += tx.AmountFloat()
	}

	out := make([]domain.VolumeBucket, 0, len(byHour))
	for h, v := range byHour {
		out = append(out, domain.VolumeBucket{Hour: h, Volume: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

func (r *TxRepo) DistinctWallets(ctx context.Context, marketID, outcome string, from, to time.Time) (int, error) {
	seen := make(map[string]struct{})
	for _, tx := range r.trades(func(tx *domain.TransactionRecord) bool {
		return tx.MarketID == marketID && tx.Outcome == outcome && inRange(tx.Timestamp, from, to)
	}) {
		seen[strings.ToLower(tx.Wallet)] = struct{}{}
	}
	return len(seen), nil
}

func (r *TxRepo) WalletOutcomeVolume(ctx context.Context, wallet, marketID, outcome string, from, to time.Time) (float64, error) {
	var total float64
	for _, tx := range r.trades(func(tx *domain.TransactionRecord) bool {
		return strings.EqualFold(tx.Wallet, wallet) && tx.MarketID == marketID &&
			tx.Outcome == outcome && inRange(tx.Timestamp, from, to)
	}) {
		total += tx.AmountFloat()
	}
	return total, nil
}

func (r *TxRepo) MarketsActiveSince(ctx context.Context, since time.Time) ([]string, error) {
	var markets []string
	for _, tx := range r.trades(func(tx *domain.TransactionRecord) bool {
		return tx.Timestamp.After(since)
	}) {
		if !slices.Contains(markets, tx.MarketID) {
			markets = append(markets, tx.MarketID)
		}
	}
	return markets, nil
}

func (r *TxRepo) CountSince(ctx context.Context, since time.Time) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for _, tx := range r.store.txs {
		if tx.Timestamp.After(since) {
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Wallet Repository
// -----------------------------------------------------------------------------

type WalletRepo struct {
	store *MemoryStorage
}

func NewWalletRepo(store *MemoryStorage) *WalletRepo {
	return &WalletRepo{store: store}
}

func (r *WalletRepo) Get(ctx context.Context, address string) (*domain.WalletProfile, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.wallets[strings.ToLower(address)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *WalletRepo) Save(ctx context.Context, profile *domain.WalletProfile) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *profile
	r.store.wallets[strings.ToLower(profile.Address)] = &cp
	return nil
}

func (r *WalletRepo) ListWhales(ctx context.Context) ([]*domain.WalletProfile, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.WalletProfile
	for _, p := range r.store.wallets {
		if p.IsWhale {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (r *WalletRepo) TopWhales(ctx context.Context, limit int, sortBy domain.WhaleSort) ([]*domain.WalletProfile, error) {
	whales, _ := r.ListWhales(ctx)

	key := func(p *domain.WalletProfile) float64 {
		switch sortBy {
		case domain.SortByScore:
			return p.WhaleScore
		case domain.SortByWinRate:
			return p.WinRate
		default:
			return p.TotalVolume
		}
	}
	sort.SliceStable(whales, func(i, j int) bool { return key(whales[i]) > key(whales[j]) })

	if limit > 0 && len(whales) > limit {
		whales = whales[:limit]
	}
	return whales, nil
}

// -----------------------------------------------------------------------------
// Alert Repository
// -----------------------------------------------------------------------------

type AlertRepo struct {
	store *MemoryStorage
}

func NewAlertRepo(store *MemoryStorage) *AlertRepo {
	return &AlertRepo{store: store}
}

func (r *AlertRepo) Create(ctx context.Context, alert *domain.Alert) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *alert
	r.store.alerts[alert.ID] = &cp
	return nil
}

func (r *AlertRepo) FindSentByFingerprintSince(ctx context.Context, fingerprint string, since time.Time) (*domain.Alert, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var latest *domain.Alert
	for _, a := range r.store.alerts {
		if !a.Sent || a.Fingerprint != fingerprint || a.SentAt == nil || a.SentAt.Before(since) {
			continue
		}
		if latest == nil || a.SentAt.After(*latest.SentAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *AlertRepo) MarkSent(ctx context.Context, id, fingerprint string, sentAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	a, ok := r.store.alerts[id]
	if !ok {
		return nil
	}
	a.Sent = true
	a.Fingerprint = fingerprint
	a.SentAt = &sentAt
	return nil
}

// -----------------------------------------------------------------------------
// Anomaly Repository
// -----------------------------------------------------------------------------

type AnomalyRepo struct {
	store *MemoryStorage
}

func NewAnomalyRepo(store *MemoryStorage) *AnomalyRepo {
	return &AnomalyRepo{store: store}
}

func (r *AnomalyRepo) Save(ctx context.Context, finding *domain.AnomalyFinding) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *finding
	r.store.anomalies = append(r.store.anomalies, &cp)
	return nil
}

func (r *AnomalyRepo) Recent(ctx context.Context, limit int) ([]*domain.AnomalyFinding, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.AnomalyFinding
	for i := len(r.store.anomalies) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *r.store.anomalies[i]
		out = append(out, &cp)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Token Repository
// -----------------------------------------------------------------------------

type TokenRepo struct {
	store *MemoryStorage
}

func NewTokenRepo(store *MemoryStorage) *TokenRepo {
	return &TokenRepo{store: store}
}

func (r *TokenRepo) SaveToken(ctx context.Context, info *domain.TokenInfo) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *info
	r.store.tokens[info.TokenID] = &cp
	return nil
}

func (r *TokenRepo) GetToken(ctx context.Context, tokenID string) (*domain.TokenInfo, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	t, ok := r.store.tokens[tokenID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

var (
	_ storage.TransactionRepository = (*TxRepo)(nil)
	_ storage.WalletRepository      = (*WalletRepo)(nil)
	_ storage.AlertRepository       = (*AlertRepo)(nil)
	_ storage.AnomalyRepository     = (*AnomalyRepo)(nil)
	_ storage.TokenRepository       = (*TokenRepo)(nil)
)
