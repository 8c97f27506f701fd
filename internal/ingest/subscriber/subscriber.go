// Package subscriber streams exchange contract events from the active RPC
// endpoint, reconnecting through the provider pool when the stream drops.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/infra/rpc/provider"
	"github.com/vietddude/polywatch/internal/metrics"
)

var (
	// ErrMaxReconnectAttempts halts the subscriber; it needs an external restart.
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts exceeded")

	// ErrAlreadyRunning is returned by Start when the subscriber is active.
	ErrAlreadyRunning = errors.New("subscriber already running")
)

// DefaultStream is the checkpoint key used when Config.Stream is empty.
const DefaultStream = "ctf-exchange"

// maxGapBlocks bounds the post-reconnect backfill.
const maxGapBlocks = 10_000

// LogClient is the subset of ethclient.Client the subscriber uses.
type LogClient interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Close()
}

// Dialer opens a LogClient for an endpoint URL.
type Dialer func(ctx context.Context, url string) (LogClient, error)

// DialEthClient dials with go-ethereum's ethclient.
func DialEthClient(ctx context.Context, url string) (LogClient, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Endpoints is the part of the provider pool the subscriber depends on.
type Endpoints interface {
	StreamingURL(ctx context.Context) (string, error)
	GetProvider(ctx context.Context) (provider.Provider, error)
}

// Handler consumes one normalized event.
type Handler func(ctx context.Context, evt *domain.ContractEvent) error

// Config controls subscription and reconnect behavior.
type Config struct {
	Contracts            []string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	BackfillChunkSize    uint64
	Stream               string // checkpoint key
	MaxRetries           int    // attempts per range query
	RetryDelay           time.Duration
}

// Stats is a snapshot of subscriber counters.
type Stats struct {
	State           State             `json:"state"`
	LastBlock       uint64            `json:"last_block"`
	Received        uint64            `json:"received"`
	Dispatched      uint64            `json:"dispatched"`
	HandlerErrors   uint64            `json:"handler_errors"`
	NormalizeErrors uint64            `json:"normalize_errors"`
	Reconnections   uint64            `json:"reconnections"`
	Attempts        int               `json:"attempts"`
	ByEvent         map[string]uint64 `json:"by_event"`
	ErrorsByEvent   map[string]uint64 `json:"errors_by_event"`
	Transitions     []Transition      `json:"transitions"`
}

type session struct {
	client LogClient
	sub    ethereum.Subscription
	logs   chan types.Log
}

// Subscriber is the event subscription state machine.
type Subscriber struct {
	cfg         Config
	retry       provider.RetryConfig
	endpoints   Endpoints
	dial        Dialer
	normalizer  *Normalizer
	checkpoints CheckpointStore
	log         *slog.Logger

	mu          sync.RWMutex
	state       State
	handlers    map[domain.EventName][]Handler
	current     *session
	attempts    int
	transitions []Transition
	cancel      context.CancelFunc
	done        chan struct{}
	haltErr     error

	inflight  sync.WaitGroup
	lastBlock atomic.Uint64

	received        atomic.Uint64
	dispatched      atomic.Uint64
	handlerErrors   atomic.Uint64
	normalizeErrors atomic.Uint64
	reconnections   atomic.Uint64
	statsMu         sync.Mutex
	byEvent         map[string]uint64
	errorsByEvent   map[string]uint64

	headerMu    sync.Mutex
	headerTimes map[uint64]time.Time
}

// New creates a subscriber. A nil dial uses ethclient; a nil checkpoint
// store keeps checkpoints in memory.
func New(cfg Config, endpoints Endpoints, dial Dialer, checkpoints CheckpointStore) (*Subscriber, error) {
	normalizer, err := NewNormalizer(domain.SubscribedEvents)
	if err != nil {
		return nil, err
	}
	if dial == nil {
		dial = DialEthClient
	}
	if checkpoints == nil {
		checkpoints = NewMemoryCheckpoints()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.BackfillChunkSize == 0 {
		cfg.BackfillChunkSize = 2000
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	retry := provider.DefaultRetryConfig
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		retry.InitialDelay = cfg.RetryDelay
	}

	return &Subscriber{
		cfg:           cfg,
		retry:         retry,
		endpoints:     endpoints,
		dial:          dial,
		normalizer:    normalizer,
		checkpoints:   checkpoints,
		log:           slog.Default().With("component", "subscriber"),
		state:         StateDisconnected,
		handlers:      make(map[domain.EventName][]Handler),
		byEvent:       make(map[string]uint64),
		errorsByEvent: make(map[string]uint64),
		headerTimes:   make(map[uint64]time.Time),
	}, nil
}

// On registers a handler for an event name.
func (s *Subscriber) On(name domain.EventName, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = append(s.handlers[name], h)
}

// State returns the current state.
func (s *Subscriber) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that halted the subscriber, if any.
func (s *Subscriber) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.haltErr
}

// Done is closed when the run loop exits.
func (s *Subscriber) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

func (s *Subscriber) setState(to State, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(to, reason)
}

func (s *Subscriber) setStateLocked(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	t := NewTransition(from, to, reason)
	if !t.IsValid() {
		s.log.Error("Invalid state transition", "from", from, "to", to, "reason", reason)
		return
	}
	s.state = to
	s.transitions = append(s.transitions, t)
	if len(s.transitions) > 20 {
		s.transitions = s.transitions[len(s.transitions)-20:]
	}
	s.log.Info("Subscriber state changed", "from", from, "to", to, "reason", reason)
}

// Start connects and launches the listen loop. Connection errors on the
// first attempt are returned to the caller.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected && s.state != StateHalted {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.attempts = 0
	s.haltErr = nil
	s.mu.Unlock()

	if last, err := s.checkpoints.GetCheckpoint(ctx, s.cfg.Stream); err != nil {
		s.log.Warn("Failed to load checkpoint", "error", err)
	} else if last > s.lastBlock.Load() {
		s.lastBlock.Store(last)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess, err := s.connect(runCtx)
	if err != nil {
		cancel()
		s.setState(StateDisconnected, "initial connect failed")
		return err
	}

	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(runCtx, sess, done)
	return nil
}

// Stop unsubscribes and closes the connection, then waits for already
// dispatched handlers until ctx is done.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.setState(StateDisconnected, "stopped")

	waited := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight handlers: %w", ctx.Err())
	}
}

func (s *Subscriber) query() ethereum.FilterQuery {
	addrs := make([]common.Address, 0, len(s.cfg.Contracts))
	for _, c := range s.cfg.Contracts {
		addrs = append(addrs, common.HexToAddress(c))
	}
	return ethereum.FilterQuery{
		Addresses: addrs,
		Topics:    [][]common.Hash{s.normalizer.Topics()},
	}
}

func (s *Subscriber) connect(ctx context.Context) (*session, error) {
	s.setState(StateConnecting, "opening stream")

	url, err := s.endpoints.StreamingURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("get streaming url: %w", err)
	}

	client, err := s.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", redactURL(url), err)
	}

	logs := make(chan types.Log, 256)
	sub, err := client.SubscribeFilterLogs(ctx, s.query(), logs)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	sess := &session{client: client, sub: sub, logs: logs}
	s.mu.Lock()
	s.current = sess
	s.setStateLocked(StateListening, "subscribed")
	s.mu.Unlock()

	s.log.Info("Subscribed to exchange events",
		"endpoint", redactURL(url),
		"contracts", len(s.cfg.Contracts),
		"events", len(domain.SubscribedEvents),
	)
	return sess, nil
}

func (s *Subscriber) teardown(sess *session) {
	if sess == nil {
		return
	}
	sess.sub.Unsubscribe()
	sess.client.Close()

	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()
}

func (s *Subscriber) run(ctx context.Context, sess *session, done chan struct{}) {
	defer close(done)
	defer func() { s.teardown(sess) }()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-sess.sub.Err():
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("Event stream failed", "error", err)

			next, rerr := s.reconnect(ctx, sess)
			if rerr != nil {
				if !errors.Is(rerr, context.Canceled) {
					s.halt(rerr)
				}
				sess = nil
				return
			}
			sess = next

		case lg := <-sess.logs:
			s.handleLog(ctx, lg, false)
		}
	}
}

// reconnect tears the session down and resubscribes, possibly on a new
// endpoint after failover. Attempts reset after a successful resubscribe.
func (s *Subscriber) reconnect(ctx context.Context, old *session) (*session, error) {
	s.setState(StateReconnecting, "stream error")
	s.teardown(old)

	for {
		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		if attempt > s.cfg.MaxReconnectAttempts {
			return nil, fmt.Errorf("%w (%d)", ErrMaxReconnectAttempts, s.cfg.MaxReconnectAttempts)
		}

		s.reconnections.Add(1)
		metrics.SubscriberReconnections.Inc()
		s.log.Info("Reconnecting", "attempt", attempt, "max", s.cfg.MaxReconnectAttempts, "delay", s.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.ReconnectDelay):
		}

		sess, err := s.connect(ctx)
		if err != nil {
			s.log.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
			s.setState(StateReconnecting, "connect failed")
			continue
		}

		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()

		s.backfillGap(ctx, sess.client)
		return sess, nil
	}
}

func (s *Subscriber) halt(err error) {
	s.mu.Lock()
	s.haltErr = err
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.setStateLocked(StateHalted, err.Error())
	s.mu.Unlock()
	s.log.Error("Subscriber halted", "error", err)
}

// backfillGap replays events between the last seen block and head.
func (s *Subscriber) backfillGap(ctx context.Context, client LogClient) {
	last := s.lastBlock.Load()
	if last == 0 {
		return
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		s.log.Warn("Gap backfill skipped, head unavailable", "error", err)
		return
	}
	if head <= last {
		return
	}

	from := last + 1
	if head-last > maxGapBlocks {
		s.log.Warn("Gap exceeds backfill window, truncating", "last", last, "head", head)
		from = head - maxGapBlocks + 1
	}

	logs, err := s.filterRange(ctx, client, from, head, s.normalizer.Topics())
	if err != nil {
		s.log.Warn("Gap backfill failed", "from", from, "to", head, "error", err)
		return
	}
	for _, lg := range logs {
		s.handleLog(ctx, lg, true)
	}
	s.log.Info("Gap backfill complete", "from", from, "to", head, "events", len(logs))
}

func (s *Subscriber) filterRange(ctx context.Context, client LogClient, from, to uint64, topics []common.Hash) ([]types.Log, error) {
	q := s.query()
	q.Topics = [][]common.Hash{topics}

	var out []types.Log
	for start := from; start <= to; start += s.cfg.BackfillChunkSize {
		end := min(start+s.cfg.BackfillChunkSize-1, to)
		q.FromBlock = new(big.Int).SetUint64(start)
		q.ToBlock = new(big.Int).SetUint64(end)

		var chunk []types.Log
		err := provider.Retry(ctx, s.retry, func(ctx context.Context) error {
			var err error
			chunk, err = client.FilterLogs(ctx, q)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("filter logs %d-%d: %w", start, end, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (s *Subscriber) handleLog(ctx context.Context, lg types.Log, historical bool) {
	s.received.Add(1)
	if lg.Removed {
		s.log.Debug("Skipping removed log", "tx", lg.TxHash.Hex(), "index", lg.Index)
		return
	}

	evt, err := s.normalizer.Normalize(lg)
	if err != nil {
		s.normalizeErrors.Add(1)
		s.countError("unknown", "normalize")
		s.log.Warn("Failed to normalize log", "tx", lg.TxHash.Hex(), "error", err)
		return
	}
	if historical {
		evt.Timestamp = s.blockTime(ctx, s.currentClient(), lg.BlockNumber)
	} else {
		evt.Timestamp = time.Now().UTC()
	}

	s.advance(ctx, lg.BlockNumber)
	s.dispatch(ctx, evt)
}

func (s *Subscriber) currentClient() LogClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	return s.current.client
}

func (s *Subscriber) advance(ctx context.Context, block uint64) {
	for {
		cur := s.lastBlock.Load()
		if block <= cur {
			return
		}
		if s.lastBlock.CompareAndSwap(cur, block) {
			break
		}
	}
	metrics.SubscriberLastBlock.Set(float64(block))
	if err := s.checkpoints.SetCheckpoint(ctx, s.cfg.Stream, block); err != nil {
		s.log.Debug("Failed to persist checkpoint", "block", block, "error", err)
	}
}

// dispatch runs every handler for the event in its own goroutine. Handler
// contexts are detached so Stop never interrupts them.
func (s *Subscriber) dispatch(ctx context.Context, evt *domain.ContractEvent) {
	name := string(evt.Name)
	s.statsMu.Lock()
	s.byEvent[name]++
	s.statsMu.Unlock()
	metrics.SubscriberEvents.WithLabelValues(name).Inc()

	s.mu.RLock()
	handlers := s.handlers[evt.Name]
	s.mu.RUnlock()

	hctx := context.WithoutCancel(ctx)
	for _, h := range handlers {
		s.inflight.Add(1)
		s.dispatched.Add(1)
		go func(h Handler) {
			defer s.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					s.handlerErrors.Add(1)
					s.countError(name, "panic")
					s.log.Error("Handler panicked", "event", name, "tx", evt.TxHash, "panic", r)
				}
			}()
			if err := h(hctx, evt); err != nil {
				s.handlerErrors.Add(1)
				s.countError(name, "handler")
				s.log.Warn("Handler failed", "event", name, "tx", evt.TxHash, "error", err)
			}
		}(h)
	}
}

func (s *Subscriber) countError(event, stage string) {
	s.statsMu.Lock()
	s.errorsByEvent[event]++
	s.statsMu.Unlock()
	metrics.SubscriberErrors.WithLabelValues(event, stage).Inc()
}

// blockTime returns the block timestamp, cached per block.
func (s *Subscriber) blockTime(ctx context.Context, client LogClient, block uint64) time.Time {
	s.headerMu.Lock()
	if t, ok := s.headerTimes[block]; ok {
		s.headerMu.Unlock()
		return t
	}
	s.headerMu.Unlock()

	if client == nil {
		return time.Now().UTC()
	}
	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		s.log.Debug("Header lookup failed, using wall clock", "block", block, "error", err)
		return time.Now().UTC()
	}
	t := time.Unix(int64(header.Time), 0).UTC()

	s.headerMu.Lock()
	if len(s.headerTimes) > 4096 {
		clear(s.headerTimes)
	}
	s.headerTimes[block] = t
	s.headerMu.Unlock()
	return t
}

// QueryHistoricalEvents range-queries one event over [from, to] using the
// active HTTP endpoint. It does not touch the live subscription.
func (s *Subscriber) QueryHistoricalEvents(ctx context.Context, name domain.EventName, from, to uint64) ([]*domain.ContractEvent, error) {
	topic, ok := s.normalizer.Topic(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if to < from {
		return nil, fmt.Errorf("invalid range %d-%d", from, to)
	}

	prov, err := s.endpoints.GetProvider(ctx)
	if err != nil {
		return nil, err
	}
	client, err := s.dial(ctx, prov.URL())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", prov.Name(), err)
	}
	defer client.Close()

	logs, err := s.filterRange(ctx, client, from, to, []common.Hash{topic})
	if err != nil {
		return nil, err
	}

	events := make([]*domain.ContractEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		evt, err := s.normalizer.Normalize(lg)
		if err != nil {
			s.log.Warn("Skipping undecodable historical log", "tx", lg.TxHash.Hex(), "error", err)
			continue
		}
		evt.Timestamp = s.blockTime(ctx, client, lg.BlockNumber)
		events = append(events, evt)
	}
	return events, nil
}

// Stats returns a snapshot of subscriber counters.
func (s *Subscriber) Stats() Stats {
	s.mu.RLock()
	state, attempts := s.state, s.attempts
	transitions := append([]Transition(nil), s.transitions...)
	s.mu.RUnlock()

	s.statsMu.Lock()
	byEvent := make(map[string]uint64, len(s.byEvent))
	for k, v := range s.byEvent {
		byEvent[k] = v
	}
	errs := make(map[string]uint64, len(s.errorsByEvent))
	for k, v := range s.errorsByEvent {
		errs[k] = v
	}
	s.statsMu.Unlock()

	return Stats{
		State:           state,
		LastBlock:       s.lastBlock.Load(),
		Received:        s.received.Load(),
		Dispatched:      s.dispatched.Load(),
		HandlerErrors:   s.handlerErrors.Load(),
		NormalizeErrors: s.normalizeErrors.Load(),
		Reconnections:   s.reconnections.Load(),
		Attempts:        attempts,
		ByEvent:         byEvent,
		ErrorsByEvent:   errs,
		Transitions:     transitions,
	}
}

// redactURL strips path and query, which often carry API keys.
func redactURL(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}
