// Package relayer polls foreign chain endpoints for lock proofs and hands
// every candidate to the bridge manager.
package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drachma/drachma-bridge/internal/bridge"
	"github.com/drachma/drachma-bridge/internal/gossip"
	"github.com/drachma/drachma-bridge/internal/proof"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultStopTimeout  = 5 * time.Second
	DefaultMaxBackoff   = 2 * time.Minute

	// maxResponseBytes caps a proof response body.
	maxResponseBytes = 4 << 20
)

var ErrStopped = errors.New("relayer stopped")

// Detector is the part of bridge.Manager the relayer drives.
type Detector interface {
	DetectInboundLock(ctx context.Context, chain string, proofs []proof.HeaderProof, observed bridge.BridgeLock) (bool, error)
}

// Recorder receives relayer metrics.
type Recorder interface {
	RecordRelayerPoll(ctx context.Context, chain, outcome string)
	RecordRelayerDetection(ctx context.Context, chain string)
}

type nopRecorder struct{}

func (nopRecorder) RecordRelayerPoll(context.Context, string, string) {}
func (nopRecorder) RecordRelayerDetection(context.Context, string)    {}

// RelayerMetrics is a point-in-time copy of the relayer counters.
type RelayerMetrics struct {
	Detected      uint64 `json:"detected"`
	ProofsFetched uint64 `json:"proofsFetched"`
	Errors        uint64 `json:"errors"`
}

// Option configures a Relayer.
type Option func(*Relayer)

// WithGossip announces every detected lock on bus, tagged with source.
func WithGossip(bus gossip.Bus, source string) Option {
	return func(r *Relayer) {
		r.bus = bus
		r.source = source
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Relayer) {
		r.client = c
	}
}

// WithPollInterval sets the interval for chains that do not override it.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relayer) {
		r.pollInterval = d
	}
}

// WithStopTimeout bounds how long Stop waits for watchers to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(r *Relayer) {
		r.stopTimeout = d
	}
}

// WithMaxBackoff caps the delay between retries of a failing endpoint.
func WithMaxBackoff(d time.Duration) Option {
	return func(r *Relayer) {
		r.maxBackoff = d
	}
}

func WithMetrics(rec Recorder) Option {
	return func(r *Relayer) {
		r.recorder = rec
	}
}

type watcher struct {
	name string
	cfg  atomic.Pointer[bridge.ChainConfig]
}

func (w *watcher) config() bridge.ChainConfig {
	return *w.cfg.Load()
}

// Relayer runs one watcher goroutine per chain. Cycles of a single chain
// never overlap; chains are independent of each other.
type Relayer struct {
	detector     Detector
	logger       *zap.SugaredLogger
	bus          gossip.Bus
	source       string
	client       *http.Client
	pollInterval time.Duration
	stopTimeout  time.Duration
	maxBackoff   time.Duration
	recorder     Recorder

	mu       sync.Mutex
	watchers map[string]*watcher
	group    *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopped  bool

	detected      atomic.Uint64
	proofsFetched atomic.Uint64
	errors        atomic.Uint64
}

func New(detector Detector, logger *zap.SugaredLogger, opts ...Option) *Relayer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Relayer{
		detector:     detector,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		stopTimeout:  DefaultStopTimeout,
		maxBackoff:   DefaultMaxBackoff,
		recorder:     nopRecorder{},
		watchers:     make(map[string]*watcher),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: 30 * time.Second}
	}
	if r.pollInterval <= 0 {
		r.pollInterval = DefaultPollInterval
	}
	if r.maxBackoff < r.pollInterval {
		r.maxBackoff = r.pollInterval
	}
	return r
}

// AddWatchedChain registers a chain to poll. Called after Start, it launches
// the new watcher right away. Re-adding a chain swaps its configuration,
// which the running watcher picks up on its next cycle.
func (r *Relayer) AddWatchedChain(name string, cfg bridge.ChainConfig) error {
	if name == "" {
		return fmt.Errorf("chain name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrStopped
	}
	if w, ok := r.watchers[name]; ok {
		w.cfg.Store(&cfg)
		r.logger.Infow("Relayer chain updated", "chain", name, "endpoint", cfg.RPCEndpoint)
		return nil
	}

	w := &watcher{name: name}
	w.cfg.Store(&cfg)
	r.watchers[name] = w
	r.logger.Infow("Relayer watching chain", "chain", name, "endpoint", cfg.RPCEndpoint, "polling", cfg.PollingEnabled())

	if r.started {
		r.launch(w)
	}
	return nil
}

// Start launches a watcher per registered chain. It returns immediately.
func (r *Relayer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.group = new(errgroup.Group)
	r.started = true

	for _, w := range r.watchers {
		r.launch(w)
	}
	r.logger.Infow("Relayer started", "chains", len(r.watchers))
	return nil
}

// launch must be called with r.mu held.
func (r *Relayer) launch(w *watcher) {
	r.group.Go(func() error {
		r.watch(r.ctx, w)
		return nil
	})
}

// Stop cancels every watcher, aborting in-flight requests, and waits for
// them up to the stop timeout. It is safe to call more than once and
// without Start.
func (r *Relayer) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	group := r.group
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	if !started {
		return
	}

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Infow("Relayer stopped")
	case <-time.After(r.stopTimeout):
		r.logger.Warnw("Relayer stop timed out, watchers still exiting", "timeout", r.stopTimeout)
	}
}

// Metrics returns the live counters.
func (r *Relayer) Metrics() RelayerMetrics {
	return RelayerMetrics{
		Detected:      r.detected.Load(),
		ProofsFetched: r.proofsFetched.Load(),
		Errors:        r.errors.Load(),
	}
}

// Chains returns the names of the watched chains.
func (r *Relayer) Chains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.watchers))
	for name := range r.watchers {
		names = append(names, name)
	}
	return names
}

func (r *Relayer) intervalFor(cfg bridge.ChainConfig) time.Duration {
	if cfg.PollInterval > 0 {
		return cfg.PollInterval
	}
	return r.pollInterval
}

func (r *Relayer) watch(ctx context.Context, w *watcher) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.intervalFor(w.config())
	bo.MaxInterval = r.maxBackoff
	bo.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		cfg := w.config()
		interval := r.intervalFor(cfg)
		if !cfg.PollingEnabled() {
			timer.Reset(interval)
			continue
		}

		if err := r.poll(ctx, w.name, cfg); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.errors.Add(1)
			r.recorder.RecordRelayerPoll(ctx, w.name, "error")
			delay := bo.NextBackOff()
			if delay < interval {
				delay = interval
			}
			r.logger.Warnw("Relayer poll failed",
				"chain", w.name,
				"endpoint", cfg.RPCEndpoint,
				"retryIn", delay,
				"error", err,
			)
			timer.Reset(delay)
			continue
		}

		bo.Reset()
		r.recorder.RecordRelayerPoll(ctx, w.name, "ok")
		timer.Reset(interval)
	}
}

func (r *Relayer) poll(ctx context.Context, chain string, cfg bridge.ChainConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.RPCEndpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch proofs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("fetch proofs: unexpected status %s", resp.Status)
	}

	var payload PollResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return fmt.Errorf("decode proofs: %w", err)
	}
	candidates, err := payload.toCandidates()
	if err != nil {
		return fmt.Errorf("decode proofs: %w", err)
	}
	r.proofsFetched.Add(1)

	for _, c := range candidates {
		ok, err := r.detector.DetectInboundLock(ctx, chain, c.proofs, c.lock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.errors.Add(1)
			r.logger.Errorw("Failed to record inbound lock", "chain", chain, "txid", c.lock.TxID, "error", err)
			continue
		}
		if !ok {
			r.logger.Debugw("Inbound candidate rejected", "chain", chain, "txid", c.lock.TxID)
			continue
		}
		r.detected.Add(1)
		r.recorder.RecordRelayerDetection(ctx, chain)
		r.announce(ctx, chain, c.lock)
	}
	return nil
}

// announce tells peers about a detected lock. Failures only cost the
// announcement; the lock is already recorded.
func (r *Relayer) announce(ctx context.Context, chain string, lock bridge.BridgeLock) {
	if r.bus == nil {
		return
	}
	lock.Chain = chain
	lock.Direction = bridge.DirectionInbound
	lock.State = bridge.StateInitiated
	if lock.ID == "" {
		lock.ID = bridge.LockID(chain, lock.TxID, lock.SecretHash)
	}
	body, err := json.Marshal(lock)
	if err != nil {
		r.logger.Warnw("Failed to encode inbound announcement", "chain", chain, "error", err)
		return
	}
	env := gossip.NewEnvelope(r.source, lock.Destination, body)
	if err := gossip.Announce(ctx, r.bus, gossip.TopicInbound, env); err != nil {
		r.logger.Warnw("Failed to announce inbound lock", "chain", chain, "lockId", lock.ID, "error", err)
	}
}
