// Package bridge implements the hashed-timelock lock state machine shared by
// the HTTP API and the relayer.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/drachma/drachma-bridge/internal/proof"
	"github.com/drachma/drachma-bridge/internal/util"
	"go.uber.org/zap"
)

var (
	ErrUnknownChain   = errors.New("unknown chain")
	ErrInvalidRequest = errors.New("invalid request")
	ErrLockExists     = errors.New("lock already exists")
	ErrLockNotFound   = errors.New("lock not found")
	ErrPersistence    = errors.New("persistence failure")
	ErrCrypto         = errors.New("cryptographic failure")
)

// LockStore is the durable record of every lock, keyed by lock id.
// Put must be atomic per key and ScanByDestination returns locks in
// insertion order.
type LockStore interface {
	Put(ctx context.Context, lock BridgeLock) error
	// Get returns ErrLockNotFound when id is unknown.
	Get(ctx context.Context, id string) (BridgeLock, error)
	ScanByDestination(ctx context.Context, destination string) ([]BridgeLock, error)
	Close() error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithChainRegistry shares an existing registry instead of creating one.
func WithChainRegistry(r *ChainRegistry) ManagerOption {
	return func(m *Manager) {
		m.chains = r
	}
}

// WithVerifiers shares an existing proof registry instead of creating one.
func WithVerifiers(r *proof.Registry) ManagerOption {
	return func(m *Manager) {
		m.verifiers = r
	}
}

// WithNodeKey sets the key claim signatures are made with.
func WithNodeKey(key *secp256k1.PrivateKey) ManagerOption {
	return func(m *Manager) {
		m.nodeKey = key
	}
}

// WithObserver registers a sink for persisted lock transitions.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithRecorder registers a metrics sink.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithStrictRefund rejects refunds of locks that were already claimed.
func WithStrictRefund(strict bool) ManagerOption {
	return func(m *Manager) {
		m.strictRefund = strict
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns the lock lifecycle. Every read-modify-write of a lock runs
// under that lock's mutex; different locks proceed in parallel.
type Manager struct {
	chains       *ChainRegistry
	verifiers    *proof.Registry
	store        LockStore
	locks        util.KeyedMutex
	nodeKey      *secp256k1.PrivateKey
	observer     Observer
	recorder     Recorder
	strictRefund bool
	now          func() time.Time
	logger       *zap.SugaredLogger
}

func NewManager(store LockStore, logger *zap.SugaredLogger, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: lock store is required", ErrInvalidRequest)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	m := &Manager{
		store:    store,
		recorder: nopRecorder{},
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.chains == nil {
		m.chains = NewChainRegistry()
	}
	if m.verifiers == nil {
		m.verifiers = proof.NewRegistry(nil)
	}
	if m.nodeKey == nil {
		key, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("%w: generate node key: %v", ErrCrypto, err)
		}
		m.nodeKey = key
		logger.Warnw("No node key configured, generated an ephemeral one",
			"pubkey", fmt.Sprintf("%x", key.PubKey().SerializeCompressed()),
		)
	}

	return m, nil
}

// NodePublicKey returns the compressed public key claim signatures verify against.
func (m *Manager) NodePublicKey() []byte {
	return m.nodeKey.PubKey().SerializeCompressed()
}

// Chains exposes the chain registry.
func (m *Manager) Chains() *ChainRegistry {
	return m.chains
}

// Verifiers exposes the proof registry.
func (m *Manager) Verifiers() *proof.Registry {
	return m.verifiers
}

// RegisterChain inserts or replaces a chain's configuration and installs the
// proof verifier it asks for. Existing locks are unaffected.
func (m *Manager) RegisterChain(name string, cfg ChainConfig) error {
	if name == "" {
		return fmt.Errorf("%w: chain name is required", ErrInvalidRequest)
	}
	if err := m.verifiers.InstallPolicy(name, cfg.ProofPolicy, cfg.Family); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	m.chains.Register(name, cfg)

	m.logger.Infow("Chain registered",
		"chain", name,
		"family", cfg.Family,
		"proofPolicy", cfg.ProofPolicy,
		"polling", cfg.PollingEnabled(),
	)
	return nil
}

// InitiateOutboundLock persists a new outbound lock and returns it together
// with a signature over its commitment made with signingKey.
func (m *Manager) InitiateOutboundLock(
	ctx context.Context,
	chain, txid, destination string,
	amount uint64,
	secretHash Hash,
	timeoutHeight uint64,
	signingKey []byte,
) (BridgeLock, []byte, error) {
	if !m.chains.Has(chain) {
		m.recorder.RecordLockRejected(ctx, "initiate", "unknown_chain")
		return BridgeLock{}, nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	if secretHash.IsZero() {
		m.recorder.RecordLockRejected(ctx, "initiate", "no_secret_hash")
		return BridgeLock{}, nil, fmt.Errorf("%w: secret hash is required", ErrInvalidRequest)
	}

	key, err := ParseSigningKey(signingKey)
	if err != nil {
		m.recorder.RecordLockRejected(ctx, "initiate", "bad_key")
		return BridgeLock{}, nil, err
	}

	lock := BridgeLock{
		ID:            LockID(chain, txid, secretHash),
		Chain:         chain,
		TxID:          txid,
		Destination:   destination,
		Amount:        amount,
		SecretHash:    secretHash,
		TimeoutHeight: timeoutHeight,
		Direction:     DirectionOutbound,
		State:         StateInitiated,
	}

	msg, err := CommitmentMessage(lock)
	if err != nil {
		return BridgeLock{}, nil, err
	}
	sig := sign(key, msg)

	unlock := m.locks.Lock(lock.ID)
	_, err = m.store.Get(ctx, lock.ID)
	switch {
	case err == nil:
		unlock()
		m.recorder.RecordLockRejected(ctx, "initiate", "exists")
		return BridgeLock{}, nil, fmt.Errorf("%w: %s", ErrLockExists, lock.ID)
	case !errors.Is(err, ErrLockNotFound):
		unlock()
		return BridgeLock{}, nil, fmt.Errorf("%w: load lock %s: %v", ErrPersistence, lock.ID, err)
	}
	if err := m.store.Put(ctx, lock); err != nil {
		unlock()
		return BridgeLock{}, nil, fmt.Errorf("%w: store lock %s: %v", ErrPersistence, lock.ID, err)
	}
	unlock()

	m.logger.Infow("Outbound lock initiated",
		"lockId", lock.ID,
		"chain", chain,
		"txid", txid,
		"destination", destination,
		"amount", amount,
		"timeoutHeight", timeoutHeight,
	)
	m.emit(ctx, EventInitiated, lock, 0)
	return lock, sig, nil
}

// Claim redeems a lock by revealing its secret before the timeout height.
// Validation failures return false with no error; only store failures
// return an error, in which case the persisted record is unchanged.
func (m *Manager) Claim(ctx context.Context, lockID string, secret []byte, currentHeight uint64) (bool, []byte, error) {
	unlock := m.locks.Lock(lockID)
	defer unlock()

	lock, ok, err := m.load(ctx, lockID)
	if err != nil || !ok {
		if !ok && err == nil {
			m.recorder.RecordLockRejected(ctx, "claim", "not_found")
		}
		return false, nil, err
	}

	secretHash := HashSecret(secret)
	switch {
	case !bytes.Equal(secretHash[:], lock.SecretHash[:]):
		m.reject(ctx, "claim", "wrong_secret", lock, currentHeight)
		return false, nil, nil
	case currentHeight >= lock.TimeoutHeight:
		m.reject(ctx, "claim", "expired", lock, currentHeight)
		return false, nil, nil
	case lock.State != StateInitiated:
		m.reject(ctx, "claim", "state_"+lock.State.String(), lock, currentHeight)
		return false, nil, nil
	}

	msg, err := ClaimMessage(lock.ID, secret, currentHeight)
	if err != nil {
		return false, nil, err
	}
	sig := sign(m.nodeKey, msg)

	lock.State = StateClaimed
	if err := m.store.Put(ctx, lock); err != nil {
		return false, nil, fmt.Errorf("%w: store lock %s: %v", ErrPersistence, lock.ID, err)
	}

	m.logger.Infow("Lock claimed", "lockId", lock.ID, "chain", lock.Chain, "height", currentHeight)
	m.emit(ctx, EventClaimed, lock, currentHeight)
	return true, sig, nil
}

// Refund returns a lock to its creator once currentHeight reaches the
// timeout height. A lock that was already claimed can still be refunded
// unless the manager runs with strict refunds; such refunds are logged.
func (m *Manager) Refund(ctx context.Context, lockID string, currentHeight uint64) (bool, error) {
	unlock := m.locks.Lock(lockID)
	defer unlock()

	lock, ok, err := m.load(ctx, lockID)
	if err != nil || !ok {
		if !ok && err == nil {
			m.recorder.RecordLockRejected(ctx, "refund", "not_found")
		}
		return false, err
	}

	if currentHeight < lock.TimeoutHeight {
		m.reject(ctx, "refund", "too_early", lock, currentHeight)
		return false, nil
	}

	switch lock.State {
	case StateRefunded:
		return true, nil
	case StateClaimed:
		if m.strictRefund {
			m.reject(ctx, "refund", "already_claimed", lock, currentHeight)
			return false, nil
		}
		m.logger.Warnw("Refunding a lock that was already claimed",
			"lockId", lock.ID,
			"chain", lock.Chain,
			"height", currentHeight,
			"timeoutHeight", lock.TimeoutHeight,
		)
	}

	lock.State = StateRefunded
	if err := m.store.Put(ctx, lock); err != nil {
		return false, fmt.Errorf("%w: store lock %s: %v", ErrPersistence, lock.ID, err)
	}

	m.logger.Infow("Lock refunded", "lockId", lock.ID, "chain", lock.Chain, "height", currentHeight)
	m.emit(ctx, EventRefunded, lock, currentHeight)
	return true, nil
}

// DetectInboundLock records a lock observed on a foreign chain when at
// least one of the proofs verifies. Re-detecting a known lock succeeds
// without touching its state.
func (m *Manager) DetectInboundLock(ctx context.Context, chain string, proofs []proof.HeaderProof, observed BridgeLock) (bool, error) {
	if !m.chains.Has(chain) {
		m.recorder.RecordLockRejected(ctx, "detect", "unknown_chain")
		return false, nil
	}
	if observed.Chain != "" && observed.Chain != chain {
		m.recorder.RecordLockRejected(ctx, "detect", "chain_mismatch")
		return false, nil
	}
	if !m.verifiers.VerifyAny(chain, proofs) {
		m.recorder.RecordLockRejected(ctx, "detect", "no_valid_proof")
		m.logger.Debugw("Inbound lock rejected, no proof verified", "chain", chain, "proofs", len(proofs))
		return false, nil
	}

	lock := observed
	lock.Chain = chain
	lock.Direction = DirectionInbound
	lock.State = StateInitiated
	if lock.ID == "" {
		lock.ID = LockID(chain, lock.TxID, lock.SecretHash)
	}

	unlock := m.locks.Lock(lock.ID)
	existing, found, err := m.load(ctx, lock.ID)
	if err != nil {
		unlock()
		return false, err
	}
	if found {
		unlock()
		if existing.Direction != DirectionInbound {
			m.recorder.RecordLockRejected(ctx, "detect", "outbound_collision")
			m.logger.Warnw("Inbound observation collides with an outbound lock", "lockId", lock.ID, "chain", chain)
			return false, nil
		}
		return true, nil
	}
	if err := m.store.Put(ctx, lock); err != nil {
		unlock()
		return false, fmt.Errorf("%w: store lock %s: %v", ErrPersistence, lock.ID, err)
	}
	unlock()

	m.logger.Infow("Inbound lock detected",
		"lockId", lock.ID,
		"chain", chain,
		"txid", lock.TxID,
		"destination", lock.Destination,
		"amount", lock.Amount,
	)
	m.emit(ctx, EventDetected, lock, 0)
	return true, nil
}

// PendingFor lists inbound locks paying destination that have not been
// claimed, in insertion order.
func (m *Manager) PendingFor(ctx context.Context, destination string) ([]BridgeLock, error) {
	locks, err := m.store.ScanByDestination(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", ErrPersistence, destination, err)
	}

	pending := make([]BridgeLock, 0, len(locks))
	for _, lock := range locks {
		if lock.Direction == DirectionInbound && lock.State != StateClaimed {
			pending = append(pending, lock)
		}
	}
	return pending, nil
}

// Lock returns a single lock by id.
func (m *Manager) Lock(ctx context.Context, lockID string) (BridgeLock, error) {
	lock, ok, err := m.load(ctx, lockID)
	if err != nil {
		return BridgeLock{}, err
	}
	if !ok {
		return BridgeLock{}, fmt.Errorf("%w: %s", ErrLockNotFound, lockID)
	}
	return lock, nil
}

func (m *Manager) load(ctx context.Context, lockID string) (BridgeLock, bool, error) {
	lock, err := m.store.Get(ctx, lockID)
	switch {
	case err == nil:
		return lock, true, nil
	case errors.Is(err, ErrLockNotFound):
		return BridgeLock{}, false, nil
	default:
		return BridgeLock{}, false, fmt.Errorf("%w: load lock %s: %v", ErrPersistence, lockID, err)
	}
}

func (m *Manager) reject(ctx context.Context, op, reason string, lock BridgeLock, height uint64) {
	m.recorder.RecordLockRejected(ctx, op, reason)
	m.logger.Debugw("Lock operation rejected",
		"op", op,
		"reason", reason,
		"lockId", lock.ID,
		"state", lock.State.String(),
		"height", height,
		"timeoutHeight", lock.TimeoutHeight,
	)
}

func (m *Manager) emit(ctx context.Context, typ EventType, lock BridgeLock, height uint64) {
	m.recorder.RecordLockTransition(ctx, lock.Chain, string(typ))
	if m.observer == nil {
		return
	}
	m.observer.OnLockEvent(ctx, LockEvent{
		Type:   typ,
		Lock:   lock,
		Height: height,
		At:     m.now().UTC(),
	})
}
