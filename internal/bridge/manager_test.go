package bridge_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drachma/drachma-bridge/internal/bridge"
	"github.com/drachma/drachma-bridge/internal/lockstore"
	"github.com/drachma/drachma-bridge/internal/proof"
	"github.com/drachma/drachma-bridge/pkg/kv/memory"
)

var signingKey = bytes.Repeat([]byte{0x11}, 32)

func newManager(t *testing.T, opts ...bridge.ManagerOption) *bridge.Manager {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	m, err := bridge.NewManager(lockstore.NewKVStore(memory.New()), logger.Sugar(), opts...)
	require.NoError(t, err)
	return m
}

type eventLog struct {
	mu     sync.Mutex
	events []bridge.LockEvent
}

func (l *eventLog) OnLockEvent(_ context.Context, ev bridge.LockEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []bridge.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bridge.EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

// failingStore fails every write once armed.
type failingStore struct {
	bridge.LockStore
	fail atomic.Bool
}

func (s *failingStore) Put(ctx context.Context, lock bridge.BridgeLock) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.LockStore.Put(ctx, lock)
}

func TestOutboundLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.RegisterChain("bitcoin", bridge.ChainConfig{}))

	secret := []byte("secret")
	lock, sig, err := m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, bridge.HashSecret(secret), 100, signingKey)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	assert.Equal(t, bridge.StateInitiated, lock.State)
	assert.Equal(t, bridge.DirectionOutbound, lock.Direction)

	key, err := bridge.ParseSigningKey(signingKey)
	require.NoError(t, err)
	assert.True(t, bridge.VerifyCommitment(lock, sig, key.PubKey().SerializeCompressed()))

	ok, claimSig, err := m.Claim(ctx, lock.ID, secret, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, claimSig)

	msg, err := bridge.ClaimMessage(lock.ID, secret, 10)
	require.NoError(t, err)
	assert.True(t, bridge.VerifySignature(m.NodePublicKey(), claimSig, msg))

	ok, err = m.Refund(ctx, lock.ID, 50)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Refund(ctx, lock.ID, 150)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := m.Lock(ctx, lock.ID)
	require.NoError(t, err)
	assert.Equal(t, bridge.StateRefunded, stored.State)
}

func TestInboundDetection(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.RegisterChain("litecoin", bridge.ChainConfig{}))

	observed := bridge.BridgeLock{Chain: "litecoin", Destination: "drachma", Amount: 100, TimeoutHeight: 50}
	ok, err := m.DetectInboundLock(ctx, "litecoin", []proof.HeaderProof{{Height: 1}}, observed)
	require.NoError(t, err)
	assert.True(t, ok)

	pending, err := m.PendingFor(ctx, "drachma")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "litecoin", pending[0].Chain)
	assert.Equal(t, uint64(100), pending[0].Amount)
	assert.Equal(t, bridge.DirectionInbound, pending[0].Direction)
	assert.Equal(t, bridge.StateInitiated, pending[0].State)

	// Seen again: accepted without a second record.
	ok, err = m.DetectInboundLock(ctx, "litecoin", []proof.HeaderProof{{Height: 1}}, observed)
	require.NoError(t, err)
	assert.True(t, ok)
	pending, err = m.PendingFor(ctx, "drachma")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestClaimRejections(t *testing.T) {
	ctx := context.Background()
	secret := []byte("secret")

	setup := func(t *testing.T) (*bridge.Manager, bridge.BridgeLock) {
		m := newManager(t)
		require.NoError(t, m.RegisterChain("bitcoin", bridge.ChainConfig{}))
		lock, _, err := m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, bridge.HashSecret(secret), 100, signingKey)
		require.NoError(t, err)
		return m, lock
	}

	t.Run("wrong secret", func(t *testing.T) {
		m, lock := setup(t)
		ok, sig, err := m.Claim(ctx, lock.ID, []byte("guess"), 10)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, sig)

		stored, _ := m.Lock(ctx, lock.ID)
		assert.Equal(t, bridge.StateInitiated, stored.State)
	})

	t.Run("at timeout height", func(t *testing.T) {
		m, lock := setup(t)
		ok, _, err := m.Claim(ctx, lock.ID, secret, 100)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("one block before timeout", func(t *testing.T) {
		m, lock := setup(t)
		ok, _, err := m.Claim(ctx, lock.ID, secret, 99)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("double claim", func(t *testing.T) {
		m, lock := setup(t)
		ok, _, err := m.Claim(ctx, lock.ID, secret, 10)
		require.NoError(t, err)
		require.True(t, ok)

		ok, _, err = m.Claim(ctx, lock.ID, secret, 11)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown lock", func(t *testing.T) {
		m, _ := setup(t)
		ok, _, err := m.Claim(ctx, "missing", secret, 10)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("after refund", func(t *testing.T) {
		m, lock := setup(t)
		ok, err := m.Refund(ctx, lock.ID, 100)
		require.NoError(t, err)
		require.True(t, ok)

		ok, _, err = m.Claim(ctx, lock.ID, secret, 10)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	secret := []byte("secret")

	t.Run("boundary", func(t *testing.T) {
		m := newManager(t)
		require.NoError(t, m.RegisterChain("bitcoin", bridge.ChainConfig{}))
		lock, _, err := m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, bridge.HashSecret(secret), 100, signingKey)
		require.NoError(t, err)

		ok, err := m.Refund(ctx, lock.ID, 99)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = m.Refund(ctx, lock.ID, 100)
		require.NoError(t, err)
		assert.True(t, ok)

		// Refunding twice is a no-op success.
		ok, err = m.Refund(ctx, lock.ID, 200)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("unknown lock", func(t *testing.T) {
		m := newManager(t)
		ok, err := m.Refund(ctx, "missing", 1000)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("strict mode keeps claimed locks", func(t *testing.T) {
		m := newManager(t, bridge.WithStrictRefund(true))
		require.NoError(t, m.RegisterChain("bitcoin", bridge.ChainConfig{}))
		lock, _, err := m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, bridge.HashSecret(secret), 100, signingKey)
		require.NoError(t, err)

		ok, _, err := m.Claim(ctx, lock.ID, secret, 10)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = m.Refund(ctx, lock.ID, 150)
		require.NoError(t, err)
		assert.False(t, ok)

		stored, _ := m.Lock(ctx, lock.ID)
		assert.Equal(t, bridge.StateClaimed, stored.State)
	})
}

func TestInitiateOutboundLockRejections(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.RegisterChain("bitcoin", bridge.ChainConfig{}))
	hash := bridge.HashSecret([]byte("secret"))

	_, _, err := m.InitiateOutboundLock(ctx, "dogecoin", "tx1", "addr", 50, hash, 100, signingKey)
	assert.ErrorIs(t, err, bridge.ErrUnknownChain)

	_, _, err = m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, bridge.Hash{}, 100, signingKey)
	assert.ErrorIs(t, err, bridge.ErrInvalidRequest)

	_, _, err = m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, hash, 100, []byte{1, 2, 3})
	assert.ErrorIs(t, err, bridge.ErrCrypto)

	_, _, err = m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, hash, 100, make([]byte, 32))
	assert.ErrorIs(t, err, bridge.ErrCrypto)

	_, _, err = m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, hash, 100, signingKey)
	require.NoError(t, err)
	_, _, err = m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, hash, 100, signingKey)
	assert.ErrorIs(t, err, bridge.ErrLockExists)
}

func TestDetectInboundLockRejections(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.RegisterChain("litecoin", bridge.ChainConfig{}))
	require.NoError(t, m.RegisterChain("closed", bridge.ChainConfig{ProofPolicy: proof.PolicyReject}))

	observed := bridge.BridgeLock{Destination: "drachma", Amount: 1, TimeoutHeight: 10}

	tests := []struct {
		name   string
		chain  string
		proofs []proof.HeaderProof
		lock   bridge.BridgeLock
	}{
		{"unknown chain", "dogecoin", []proof.HeaderProof{{Height: 1}}, observed},
		{"no proofs", "litecoin", nil, observed},
		{"zero height", "litecoin", []proof.HeaderProof{{Height: 0}}, observed},
		{"reject policy", "closed", []proof.HeaderProof{{Height: 1}}, observed},
		{"chain mismatch", "litecoin", []proof.HeaderProof{{Height: 1}}, bridge.BridgeLock{Chain: "bitcoin", Destination: "drachma"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := m.DetectInboundLock(ctx, tt.chain, tt.proofs, tt.lock)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	pending, err := m.PendingFor(ctx, "drachma")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDetectAcceptsAnyValidProof(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.RegisterChain("litecoin", bridge.ChainConfig{}))

	proofs := []proof.HeaderProof{{Height: 0}, {Height: 7}}
	ok, err := m.DetectInboundLock(ctx, "litecoin", proofs, bridge.BridgeLock{TxID: "abc", Destination: "drachma"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDetectCollidingWithOutbound(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.RegisterChain("bitcoin", bridge.ChainConfig{}))

	hash := bridge.HashSecret([]byte("secret"))
	lock, _, err := m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, hash, 100, signingKey)
	require.NoError(t, err)

	ok, err := m.DetectInboundLock(ctx, "bitcoin", []proof.HeaderProof{{Height: 1}}, bridge.BridgeLock{TxID: "tx1", SecretHash: hash, Destination: "addr"})
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := m.Lock(ctx, lock.ID)
	require.NoError(t, err)
	assert.Equal(t, bridge.DirectionOutbound, stored.Direction)
}

func TestPendingForExcludesClaimedAndOutbound(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.RegisterChain("litecoin", bridge.ChainConfig{}))

	secret := []byte("inbound-secret")
	observed := bridge.BridgeLock{TxID: "in1", Destination: "drachma", Amount: 5, SecretHash: bridge.HashSecret(secret), TimeoutHeight: 100}
	ok, err := m.DetectInboundLock(ctx, "litecoin", []proof.HeaderProof{{Height: 3}}, observed)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = m.InitiateOutboundLock(ctx, "litecoin", "out1", "drachma", 5, bridge.HashSecret([]byte("x")), 100, signingKey)
	require.NoError(t, err)

	pending, err := m.PendingFor(ctx, "drachma")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	elsewhere, err := m.PendingFor(ctx, "elsewhere")
	require.NoError(t, err)
	assert.Empty(t, elsewhere)

	ok, _, err = m.Claim(ctx, pending[0].ID, secret, 10)
	require.NoError(t, err)
	require.True(t, ok)

	pending, err = m.PendingFor(ctx, "drachma")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConcurrentClaimsSucceedOnce(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.RegisterChain("bitcoin", bridge.ChainConfig{}))

	secret := []byte("secret")
	lock, _, err := m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, bridge.HashSecret(secret), 100, signingKey)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := m.Claim(ctx, lock.ID, secret, 10)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestConcurrentLocksAcrossChains(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.RegisterChain("bitcoin", bridge.ChainConfig{}))
	require.NoError(t, m.RegisterChain("litecoin", bridge.ChainConfig{}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _, err := m.InitiateOutboundLock(ctx, "bitcoin", fmt.Sprintf("tx%d", i), "addr", 1, bridge.HashSecret([]byte{byte(i)}), 100, signingKey)
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			ok, err := m.DetectInboundLock(ctx, "litecoin", []proof.HeaderProof{{Height: 1}},
				bridge.BridgeLock{TxID: fmt.Sprintf("in%d", i), Destination: "drachma", TimeoutHeight: 100})
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()

	pending, err := m.PendingFor(ctx, "drachma")
	require.NoError(t, err)
	assert.Len(t, pending, 20)
}

func TestPersistenceFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{LockStore: lockstore.NewKVStore(memory.New())}
	m, err := bridge.NewManager(store, nil)
	require.NoError(t, err)
	require.NoError(t, m.RegisterChain("bitcoin", bridge.ChainConfig{}))

	secret := []byte("secret")
	lock, _, err := m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, bridge.HashSecret(secret), 100, signingKey)
	require.NoError(t, err)

	store.fail.Store(true)
	ok, _, err := m.Claim(ctx, lock.ID, secret, 10)
	assert.ErrorIs(t, err, bridge.ErrPersistence)
	assert.False(t, ok)

	_, _, err = m.InitiateOutboundLock(ctx, "bitcoin", "tx2", "addr", 50, bridge.HashSecret(secret), 100, signingKey)
	assert.ErrorIs(t, err, bridge.ErrPersistence)

	store.fail.Store(false)
	stored, err := m.Lock(ctx, lock.ID)
	require.NoError(t, err)
	assert.Equal(t, bridge.StateInitiated, stored.State)
}

func TestObserverReceivesTransitions(t *testing.T) {
	ctx := context.Background()
	log := &eventLog{}
	m := newManager(t, bridge.WithObserver(log))
	require.NoError(t, m.RegisterChain("bitcoin", bridge.ChainConfig{}))

	secret := []byte("secret")
	lock, _, err := m.InitiateOutboundLock(ctx, "bitcoin", "tx1", "addr", 50, bridge.HashSecret(secret), 100, signingKey)
	require.NoError(t, err)
	_, _, err = m.Claim(ctx, lock.ID, []byte("wrong"), 10)
	require.NoError(t, err)
	_, _, err = m.Claim(ctx, lock.ID, secret, 10)
	require.NoError(t, err)
	_, err = m.Refund(ctx, lock.ID, 150)
	require.NoError(t, err)
	_, err = m.DetectInboundLock(ctx, "bitcoin", []proof.HeaderProof{{Height: 1}}, bridge.BridgeLock{TxID: "in", Destination: "d"})
	require.NoError(t, err)

	assert.Equal(t, []bridge.EventType{
		bridge.EventInitiated,
		bridge.EventClaimed,
		bridge.EventRefunded,
		bridge.EventDetected,
	}, log.types())
}

func TestRegisterChain(t *testing.T) {
	m := newManager(t)

	assert.ErrorIs(t, m.RegisterChain("", bridge.ChainConfig{}), bridge.ErrInvalidRequest)
	assert.ErrorIs(t, m.RegisterChain("x", bridge.ChainConfig{ProofPolicy: "magic"}), bridge.ErrInvalidRequest)
	assert.ErrorIs(t, m.RegisterChain("x", bridge.ChainConfig{Family: "cosmos"}), bridge.ErrInvalidRequest)
	assert.False(t, m.Chains().Has("x"))

	require.NoError(t, m.RegisterChain("bitcoin", bridge.ChainConfig{Family: proof.FamilyBitcoin, RPCEndpoint: "http://a"}))
	require.NoError(t, m.RegisterChain("bitcoin", bridge.ChainConfig{Family: proof.FamilyBitcoin, RPCEndpoint: "http://b"}))
	cfg, ok := m.Chains().Get("bitcoin")
	require.True(t, ok)
	assert.Equal(t, "http://b", cfg.RPCEndpoint)
}

func TestWithNodeKey(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	m := newManager(t, bridge.WithNodeKey(key))
	assert.Equal(t, key.PubKey().SerializeCompressed(), m.NodePublicKey())
}

func TestNewManagerRequiresStore(t *testing.T) {
	_, err := bridge.NewManager(nil, nil)
	assert.ErrorIs(t, err, bridge.ErrInvalidRequest)
}
