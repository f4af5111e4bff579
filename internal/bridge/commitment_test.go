package bridge

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockIDIsDeterministic(t *testing.T) {
	h := HashSecret([]byte("s"))

	a := LockID("bitcoin", "tx1", h)
	assert.Equal(t, a, LockID("bitcoin", "tx1", h))
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, LockID("litecoin", "tx1", h))
	assert.NotEqual(t, a, LockID("bitcoin", "tx2", h))
	assert.NotEqual(t, a, LockID("bitcoin", "tx1", HashSecret([]byte("t"))))
	// The separator keeps field boundaries unambiguous.
	assert.NotEqual(t, LockID("ab", "c", h), LockID("a", "bc", h))
}

func TestHashSecretKnownVector(t *testing.T) {
	h := HashSecret([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h.String())
}

func TestParseSigningKey(t *testing.T) {
	valid := bytes.Repeat([]byte{0x01}, 32)
	order, err := hex.DecodeString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")
	require.NoError(t, err)

	tests := []struct {
		name    string
		raw     []byte
		wantErr bool
	}{
		{"valid", valid, false},
		{"empty", nil, true},
		{"short", valid[:31], true},
		{"long", append(append([]byte(nil), valid...), 0x01), true},
		{"zero", make([]byte, 32), true},
		{"curve order", order, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseSigningKey(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrCrypto)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, key)
		})
	}
}

func TestCommitmentSignature(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	pub := key.PubKey().SerializeCompressed()

	lock := sampleLock()
	msg, err := CommitmentMessage(lock)
	require.NoError(t, err)
	sig := sign(key, msg)

	assert.True(t, VerifyCommitment(lock, sig, pub))

	tampered := lock
	tampered.Amount++
	assert.False(t, VerifyCommitment(tampered, sig, pub))

	other, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	assert.False(t, VerifyCommitment(lock, sig, other.PubKey().SerializeCompressed()))

	assert.False(t, VerifySignature(pub, []byte("not der"), msg))
	assert.False(t, VerifySignature([]byte{0x02}, sig, msg))
}

func TestClaimAndCommitmentMessagesDiffer(t *testing.T) {
	lock := sampleLock()
	commit, err := CommitmentMessage(lock)
	require.NoError(t, err)
	claim, err := ClaimMessage(lock.ID, []byte("secret"), 10)
	require.NoError(t, err)
	assert.NotEqual(t, commit, claim)
}
