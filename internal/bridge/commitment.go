package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/fardream/go-bcs/bcs"
)

// Domain tags keep a commitment signature from being replayed as a claim and vice versa.
const (
	commitmentTag = "drachma-bridge/lock/v1"
	claimTag      = "drachma-bridge/claim/v1"
)

// LockID derives the identifier of a lock from its defining fields.
func LockID(chain, txid string, secretHash Hash) string {
	h := sha256.New()
	h.Write([]byte(chain))
	h.Write([]byte{0})
	h.Write([]byte(txid))
	h.Write([]byte{0})
	h.Write(secretHash[:])
	return hex.EncodeToString(h.Sum(nil))
}

// HashSecret returns the digest a lock's SecretHash must equal.
func HashSecret(secret []byte) Hash {
	return sha256.Sum256(secret)
}

type commitment struct {
	Tag           string
	ID            string
	Chain         string
	TxID          string
	Destination   string
	Amount        uint64
	SecretHash    []byte
	TimeoutHeight uint64
}

type claimMessage struct {
	Tag    string
	LockID string
	Secret []byte
	Height uint64
}

// CommitmentMessage is the byte string an outbound lock's signature covers.
func CommitmentMessage(lock BridgeLock) ([]byte, error) {
	msg, err := bcs.Marshal(commitment{
		Tag:           commitmentTag,
		ID:            lock.ID,
		Chain:         lock.Chain,
		TxID:          lock.TxID,
		Destination:   lock.Destination,
		Amount:        lock.Amount,
		SecretHash:    lock.SecretHash[:],
		TimeoutHeight: lock.TimeoutHeight,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode commitment: %v", ErrCrypto, err)
	}
	return msg, nil
}

// ClaimMessage is the byte string a claim signature covers.
func ClaimMessage(lockID string, secret []byte, height uint64) ([]byte, error) {
	msg, err := bcs.Marshal(claimMessage{
		Tag:    claimTag,
		LockID: lockID,
		Secret: secret,
		Height: height,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode claim: %v", ErrCrypto, err)
	}
	return msg, nil
}

// ParseSigningKey validates a raw 32-byte secp256k1 scalar.
func ParseSigningKey(raw []byte) (*secp256k1.PrivateKey, error) {
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: signing key must be %d bytes, got %d", ErrCrypto, secp256k1.PrivKeyBytesLen, len(raw))
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("%w: signing key out of range", ErrCrypto)
	}
	return secp256k1.NewPrivateKey(&scalar), nil
}

// sign returns the DER encoded signature over sha256(msg).
func sign(key *secp256k1.PrivateKey, msg []byte) []byte {
	digest := sha256.Sum256(msg)
	return ecdsa.Sign(key, digest[:]).Serialize()
}

// VerifySignature checks a DER signature over sha256(msg) against a serialized public key.
func VerifySignature(pubKey, sig, msg []byte) bool {
	pub, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return parsed.Verify(digest[:], pub)
}

// VerifyCommitment checks an outbound lock signature.
func VerifyCommitment(lock BridgeLock, sig, pubKey []byte) bool {
	msg, err := CommitmentMessage(lock)
	if err != nil {
		return false
	}
	return VerifySignature(pubKey, sig, msg)
}
