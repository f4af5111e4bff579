// Package proof decides whether evidence relayed from a foreign chain is
// acceptable. Verification is pluggable per chain; a chain without a plugin
// rejects everything.
package proof

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Chain families with a known header digest.
const (
	FamilyGeneric = ""
	FamilyBitcoin = "bitcoin"
	FamilyEVM     = "evm"
)

// Verification policies a chain can be configured with.
const (
	PolicyStructural = "structural"
	PolicyAnchored   = "anchored"
	PolicyReject     = "reject"
)

// DefaultMaxHeight bounds what counts as a plausible block height.
const DefaultMaxHeight uint64 = 1 << 32

// bitcoinHeaderSize is the serialized size of a bitcoin block header.
const bitcoinHeaderSize = 80

// HeaderProof is evidence that a lock-creating transaction exists at Height.
type HeaderProof struct {
	Height uint64
	// Header is the block header digest in internal byte order.
	Header [32]byte
	// RawHeader optionally carries the serialized header so the digest can be recomputed.
	RawHeader []byte
	// TxID optionally names the transaction the proof is about.
	TxID string
}

// Verifier accepts or rejects a proof for a chain.
type Verifier interface {
	Verify(chain string, p HeaderProof) bool
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(chain string, p HeaderProof) bool

func (f VerifierFunc) Verify(chain string, p HeaderProof) bool { return f(chain, p) }

// Reject never accepts a proof.
type Reject struct{}

func (Reject) Verify(string, HeaderProof) bool { return false }

// Structural checks that a proof is well formed: a plausible height and,
// when the raw header is supplied, a digest that matches Header.
type Structural struct {
	Family    string
	MaxHeight uint64
}

func (s Structural) Verify(_ string, p HeaderProof) bool {
	maxHeight := s.MaxHeight
	if maxHeight == 0 {
		maxHeight = DefaultMaxHeight
	}
	if p.Height == 0 || p.Height > maxHeight {
		return false
	}
	if len(p.RawHeader) == 0 {
		return true
	}
	digest, err := HeaderDigest(s.Family, p.RawHeader)
	if err != nil {
		return false
	}
	return digest == p.Header
}

// Anchored additionally requires the header to match the one tracked
// locally at that height. Untracked heights are rejected.
type Anchored struct {
	Structural
	Tracker *HeaderTracker
}

func (a Anchored) Verify(chain string, p HeaderProof) bool {
	if !a.Structural.Verify(chain, p) {
		return false
	}
	if a.Tracker == nil {
		return false
	}
	tracked, ok := a.Tracker.Lookup(chain, p.Height)
	return ok && tracked == p.Header
}

// HeaderDigest hashes a serialized header the way the chain family does.
func HeaderDigest(family string, raw []byte) ([32]byte, error) {
	var out [32]byte
	switch family {
	case FamilyBitcoin:
		if len(raw) != bitcoinHeaderSize {
			return out, fmt.Errorf("bitcoin header must be %d bytes, got %d", bitcoinHeaderSize, len(raw))
		}
		first := sha256.Sum256(raw)
		return sha256.Sum256(first[:]), nil
	case FamilyEVM:
		h := sha3.NewLegacyKeccak256()
		_, _ = h.Write(raw)
		copy(out[:], h.Sum(nil))
		return out, nil
	case FamilyGeneric:
		return sha256.Sum256(raw), nil
	default:
		return out, fmt.Errorf("unknown chain family %q", family)
	}
}

// ForPolicy builds the verifier a chain's configuration asks for.
func ForPolicy(policy, family string, tracker *HeaderTracker) (Verifier, error) {
	switch family {
	case FamilyGeneric, FamilyBitcoin, FamilyEVM:
	default:
		return nil, fmt.Errorf("unknown chain family %q", family)
	}

	switch policy {
	case "", PolicyStructural:
		return Structural{Family: family}, nil
	case PolicyAnchored:
		if tracker == nil {
			return nil, fmt.Errorf("anchored policy needs a header tracker")
		}
		return Anchored{Structural: Structural{Family: family}, Tracker: tracker}, nil
	case PolicyReject:
		return Reject{}, nil
	default:
		return nil, fmt.Errorf("unknown proof policy %q", policy)
	}
}
