package relayer

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/drachma/drachma-bridge/internal/bridge"
	"github.com/drachma/drachma-bridge/internal/proof"
)

// PollResponse is the body a chain endpoint answers a poll with.
type PollResponse struct {
	Candidates []Candidate `json:"candidates"`
}

// Candidate is an observed lock and the proofs offered for it.
type Candidate struct {
	Proofs []ProofJSON `json:"proofs"`
	Lock   LockJSON    `json:"lock"`
}

type ProofJSON struct {
	Height    uint64 `json:"height"`
	Header    string `json:"header"`
	RawHeader string `json:"rawHeader,omitempty"`
}

// LockJSON carries no id or state: both are derived locally.
type LockJSON struct {
	Chain         string      `json:"chain"`
	TxID          string      `json:"txid"`
	Destination   string      `json:"destination"`
	Amount        uint64      `json:"amount"`
	SecretHash    bridge.Hash `json:"secretHash"`
	TimeoutHeight uint64      `json:"timeoutHeight"`
}

type candidate struct {
	proofs []proof.HeaderProof
	lock   bridge.BridgeLock
}

func (p PollResponse) toCandidates() ([]candidate, error) {
	out := make([]candidate, 0, len(p.Candidates))
	for i, c := range p.Candidates {
		proofs, lock, err := c.Decode()
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		out = append(out, candidate{proofs: proofs, lock: lock})
	}
	return out, nil
}

// Decode converts the wire form into manager inputs.
func (c Candidate) Decode() ([]proof.HeaderProof, bridge.BridgeLock, error) {
	if c.Lock.SecretHash.IsZero() {
		return nil, bridge.BridgeLock{}, fmt.Errorf("lock %s: secretHash is required", c.Lock.TxID)
	}
	proofs := make([]proof.HeaderProof, 0, len(c.Proofs))
	for j, dto := range c.Proofs {
		hp, err := dto.toProof(c.Lock.TxID)
		if err != nil {
			return nil, bridge.BridgeLock{}, fmt.Errorf("proof %d: %w", j, err)
		}
		proofs = append(proofs, hp)
	}
	lock := bridge.BridgeLock{
		Chain:         c.Lock.Chain,
		TxID:          c.Lock.TxID,
		Destination:   c.Lock.Destination,
		Amount:        c.Lock.Amount,
		SecretHash:    c.Lock.SecretHash,
		TimeoutHeight: c.Lock.TimeoutHeight,
	}
	return proofs, lock, nil
}

func (d ProofJSON) toProof(txid string) (proof.HeaderProof, error) {
	hp := proof.HeaderProof{Height: d.Height, TxID: txid}
	if d.Header != "" {
		header, err := bridge.ParseHash(d.Header)
		if err != nil {
			return hp, fmt.Errorf("header: %w", err)
		}
		hp.Header = header
	}
	if raw := strings.TrimPrefix(d.RawHeader, "0x"); raw != "" {
		decoded, err := hex.DecodeString(raw)
		if err != nil {
			return hp, fmt.Errorf("raw header: %w", err)
		}
		hp.RawHeader = decoded
	}
	return hp, nil
}
