package bridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Hash is a 32-byte digest, rendered as lowercase hex in JSON.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the all-zero digest.
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64 character hex string, with or without a 0x prefix.
// An empty string is an error.
func ParseHash(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return h, errors.New("hash is required")
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Direction records whether this bridge created a lock or observed it elsewhere.
type Direction uint8

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "outbound"
	case DirectionInbound:
		return "inbound"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "outbound":
		*d = DirectionOutbound
	case "inbound":
		*d = DirectionInbound
	default:
		return fmt.Errorf("unknown direction %q", text)
	}
	return nil
}

// State is a lock's position in the hashed-timelock state machine.
type State uint8

const (
	StateInitiated State = iota
	StateClaimed
	StateRefunded
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateClaimed:
		return "claimed"
	case StateRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "initiated":
		*s = StateInitiated
	case "claimed":
		*s = StateClaimed
	case "refunded":
		*s = StateRefunded
	default:
		return fmt.Errorf("unknown state %q", text)
	}
	return nil
}

// BridgeLock is a hashed-timelock commitment on a source chain.
type BridgeLock struct {
	ID            string    `json:"id"`
	Chain         string    `json:"chain"`
	TxID          string    `json:"txid"`
	Destination   string    `json:"destination"`
	Amount        uint64    `json:"amount"`
	SecretHash    Hash      `json:"secretHash"`
	TimeoutHeight uint64    `json:"timeoutHeight"`
	Direction     Direction `json:"direction"`
	State         State     `json:"state"`
}

// ChainConfig describes a foreign chain the bridge talks to.
type ChainConfig struct {
	// RPCEndpoint is polled for proofs. Empty disables polling.
	RPCEndpoint string `json:"rpcEndpoint"`
	// Family selects the header digest used by proof verification.
	Family string `json:"family,omitempty"`
	// ProofPolicy selects the verifier plugin; empty means structural.
	ProofPolicy string `json:"proofPolicy,omitempty"`
	// PollInterval overrides the relayer default when non-zero.
	PollInterval time.Duration     `json:"pollInterval,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
}

// PollingEnabled reports whether the relayer should issue requests for this chain.
func (c ChainConfig) PollingEnabled() bool {
	return strings.TrimSpace(c.RPCEndpoint) != ""
}

// EventType names a persisted lock transition.
type EventType string

const (
	EventInitiated EventType = "initiated"
	EventDetected  EventType = "detected"
	EventClaimed   EventType = "claimed"
	EventRefunded  EventType = "refunded"
)

// LockEvent is emitted after a transition has been persisted.
type LockEvent struct {
	Type   EventType  `json:"type"`
	Lock   BridgeLock `json:"lock"`
	Height uint64     `json:"height,omitempty"`
	At     time.Time  `json:"at"`
}

// Observer receives lock events. Implementations must not block for long;
// they run on the caller's goroutine after the lock mutex is released.
type Observer interface {
	OnLockEvent(ctx context.Context, ev LockEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, ev LockEvent)

func (f ObserverFunc) OnLockEvent(ctx context.Context, ev LockEvent) { f(ctx, ev) }

// Recorder receives counters about lock activity.
type Recorder interface {
	RecordLockTransition(ctx context.Context, chain, transition string)
	RecordLockRejected(ctx context.Context, operation, reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordLockTransition(context.Context, string, string) {}
func (nopRecorder) RecordLockRejected(context.Context, string, string)   {}
