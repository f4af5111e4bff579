// Package gossip carries bridge announcements between nodes. It treats the
// network as a topic-based pub/sub handle; the transport is either an
// in-process hub or Redis.
package gossip

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fardream/go-bcs/bcs"
)

// EnvelopeVersion is the only envelope layout this node understands.
const EnvelopeVersion uint32 = 1

// Topics used by the bridge.
const (
	TopicInbound = "bridge:gossip:inbound"
	TopicEvents  = "bridge:events"
)

var ErrBadEnvelope = errors.New("malformed gossip envelope")

// Envelope wraps an announcement with its origin and intended recipient.
// An empty Destination addresses every peer.
type Envelope struct {
	Version     uint32
	Source      string
	Destination string
	Payload     []byte
}

func NewEnvelope(source, destination string, payload []byte) Envelope {
	return Envelope{
		Version:     EnvelopeVersion,
		Source:      source,
		Destination: destination,
		Payload:     payload,
	}
}

func (e Envelope) Encode() ([]byte, error) {
	data, err := bcs.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Hash identifies an envelope for deduplication.
func (e Envelope) Hash() ([32]byte, error) {
	data, err := e.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	n, err := bcs.Unmarshal(data, &e)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if n != len(data) {
		return Envelope{}, fmt.Errorf("%w: %d trailing bytes", ErrBadEnvelope, len(data)-n)
	}
	if e.Version != EnvelopeVersion {
		return Envelope{}, fmt.Errorf("%w: unsupported version %d", ErrBadEnvelope, e.Version)
	}
	return e, nil
}
