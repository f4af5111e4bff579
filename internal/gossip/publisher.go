package gossip

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/drachma/drachma-bridge/internal/bridge"
)

// EventPublisher forwards persisted lock transitions to TopicEvents. It
// satisfies bridge.Observer; publish failures are logged and dropped.
type EventPublisher struct {
	bus    Bus
	source string
	logger *zap.SugaredLogger
}

func NewEventPublisher(bus Bus, source string, logger *zap.SugaredLogger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventPublisher{bus: bus, source: source, logger: logger}
}

func (p *EventPublisher) OnLockEvent(ctx context.Context, ev bridge.LockEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Errorw("Failed to encode lock event", "lockId", ev.Lock.ID, "error", err)
		return
	}
	if err := Announce(ctx, p.bus, TopicEvents, NewEnvelope(p.source, "", body)); err != nil {
		p.logger.Warnw("Failed to publish lock event",
			"type", ev.Type,
			"lockId", ev.Lock.ID,
			"error", err,
		)
	}
}

// Announce encodes env and publishes it on topic.
func Announce(ctx context.Context, bus Bus, topic string, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return bus.Publish(ctx, topic, data)
}

// DecodeLockEvent unwraps an envelope published by EventPublisher.
func DecodeLockEvent(data []byte) (Envelope, bridge.LockEvent, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return Envelope{}, bridge.LockEvent{}, err
	}
	var ev bridge.LockEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return Envelope{}, bridge.LockEvent{}, err
	}
	return env, ev, nil
}
