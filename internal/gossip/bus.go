package gossip

import "context"

// Message is a payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus is the network handle nodes publish announcements on.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers messages for topics until ctx is done or the
	// subscription is closed.
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Close() error
}

type Subscription interface {
	Messages() <-chan Message
	Close() error
}
