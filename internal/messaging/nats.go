// Package messaging provides the NATS client wrapper used to fan out match
// and session events across Ventline instances. It handles connection
// lifecycle, subject-based subscriptions, and convenience methods for the
// match and session channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectMatchFound   = "match.found"   // + .<participant_id>
	SubjectQueueTimeout = "queue.timeout" // + .<participant_id>
	SubjectSession      = "session"       // + .<session_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "ventline",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMatchFound publishes a match notification addressed to one
// participant.
func (c *NATSClient) PublishMatchFound(participantID string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+participantID, data)
}

// SubscribeMatchFound subscribes to match notifications for a participant.
func (c *NATSClient) SubscribeMatchFound(participantID string, handler func(data []byte)) error {
	subject := SubjectMatchFound + "." + participantID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeMatchFound unsubscribes a participant's match subscription.
func (c *NATSClient) UnsubscribeMatchFound(participantID string) error {
	return c.unsubscribe(SubjectMatchFound + "." + participantID)
}

// PublishQueueTimeout publishes a queue expiry notification addressed to
// one participant.
func (c *NATSClient) PublishQueueTimeout(participantID string, data []byte) error {
	return c.Publish(SubjectQueueTimeout+"."+participantID, data)
}

// SubscribeQueueTimeout subscribes to queue expiry notifications for a
// participant.
func (c *NATSClient) SubscribeQueueTimeout(participantID string, handler func(data []byte)) error {
	subject := SubjectQueueTimeout + "." + participantID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeQueueTimeout unsubscribes a participant's queue expiry
// subscription.
func (c *NATSClient) UnsubscribeQueueTimeout(participantID string) error {
	return c.unsubscribe(SubjectQueueTimeout + "." + participantID)
}

// PublishSessionEvent publishes an event to the session.<sessionID> subject.
func (c *NATSClient) PublishSessionEvent(sessionID string, data []byte) error {
	return c.Publish(SubjectSession+"."+sessionID, data)
}

// SubscribeSession subscribes to the session.<sessionID> subject for one
// connected participant. The subscription is keyed by participantID so both
// members of a session on the same server can subscribe without
// overwriting each other.
func (c *NATSClient) SubscribeSession(sessionID, participantID string, handler func(data []byte)) error {
	subject := SubjectSession + "." + sessionID
	key := "sessionsub:" + participantID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeSession unsubscribes a participant's session subscription.
func (c *NATSClient) UnsubscribeSession(participantID string) error {
	return c.unsubscribe("sessionsub:" + participantID)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
