package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/duetp2p/duet/internal/signal"
)

const (
	// joinTimeout bounds topic join and publish. A subscribe or send that
	// has not completed by then reports ErrUnavailable; callers must treat
	// that as "unknown", not "not delivered".
	joinTimeout = 10 * time.Second

	connectTimeout = 3 * time.Second
)

// ErrUnavailable is returned when a channel cannot be joined or written
// within the bounded wait.
var ErrUnavailable = errors.New("transport: channel unavailable")

// Handler receives one decoded signal. Handlers on the same subscription are
// invoked sequentially in delivery order, never concurrently.
type Handler func(*signal.CallSignal)

// Transport implements inbox and room channels over gossipsub. Topic handles
// are refcounted so that a send and a subscription on the same channel share
// one join, and the topic is left once the last user is gone.
type Transport struct {
	node *Node

	mu     sync.Mutex
	topics map[string]*topicRef
}

type topicRef struct {
	topic *pubsub.Topic
	refs  int
}

// Subscription is the cancel handle for one inbox or room subscription.
type Subscription struct {
	t      *Transport
	name   string
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	once   sync.Once
}

// New wraps a Node with the channel addressing layer.
func New(node *Node) *Transport {
	return &Transport{
		node:   node,
		topics: make(map[string]*topicRef),
	}
}

// acquireTopic joins a topic (or bumps the refcount of an existing join).
func (t *Transport) acquireTopic(name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ref, ok := t.topics[name]; ok {
		ref.refs++
		return ref.topic, nil
	}
	topic, err := t.node.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("%w: join %s: %v", ErrUnavailable, name, err)
	}
	t.topics[name] = &topicRef{topic: topic, refs: 1}
	return topic, nil
}

// releaseTopic drops one reference; the topic is closed when none remain.
func (t *Transport) releaseTopic(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.topics[name]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs > 0 {
		return
	}
	delete(t.topics, name)
	if err := ref.topic.Close(); err != nil {
		log.Printf("TRANSPORT: close topic %s: %v", name, err)
	}
}

// SendToInbox publishes a signal on the recipient account's inbox channel.
// Best-effort, at-most-once: a nil return means the message was handed to
// the mesh, not that it was delivered.
func (t *Transport) SendToInbox(ctx context.Context, accountID string, sig *signal.CallSignal) error {
	return t.publish(ctx, signal.InboxTopic(accountID), sig)
}

// SendToRoom publishes a signal on a call room channel.
func (t *Transport) SendToRoom(ctx context.Context, roomID string, sig *signal.CallSignal) error {
	return t.publish(ctx, signal.RoomTopic(roomID), sig)
}

func (t *Transport) publish(ctx context.Context, name string, sig *signal.CallSignal) error {
	data, err := signal.Encode(sig)
	if err != nil {
		return fmt.Errorf("encode %s: %w", sig.Kind, err)
	}
	topic, err := t.acquireTopic(name)
	if err != nil {
		return err
	}
	defer t.releaseTopic(name)

	pubCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	if err := topic.Publish(pubCtx, data); err != nil {
		return fmt.Errorf("%w: publish %s on %s: %v", ErrUnavailable, sig.Kind, name, err)
	}
	return nil
}

// SubscribeInbox subscribes to an account's inbox channel.
func (t *Transport) SubscribeInbox(accountID string, h Handler) (*Subscription, error) {
	return t.subscribe(signal.InboxTopic(accountID), h)
}

// SubscribeRoom subscribes to a call room channel.
func (t *Transport) SubscribeRoom(roomID string, h Handler) (*Subscription, error) {
	return t.subscribe(signal.RoomTopic(roomID), h)
}

func (t *Transport) subscribe(name string, h Handler) (*Subscription, error) {
	topic, err := t.acquireTopic(name)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		t.releaseTopic(name)
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{t: t, name: name, sub: sub, cancel: cancel}
	go s.readLoop(ctx, h)
	return s, nil
}

// readLoop dispatches messages one at a time, in delivery order. Messages
// published by this node and records that fail to decode are dropped here
// so handlers only ever see well-formed remote signals.
func (s *Subscription) readLoop(ctx context.Context, h Handler) {
	self := s.t.node.Host.ID()
	for {
		m, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.GetFrom() == self {
			continue
		}
		sig, err := signal.Decode(m.Data)
		if err != nil {
			log.Printf("TRANSPORT: drop bad record on %s: %v", s.name, err)
			continue
		}
		h(sig)
	}
}

// Cancel stops the subscription and releases its topic reference.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.sub.Cancel()
		s.t.releaseTopic(s.name)
	})
}
