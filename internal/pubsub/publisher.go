package pubsub

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/bundle"
)

// UnknownTopicError rejects a subscribe request naming a topic the server has
// never published and does not watch.
type UnknownTopicError struct {
	Topic string
}

func (e *UnknownTopicError) Error() string { return "unknown topic: " + e.Topic }

// Subscription is the handle returned to a connection handler. Events carries
// updates for the accepted topics in publish order; the channel is closed when
// the subscriber is disconnected (by Unsubscribe or as a slow consumer).
type Subscription struct {
	ClientID string
	Accepted []string
	Rejected map[string]string
	Events   <-chan bundle.UpdateEvent
}

type subscriber struct {
	clientID string
	ch       chan bundle.UpdateEvent
	topics   map[string]bool
	// last sequence handed to the outbound channel, per topic
	lastDelivered map[string]uint64
	closed        bool
}

// Publisher owns the topic -> subscriber registry. All mutation goes through
// one mutex; fan-out never blocks on a slow subscriber (bounded channel, drop
// the subscriber when it is full).
type Publisher struct {
	mu         sync.Mutex
	subs       map[string]*subscriber            // clientID -> subscriber
	byTopic    map[string]map[string]*subscriber // topic -> clientID -> subscriber
	busUnsub   map[string]func()
	bus        Bus
	buffer     int
	knownTopic func(ctx context.Context, topic string) bool
	onPublish  func(topic string)
	onDrop     func(clientID, topic string)
}

// Option hooks observability counters in without the pubsub package importing
// the metrics registry.
type Option func(*Publisher)

func WithBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.buffer = n
		}
	}
}

func WithPublishHook(f func(topic string)) Option { return func(p *Publisher) { p.onPublish = f } }
func WithDropHook(f func(clientID, topic string)) Option {
	return func(p *Publisher) { p.onDrop = f }
}

// NewPublisher builds a publisher over bus. knownTopic decides topic
// existence (backed by the detector's watch list plus published history).
func NewPublisher(bus Bus, knownTopic func(ctx context.Context, topic string) bool, opts ...Option) *Publisher {
	p := &Publisher{
		subs:       map[string]*subscriber{},
		byTopic:    map[string]map[string]*subscriber{},
		busUnsub:   map[string]func(){},
		bus:        bus,
		buffer:     64,
		knownTopic: knownTopic,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// RegisterTopic wires the bus subscription that drives local fan-out for a
// topic. Safe to call more than once.
func (p *Publisher) RegisterTopic(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registerTopicLocked(topic)
}

func (p *Publisher) registerTopicLocked(topic string) error {
	if _, ok := p.busUnsub[topic]; ok {
		return nil
	}
	unsub, err := p.bus.Subscribe(topic, func(_ context.Context, e bundle.UpdateEvent) {
		p.fanout(e)
	})
	if err != nil {
		return fmt.Errorf("pubsub: bus subscribe %s: %w", topic, err)
	}
	p.busUnsub[topic] = unsub
	return nil
}

// Subscribe authorizes and registers a client for the requested topics. Every
// topic is individually accepted or rejected; the handshake reports both. The
// call fails outright with AuthorizationError when the token grants none of
// the requested topics, and with UnknownTopicError when a granted topic does
// not exist.
func (p *Publisher) Subscribe(ctx context.Context, clientID string, claims auth.Claims, topics []string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, &UnknownTopicError{Topic: "(none requested)"}
	}
	accepted := make([]string, 0, len(topics))
	rejected := map[string]string{}
	var unknown *UnknownTopicError
	for _, t := range topics {
		if !claims.Allows(t) {
			rejected[t] = "not in token scope"
			continue
		}
		if !p.knownTopic(ctx, t) {
			rejected[t] = "unknown topic"
			if unknown == nil {
				unknown = &UnknownTopicError{Topic: t}
			}
			continue
		}
		accepted = append(accepted, t)
	}
	if len(accepted) == 0 {
		if unknown != nil && len(rejected) == 1 {
			return nil, unknown
		}
		return nil, &auth.AuthorizationError{Reason: "token grants none of the requested topics"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.subs[clientID]; ok {
		p.removeLocked(old)
	}
	sub := &subscriber{
		clientID:      clientID,
		ch:            make(chan bundle.UpdateEvent, p.buffer),
		topics:        map[string]bool{},
		lastDelivered: map[string]uint64{},
	}
	for _, t := range accepted {
		if err := p.registerTopicLocked(t); err != nil {
			return nil, err
		}
		sub.topics[t] = true
		if p.byTopic[t] == nil {
			p.byTopic[t] = map[string]*subscriber{}
		}
		p.byTopic[t][clientID] = sub
	}
	p.subs[clientID] = sub
	return &Subscription{ClientID: clientID, Accepted: accepted, Rejected: rejected, Events: sub.ch}, nil
}

// Publish sends the event to the bus; local delivery happens through the bus
// handler so single-instance and clustered deployments share one path.
func (p *Publisher) Publish(ctx context.Context, e bundle.UpdateEvent) error {
	if err := p.RegisterTopic(e.Topic); err != nil {
		return err
	}
	if p.onPublish != nil {
		p.onPublish(e.Topic)
	}
	return p.bus.Publish(ctx, e)
}

func (p *Publisher) fanout(e bundle.UpdateEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.byTopic[e.Topic] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- e:
			sub.lastDelivered[e.Topic] = e.Sequence
		default:
			// Slow consumer: its buffer is full. Disconnect it rather than
			// stall every other subscriber on this topic.
			log.Printf("pubsub: dropping slow subscriber %s on %s (buffer %d full)", sub.clientID, e.Topic, p.buffer)
			if p.onDrop != nil {
				p.onDrop(sub.clientID, e.Topic)
			}
			p.removeLocked(sub)
		}
	}
}

// Unsubscribe removes the client and closes its event channel. No state from
// this session survives into the next.
func (p *Publisher) Unsubscribe(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subs[clientID]; ok {
		p.removeLocked(sub)
	}
}

func (p *Publisher) removeLocked(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	for t := range sub.topics {
		delete(p.byTopic[t], sub.clientID)
	}
	delete(p.subs, sub.clientID)
}

// SubscriberCount reports connected subscribers for a topic.
func (p *Publisher) SubscriberCount(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byTopic[topic])
}

// LastDelivered returns the server-side view of the subscriber's position.
func (p *Publisher) LastDelivered(clientID, topic string) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[clientID]
	if !ok {
		return 0, false
	}
	seq, ok := sub.lastDelivered[topic]
	return seq, ok
}

// Close drops every subscriber and detaches from the bus.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		p.removeLocked(sub)
	}
	for t, unsub := range p.busUnsub {
		unsub()
		delete(p.busUnsub, t)
	}
}
