package pubsub

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/bundle"
)

func allTopicsKnown(context.Context, string) bool { return true }

func claimsFor(scopes ...string) auth.Claims {
	return auth.Claims{Subject: "test", Scopes: scopes, ExpiresAt: time.Now().Add(time.Hour)}
}

func event(topic string, seq uint64) bundle.UpdateEvent {
	return bundle.UpdateEvent{Topic: topic, BundleRef: fmt.Sprintf("ref-%d", seq), Sequence: seq, Timestamp: time.Now()}
}

func TestPublishOrderPreserved(t *testing.T) {
	p := NewPublisher(NewLocalBus(), allTopicsKnown)
	defer p.Close()
	sub, err := p.Subscribe(context.Background(), "c1", claimsFor("policy"), []string{"policy"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := uint64(1); i <= 10; i++ {
		if err := p.Publish(context.Background(), event("policy", i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	for i := uint64(1); i <= 10; i++ {
		select {
		case e := <-sub.Events:
			if e.Sequence != i {
				t.Fatalf("got seq %d, want %d", e.Sequence, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for seq %d", i)
		}
	}
}

func TestTwoSubscribersSeeSameOrder(t *testing.T) {
	p := NewPublisher(NewLocalBus(), allTopicsKnown)
	defer p.Close()
	s1, err := p.Subscribe(context.Background(), "c1", claimsFor("policy"), []string{"policy"})
	if err != nil {
		t.Fatalf("subscribe c1: %v", err)
	}
	s2, err := p.Subscribe(context.Background(), "c2", claimsFor("policy"), []string{"policy"})
	if err != nil {
		t.Fatalf("subscribe c2: %v", err)
	}
	for i := uint64(1); i <= 20; i++ {
		_ = p.Publish(context.Background(), event("policy", i))
	}
	drain := func(s *Subscription) []uint64 {
		var out []uint64
		for len(out) < 20 {
			select {
			case e := <-s.Events:
				out = append(out, e.Sequence)
			case <-time.After(time.Second):
				t.Fatalf("timed out after %d events", len(out))
			}
		}
		return out
	}
	o1, o2 := drain(s1), drain(s2)
	for i := range o1 {
		if o1[i] != o2[i] {
			t.Fatalf("subscribers diverged at %d: %d vs %d", i, o1[i], o2[i])
		}
	}
}

func TestSlowConsumerDisconnected(t *testing.T) {
	dropped := make(chan string, 1)
	p := NewPublisher(NewLocalBus(), allTopicsKnown,
		WithBuffer(2),
		WithDropHook(func(clientID, _ string) { dropped <- clientID }),
	)
	defer p.Close()
	slow, err := p.Subscribe(context.Background(), "slow", claimsFor("policy"), []string{"policy"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Nobody reads slow.Events; the third publish overflows its buffer.
	for i := uint64(1); i <= 3; i++ {
		_ = p.Publish(context.Background(), event("policy", i))
	}
	select {
	case id := <-dropped:
		if id != "slow" {
			t.Fatalf("dropped %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("slow consumer was not dropped")
	}
	// Its channel is closed after the buffered events.
	n := 0
	for range slow.Events {
		n++
	}
	if n != 2 {
		t.Fatalf("drained %d buffered events, want 2", n)
	}
	if got := p.SubscriberCount("policy"); got != 0 {
		t.Fatalf("subscriber count = %d after drop", got)
	}
}

func TestSlowConsumerDoesNotBlockOthers(t *testing.T) {
	p := NewPublisher(NewLocalBus(), allTopicsKnown, WithBuffer(1))
	defer p.Close()
	_, err := p.Subscribe(context.Background(), "slow", claimsFor("policy"), []string{"policy"})
	if err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}
	fast, err := p.Subscribe(context.Background(), "fast", claimsFor("policy"), []string{"policy"})
	if err != nil {
		t.Fatalf("subscribe fast: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 5; i++ {
			_ = p.Publish(context.Background(), event("policy", i))
			// Keep the fast consumer drained.
			select {
			case <-fast.Events:
			case <-time.After(time.Second):
			}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher stalled on a slow consumer")
	}
}

func TestSubscribeAuthorization(t *testing.T) {
	p := NewPublisher(NewLocalBus(), allTopicsKnown)
	defer p.Close()
	_, err := p.Subscribe(context.Background(), "c1", claimsFor("data/*"), []string{"policy"})
	var authErr *auth.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	// Partial grant: policy rejected, data accepted.
	sub, err := p.Subscribe(context.Background(), "c2", claimsFor("data/*"), []string{"policy", "data/users"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(sub.Accepted) != 1 || sub.Accepted[0] != "data/users" {
		t.Fatalf("accepted = %v", sub.Accepted)
	}
	if sub.Rejected["policy"] == "" {
		t.Fatalf("rejected = %v", sub.Rejected)
	}
}

func TestSubscribeUnknownTopic(t *testing.T) {
	known := func(_ context.Context, topic string) bool { return topic == "policy" }
	p := NewPublisher(NewLocalBus(), known)
	defer p.Close()
	_, err := p.Subscribe(context.Background(), "c1", claimsFor("**"), []string{"nope"})
	var unknownErr *UnknownTopicError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownTopicError, got %v", err)
	}
}

func TestUnsubscribeRemovesState(t *testing.T) {
	p := NewPublisher(NewLocalBus(), allTopicsKnown)
	defer p.Close()
	sub, err := p.Subscribe(context.Background(), "c1", claimsFor("policy"), []string{"policy"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = p.Publish(context.Background(), event("policy", 1))
	p.Unsubscribe("c1")
	if got := p.SubscriberCount("policy"); got != 0 {
		t.Fatalf("subscriber count = %d", got)
	}
	if _, ok := p.LastDelivered("c1", "policy"); ok {
		t.Fatal("session state leaked past unsubscribe")
	}
	// Channel closes so the connection handler unwinds.
	for {
		if _, ok := <-sub.Events; !ok {
			break
		}
	}
}
