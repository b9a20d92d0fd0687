package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/bundle"
)

func mkBundle(topic string, seq uint64) bundle.Bundle {
	return bundle.Bundle{
		ID:        fmt.Sprintf("ref-%d", seq),
		Topic:     topic,
		Sequence:  seq,
		Payload:   json.RawMessage(`{}`),
		CreatedAt: time.Now(),
	}
}

func TestMemoryAppendAndLast(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	if seq, err := m.LastSequence(ctx, "policy"); err != nil || seq != 0 {
		t.Fatalf("empty topic: seq=%d err=%v", seq, err)
	}
	for i := uint64(1); i <= 3; i++ {
		if err := m.Append(ctx, mkBundle("policy", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if seq, _ := m.LastSequence(ctx, "policy"); seq != 3 {
		t.Fatalf("last = %d, want 3", seq)
	}
	b, ok, err := m.Latest(ctx, "policy")
	if err != nil || !ok || b.Sequence != 3 {
		t.Fatalf("latest = %+v ok=%v err=%v", b, ok, err)
	}
}

func TestMemoryRejectsRegression(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	if err := m.Append(ctx, mkBundle("policy", 5)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := m.Append(ctx, mkBundle("policy", 5)); err == nil {
		t.Fatal("duplicate sequence must be rejected")
	}
	if err := m.Append(ctx, mkBundle("policy", 4)); err == nil {
		t.Fatal("regressed sequence must be rejected")
	}
}

func TestMemoryRange(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	for i := uint64(1); i <= 5; i++ {
		_ = m.Append(ctx, mkBundle("policy", i))
	}
	bs, err := m.Range(ctx, "policy", 2)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(bs) != 3 || bs[0].Sequence != 3 || bs[2].Sequence != 5 {
		t.Fatalf("range = %+v", bs)
	}
	// Caller already current.
	bs, err = m.Range(ctx, "policy", 5)
	if err != nil || len(bs) != 0 {
		t.Fatalf("range at head = %v, %v", bs, err)
	}
}

func TestMemoryRangePruned(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3)
	for i := uint64(1); i <= 6; i++ {
		_ = m.Append(ctx, mkBundle("policy", i))
	}
	// Only 4..6 retained; a client at 1 cannot be served incrementally.
	if _, err := m.Range(ctx, "policy", 1); !errors.Is(err, ErrPruned) {
		t.Fatalf("expected ErrPruned, got %v", err)
	}
	bs, err := m.Range(ctx, "policy", 3)
	if err != nil || len(bs) != 3 {
		t.Fatalf("range after 3 = %v, %v", bs, err)
	}
}

func TestMemoryTopics(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	_ = m.Append(ctx, mkBundle("policy", 1))
	_ = m.Append(ctx, mkBundle("data/users", 1))
	topics, err := m.Topics(ctx)
	if err != nil {
		t.Fatalf("topics: %v", err)
	}
	if len(topics) != 2 || topics[0] != "data/users" || topics[1] != "policy" {
		t.Fatalf("topics = %v", topics)
	}
}
