package history

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/relaymesh/relay/internal/bundle"
)

// ErrPruned is returned by Range when the requested sequences are no longer
// retained; the caller falls back to a full snapshot.
var ErrPruned = errors.New("history: requested range pruned")

// Store keeps the published bundle history per topic. The last published
// sequence must survive a detector restart, so Append is the durability
// boundary.
type Store interface {
	// LastSequence returns the highest published sequence for topic, 0 if none.
	LastSequence(ctx context.Context, topic string) (uint64, error)
	// Append records a newly published bundle and prunes past the retention
	// window.
	Append(ctx context.Context, b bundle.Bundle) error
	// Latest returns the newest retained bundle for topic.
	Latest(ctx context.Context, topic string) (bundle.Bundle, bool, error)
	// Range returns retained bundles with sequence > after, in order. Returns
	// ErrPruned when the bundle at after+1 has been dropped.
	Range(ctx context.Context, topic string, after uint64) ([]bundle.Bundle, error)
	// Topics lists every topic that has published at least once.
	Topics(ctx context.Context) ([]string, error)
}

// Memory is the in-process Store used by single-instance servers and tests.
type Memory struct {
	mu     sync.RWMutex
	retain int
	topics map[string][]bundle.Bundle
}

func NewMemory(retain int) *Memory {
	if retain <= 0 {
		retain = 64
	}
	return &Memory{retain: retain, topics: map[string][]bundle.Bundle{}}
}

func (m *Memory) LastSequence(_ context.Context, topic string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs := m.topics[topic]
	if len(bs) == 0 {
		return 0, nil
	}
	return bs[len(bs)-1].Sequence, nil
}

func (m *Memory) Append(_ context.Context, b bundle.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs := m.topics[b.Topic]
	if len(bs) > 0 && b.Sequence <= bs[len(bs)-1].Sequence {
		return errors.New("history: sequence regression")
	}
	bs = append(bs, b)
	if len(bs) > m.retain {
		bs = bs[len(bs)-m.retain:]
	}
	m.topics[b.Topic] = bs
	return nil
}

func (m *Memory) Latest(_ context.Context, topic string) (bundle.Bundle, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs := m.topics[topic]
	if len(bs) == 0 {
		return bundle.Bundle{}, false, nil
	}
	return bs[len(bs)-1], true, nil
}

func (m *Memory) Range(_ context.Context, topic string, after uint64) ([]bundle.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs := m.topics[topic]
	if len(bs) == 0 {
		return nil, nil
	}
	if bs[len(bs)-1].Sequence <= after {
		return nil, nil
	}
	// The oldest retained bundle must be at or before after+1, otherwise the
	// contiguous chain from the caller's position is broken.
	if bs[0].Sequence > after+1 {
		return nil, ErrPruned
	}
	out := make([]bundle.Bundle, 0, len(bs))
	for _, b := range bs {
		if b.Sequence > after {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Memory) Topics(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}
