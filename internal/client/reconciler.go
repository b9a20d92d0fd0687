package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/relaymesh/relay/internal/bundle"
	"github.com/relaymesh/relay/internal/history"
	"github.com/relaymesh/relay/internal/store"
)

// GapDetected reports a sequence discontinuity. It is a recovery signal, not
// a failure: the reconciler resolves it with a resync before returning.
type GapDetected struct {
	Topic    string
	Last     uint64
	Incoming uint64
}

func (e *GapDetected) Error() string {
	return fmt.Sprintf("gap on %s: last delivered %d, incoming %d", e.Topic, e.Last, e.Incoming)
}

// Fetcher is the pull side of the wire contract, used for initial sync and
// gap recovery.
type Fetcher interface {
	// Latest returns the newest bundle for topic.
	Latest(ctx context.Context, topic string) (bundle.Bundle, error)
	// Since returns the contiguous retained bundles after the given sequence.
	// Returns history.ErrPruned when the server no longer retains them.
	Since(ctx context.Context, topic string, after uint64) ([]bundle.Bundle, error)
}

// Reconciler applies update events to the local policy store. All writes for
// one store go through one mutex, so updates for different topics never
// interleave destructively. Re-applying a sequence already applied is a no-op.
type Reconciler struct {
	mu       sync.Mutex
	store    store.PolicyStore
	fetch    Fetcher
	last     map[string]uint64
	degraded map[string]error
	retries  int
}

func NewReconciler(s store.PolicyStore, f Fetcher) *Reconciler {
	return &Reconciler{
		store:    s,
		fetch:    f,
		last:     map[string]uint64{},
		degraded: map[string]error{},
		retries:  3,
	}
}

// SetApplyRetries overrides the bounded retry count for store rejections.
func (r *Reconciler) SetApplyRetries(n int) {
	if n > 0 {
		r.retries = n
	}
}

// LastDelivered returns the last applied sequence for topic, 0 when unknown.
func (r *Reconciler) LastDelivered(topic string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[topic]
}

// Degraded returns the persistent apply failure for topic, nil when healthy.
func (r *Reconciler) Degraded(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded[topic]
}

// Apply processes one update event. Contiguous events pull their bundle and
// apply incrementally; a detected gap triggers resynchronization before the
// event is considered delivered. Duplicate and stale sequences are no-ops.
func (r *Reconciler) Apply(ctx context.Context, e bundle.UpdateEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, known := r.last[e.Topic]
	if known && e.Sequence <= last {
		return nil
	}
	if !known {
		// First event ever seen for this topic: full sync to the latest.
		return r.fullSyncLocked(ctx, e.Topic)
	}
	if e.Sequence > last+1 {
		log.Printf("client: %v, resyncing", &GapDetected{Topic: e.Topic, Last: last, Incoming: e.Sequence})
		return r.resyncLocked(ctx, e.Topic, last)
	}
	// Contiguous: pull exactly the missing bundle(s).
	bundles, err := r.fetch.Since(ctx, e.Topic, last)
	if errors.Is(err, history.ErrPruned) {
		return r.fullSyncLocked(ctx, e.Topic)
	}
	if err != nil {
		return err
	}
	for _, b := range bundles {
		if err := r.applyLocked(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// Sync brings a topic up to date: incremental from the last applied sequence
// when the server still retains that range, full snapshot otherwise.
func (r *Reconciler) Sync(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, known := r.last[topic]
	if !known {
		return r.fullSyncLocked(ctx, topic)
	}
	return r.resyncLocked(ctx, topic, last)
}

func (r *Reconciler) resyncLocked(ctx context.Context, topic string, last uint64) error {
	bundles, err := r.fetch.Since(ctx, topic, last)
	if errors.Is(err, history.ErrPruned) {
		return r.fullSyncLocked(ctx, topic)
	}
	if err != nil {
		return err
	}
	for _, b := range bundles {
		if err := r.applyLocked(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) fullSyncLocked(ctx context.Context, topic string) error {
	b, err := r.fetch.Latest(ctx, topic)
	if err != nil {
		return err
	}
	return r.applyLocked(ctx, b)
}

// applyLocked pushes one bundle into the store with bounded retries. On
// persistent rejection the topic enters a degraded state; the last delivered
// sequence is left untouched.
func (r *Reconciler) applyLocked(ctx context.Context, b bundle.Bundle) error {
	if last, ok := r.last[b.Topic]; ok && b.Sequence <= last {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= r.retries; attempt++ {
		lastErr = r.store.Apply(ctx, b)
		if lastErr == nil {
			r.last[b.Topic] = b.Sequence
			delete(r.degraded, b.Topic)
			return nil
		}
		var applyErr *store.ApplyError
		if !errors.As(lastErr, &applyErr) {
			// Not a store rejection (e.g. cancelled context): surface as-is.
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	r.degraded[b.Topic] = lastErr
	log.Printf("client: topic %s degraded after %d apply attempts: %v", b.Topic, r.retries, lastErr)
	return lastErr
}
