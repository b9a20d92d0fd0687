package detect

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaymesh/relay/internal/bundle"
	"github.com/relaymesh/relay/internal/history"
	"github.com/relaymesh/relay/internal/pubsub"
)

// Detector walks the watched sources on a schedule, appends a new bundle when
// a source's content hash changed, and hands the update event to the
// publisher. Sequence numbers are recovered from the history store, so a
// restarted detector continues where the previous one stopped.
type Detector struct {
	mu        sync.Mutex
	runMu     sync.Mutex        // serializes detection cycles against webhook triggers
	sources   map[string]Source // by name
	lastHash  map[string]string // by source name
	store     history.Store
	publisher *pubsub.Publisher
	cron      *cron.Cron
	onCycle   func(source, outcome string)
}

func New(store history.Store, publisher *pubsub.Publisher) *Detector {
	return &Detector{
		sources:   map[string]Source{},
		lastHash:  map[string]string{},
		store:     store,
		publisher: publisher,
	}
}

// OnCycle installs a metrics hook (outcome is "changed", "unchanged" or
// "error").
func (d *Detector) OnCycle(f func(source, outcome string)) { d.onCycle = f }

// Watch registers a source and makes its topic known to the publisher.
func (d *Detector) Watch(s Source) error {
	d.mu.Lock()
	d.sources[s.Name()] = s
	d.mu.Unlock()
	return d.publisher.RegisterTopic(s.Topic())
}

// Topics lists the watched topics.
func (d *Detector) Topics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sources))
	for _, s := range d.sources {
		out = append(out, s.Topic())
	}
	return out
}

// KnownTopic reports whether topic is watched or has published history. Used
// by the publisher to reject unknown-topic subscriptions.
func (d *Detector) KnownTopic(ctx context.Context, topic string) bool {
	d.mu.Lock()
	for _, s := range d.sources {
		if s.Topic() == topic {
			d.mu.Unlock()
			return true
		}
	}
	d.mu.Unlock()
	if seq, err := d.store.LastSequence(ctx, topic); err == nil && seq > 0 {
		return true
	}
	return false
}

// Start schedules Detect at the given interval ("@every 30s" style accepted
// by cron). Stop by calling the returned function.
func (d *Detector) Start(interval string) (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		d.Detect(ctx)
	}); err != nil {
		return nil, err
	}
	c.Start()
	d.cron = c
	return func() { <-c.Stop().Done() }, nil
}

// Detect runs one detection cycle over every watched source. Returns the
// bundles it published. Per-source failures are logged and skipped.
func (d *Detector) Detect(ctx context.Context) []bundle.Bundle {
	d.mu.Lock()
	sources := make([]Source, 0, len(d.sources))
	for _, s := range d.sources {
		sources = append(sources, s)
	}
	d.mu.Unlock()

	var published []bundle.Bundle
	for _, s := range sources {
		b, err := d.detectOne(ctx, s)
		switch {
		case err != nil:
			var sfe *SourceFetchError
			if errors.As(err, &sfe) {
				log.Printf("detect: skipping cycle for %s: %v", s.Name(), err)
			} else {
				log.Printf("detect: %s: %v", s.Name(), err)
			}
			d.cycle(s.Name(), "error")
		case b != nil:
			published = append(published, *b)
			d.cycle(s.Name(), "changed")
		default:
			d.cycle(s.Name(), "unchanged")
		}
	}
	return published
}

// Trigger runs a single source by name, used by the worker after a repo sync
// or webhook. Unknown names are a no-op.
func (d *Detector) Trigger(ctx context.Context, sourceName string) error {
	d.mu.Lock()
	s, ok := d.sources[sourceName]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := d.detectOne(ctx, s)
	return err
}

func (d *Detector) detectOne(ctx context.Context, s Source) (*bundle.Bundle, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	payload, hash, err := s.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	last, seen := d.lastHash[s.Name()]
	d.mu.Unlock()
	if !seen {
		// First cycle after a restart: the latest retained bundle tells us
		// whether the source already published this exact content.
		if latest, ok, err := d.store.Latest(ctx, s.Topic()); err == nil && ok {
			last = latest.ID
		}
	}
	if hash == last {
		d.mu.Lock()
		d.lastHash[s.Name()] = hash
		d.mu.Unlock()
		return nil, nil
	}

	seq, err := d.store.LastSequence(ctx, s.Topic())
	if err != nil {
		return nil, err
	}
	b := bundle.Bundle{
		ID:        hash,
		Topic:     s.Topic(),
		Sequence:  seq + 1,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.Append(ctx, b); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.lastHash[s.Name()] = hash
	d.mu.Unlock()

	e := bundle.UpdateEvent{Topic: b.Topic, BundleRef: b.ID, Sequence: b.Sequence, Timestamp: b.CreatedAt}
	if err := d.publisher.Publish(ctx, e); err != nil {
		return nil, err
	}
	log.Printf("detect: published %s seq=%d ref=%s", b.Topic, b.Sequence, b.ID)
	return &b, nil
}

func (d *Detector) cycle(source, outcome string) {
	if d.onCycle != nil {
		d.onCycle(source, outcome)
	}
}
