package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/relaymesh/relay/internal/bundle"
)

// InmemStore embeds OPA's storage layer in-process. It compiles incoming rego
// modules before committing anything, so a malformed bundle is rejected
// whole. Used for single-binary deployments and by the client test suites.
type InmemStore struct {
	mu  sync.Mutex
	opa storage.Store
	// policy modules by topic, kept so a new snapshot can compile against the
	// other topics' modules and drop its own stale ones
	modules map[string]map[string]string
}

func NewInmemStore() *InmemStore {
	return &InmemStore{opa: inmem.New(), modules: map[string]map[string]string{}}
}

func (s *InmemStore) Health(_ context.Context) error { return nil }

func (s *InmemStore) Apply(ctx context.Context, b bundle.Bundle) error {
	p, err := DecodePayload(b.Payload)
	if err != nil {
		return &ApplyError{Topic: b.Topic, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ns := strings.ReplaceAll(b.Topic, "/", ".")
	next := map[string]string{}
	for name, module := range p.Policies {
		next[ns+"."+strings.ReplaceAll(name, "/", ".")] = module
	}
	// Compile the full module set (all topics) before touching storage.
	all := map[string]string{}
	for topic, mods := range s.modules {
		if topic == b.Topic {
			continue
		}
		for id, m := range mods {
			all[id] = m
		}
	}
	for id, m := range next {
		all[id] = m
	}
	if _, err := ast.CompileModules(all); err != nil {
		return &ApplyError{Topic: b.Topic, Err: err}
	}

	txn, err := s.opa.NewTransaction(ctx, storage.WriteParams)
	if err != nil {
		return &ApplyError{Topic: b.Topic, Err: err}
	}
	abort := func(e error) error {
		s.opa.Abort(ctx, txn)
		return &ApplyError{Topic: b.Topic, Err: e}
	}
	for id, m := range next {
		if err := s.opa.UpsertPolicy(ctx, txn, id, []byte(m)); err != nil {
			return abort(err)
		}
	}
	for id := range s.modules[b.Topic] {
		if _, ok := next[id]; ok {
			continue
		}
		if err := s.opa.DeletePolicy(ctx, txn, id); err != nil {
			return abort(err)
		}
	}
	for path, doc := range p.Data {
		var v any
		if err := json.Unmarshal(doc, &v); err != nil {
			return abort(fmt.Errorf("data %s: %w", path, err))
		}
		var sp storage.Path
		if trimmed := strings.Trim(path, "/"); trimmed != "" {
			parsed, ok := storage.ParsePathEscaped("/" + trimmed)
			if !ok {
				return abort(fmt.Errorf("data %s: bad path", path))
			}
			sp = parsed
		}
		if err := writeAt(ctx, s.opa, txn, sp, v); err != nil {
			return abort(fmt.Errorf("data %s: %w", path, err))
		}
	}
	if err := s.opa.Commit(ctx, txn); err != nil {
		return &ApplyError{Topic: b.Topic, Err: err}
	}
	s.modules[b.Topic] = next
	return nil
}

func writeAt(ctx context.Context, st storage.Store, txn storage.Transaction, path storage.Path, v any) error {
	// Parent paths must exist before a nested write.
	for i := 1; i < len(path); i++ {
		if _, err := st.Read(ctx, txn, path[:i]); err != nil {
			if err := st.Write(ctx, txn, storage.AddOp, path[:i], map[string]any{}); err != nil {
				return err
			}
		}
	}
	return st.Write(ctx, txn, storage.AddOp, path, v)
}

// Read returns the data document at path, for assertions and debugging.
func (s *InmemStore) Read(ctx context.Context, path string) (any, error) {
	sp, ok := storage.ParsePathEscaped("/" + strings.Trim(path, "/"))
	if !ok {
		return nil, fmt.Errorf("bad path %q", path)
	}
	return storage.ReadOne(ctx, s.opa, sp)
}

// Policies lists installed policy ids for a topic.
func (s *InmemStore) Policies(topic string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.modules[topic]))
	for id := range s.modules[topic] {
		out = append(out, id)
	}
	return out
}
