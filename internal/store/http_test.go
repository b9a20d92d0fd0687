package store

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type recordingOPA struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (r *recordingOPA) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.calls = append(r.calls, req.Method+" "+req.URL.Path)
		fail := r.fail
		r.mu.Unlock()
		if fail {
			http.Error(w, "upstream down", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (r *recordingOPA) saw(call string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c == call {
			return true
		}
	}
	return false
}

func TestHTTPStoreApply(t *testing.T) {
	opa := &recordingOPA{}
	srv := httptest.NewServer(opa.handler())
	defer srv.Close()

	s := NewHTTPStore(srv.URL)
	ctx := context.Background()

	b := mkBundle(t, "policy", 1,
		map[string]string{"authz/main": "package authz\n\nallow := true\n"},
		map[string]any{"/roles": map[string]any{"alice": "admin"}},
	)
	if err := s.Apply(ctx, b); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !opa.saw("PUT /v1/policies/policy.authz.main") {
		t.Fatalf("calls = %v", opa.calls)
	}
	if !opa.saw("PUT /v1/data/roles") {
		t.Fatalf("calls = %v", opa.calls)
	}
}

func TestHTTPStoreDeletesStalePolicies(t *testing.T) {
	opa := &recordingOPA{}
	srv := httptest.NewServer(opa.handler())
	defer srv.Close()

	s := NewHTTPStore(srv.URL)
	ctx := context.Background()

	first := mkBundle(t, "policy", 1, map[string]string{
		"main": "package a\n\nx := 1\n",
		"old":  "package b\n\ny := 2\n",
	}, nil)
	if err := s.Apply(ctx, first); err != nil {
		t.Fatalf("apply: %v", err)
	}

	second := mkBundle(t, "policy", 2, map[string]string{
		"main": "package a\n\nx := 2\n",
	}, nil)
	if err := s.Apply(ctx, second); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !opa.saw("DELETE /v1/policies/policy.old") {
		t.Fatalf("calls = %v", opa.calls)
	}
	if opa.saw("DELETE /v1/policies/policy.main") {
		t.Fatalf("live policy deleted: %v", opa.calls)
	}
}

func TestHTTPStoreApplyError(t *testing.T) {
	opa := &recordingOPA{fail: true}
	srv := httptest.NewServer(opa.handler())
	defer srv.Close()

	s := NewHTTPStore(srv.URL)
	b := mkBundle(t, "policy", 1, map[string]string{"main": "package a\n\nx := 1\n"}, nil)
	err := s.Apply(context.Background(), b)
	var ae *ApplyError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ApplyError, got %v", err)
	}
	if ae.Topic != "policy" {
		t.Fatalf("topic = %q", ae.Topic)
	}
}

func TestHTTPStoreHealth(t *testing.T) {
	opa := &recordingOPA{}
	srv := httptest.NewServer(opa.handler())
	defer srv.Close()

	s := NewHTTPStore(srv.URL)
	if err := s.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	srv.Close()
	if err := s.Health(context.Background()); err == nil {
		t.Fatal("expected error with server down")
	}
}
