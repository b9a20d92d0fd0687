package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/relaymesh/relay/internal/bundle"
)

func mkBundle(t *testing.T, topic string, seq uint64, policies map[string]string, data map[string]any) bundle.Bundle {
	t.Helper()
	p := Payload{Policies: policies, Data: map[string]json.RawMessage{}}
	for path, v := range data {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		p.Data[path] = raw
	}
	payload, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return bundle.Bundle{ID: "test", Topic: topic, Sequence: seq, Payload: payload}
}

func TestInmemApplyAndRead(t *testing.T) {
	s := NewInmemStore()
	ctx := context.Background()

	b := mkBundle(t, "policy", 1,
		map[string]string{"authz/main": "package authz\n\nallow := input.role == \"admin\"\n"},
		map[string]any{"/roles": map[string]any{"alice": "admin"}},
	)
	if err := s.Apply(ctx, b); err != nil {
		t.Fatalf("apply: %v", err)
	}

	v, err := s.Read(ctx, "/roles/alice")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != "admin" {
		t.Fatalf("roles/alice = %v", v)
	}
	if got := s.Policies("policy"); len(got) != 1 {
		t.Fatalf("policies = %v", got)
	}
}

func TestInmemRejectsBadRego(t *testing.T) {
	s := NewInmemStore()
	ctx := context.Background()

	good := mkBundle(t, "policy", 1,
		map[string]string{"authz/main": "package authz\n\nallow := true\n"}, nil)
	if err := s.Apply(ctx, good); err != nil {
		t.Fatalf("apply: %v", err)
	}

	bad := mkBundle(t, "policy", 2,
		map[string]string{"authz/main": "package authz\n\nallow :="}, nil)
	err := s.Apply(ctx, bad)
	var ae *ApplyError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ApplyError, got %v", err)
	}
	// The previous snapshot must survive a rejected one.
	if got := s.Policies("policy"); len(got) != 1 {
		t.Fatalf("policies after reject = %v", got)
	}
}

func TestInmemRejectsMalformedPayload(t *testing.T) {
	s := NewInmemStore()
	b := bundle.Bundle{ID: "x", Topic: "policy", Sequence: 1, Payload: json.RawMessage(`{"policies": 42}`)}
	var ae *ApplyError
	if err := s.Apply(context.Background(), b); !errors.As(err, &ae) {
		t.Fatalf("expected ApplyError, got %v", err)
	}
}

func TestInmemSnapshotDropsStalePolicies(t *testing.T) {
	s := NewInmemStore()
	ctx := context.Background()

	first := mkBundle(t, "policy", 1, map[string]string{
		"authz/main": "package authz\n\nallow := true\n",
		"authz/old":  "package old\n\nx := 1\n",
	}, nil)
	if err := s.Apply(ctx, first); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := s.Policies("policy"); len(got) != 2 {
		t.Fatalf("policies = %v", got)
	}

	second := mkBundle(t, "policy", 2, map[string]string{
		"authz/main": "package authz\n\nallow := false\n",
	}, nil)
	if err := s.Apply(ctx, second); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := s.Policies("policy")
	if len(got) != 1 || got[0] != "policy.authz.main" {
		t.Fatalf("policies after snapshot = %v", got)
	}
}

func TestInmemTopicsAreIsolated(t *testing.T) {
	s := NewInmemStore()
	ctx := context.Background()

	if err := s.Apply(ctx, mkBundle(t, "policy", 1,
		map[string]string{"main": "package a\n\nx := 1\n"}, nil)); err != nil {
		t.Fatalf("apply policy: %v", err)
	}
	if err := s.Apply(ctx, mkBundle(t, "data/users", 1, nil,
		map[string]any{"/users": map[string]any{"bob": "viewer"}})); err != nil {
		t.Fatalf("apply data: %v", err)
	}

	// Replacing the data topic must not disturb the policy topic.
	if err := s.Apply(ctx, mkBundle(t, "data/users", 2, nil,
		map[string]any{"/users": map[string]any{"bob": "admin"}})); err != nil {
		t.Fatalf("reapply data: %v", err)
	}
	if got := s.Policies("policy"); len(got) != 1 {
		t.Fatalf("policies = %v", got)
	}
	v, err := s.Read(ctx, "/users/bob")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != "admin" {
		t.Fatalf("users/bob = %v", v)
	}
}
