package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/bundle"
	"github.com/relaymesh/relay/internal/history"
)

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/v1/bundles/data/users" && r.URL.Query().Get("since") == "":
			_ = json.NewEncoder(w).Encode(bundle.Bundle{
				ID: "u-3", Topic: "data/users", Sequence: 3, Payload: json.RawMessage(`{}`),
			})
		case r.URL.Path == "/v1/bundles/data/users" && r.URL.Query().Get("since") == "2":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"bundles": []bundle.Bundle{{ID: "u-3", Topic: "data/users", Sequence: 3, Payload: json.RawMessage(`{}`)}},
			})
		case r.URL.Query().Get("since") == "1":
			http.Error(w, "history pruned", http.StatusGone)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, "tok")
	ctx := context.Background()

	b, err := f.Latest(ctx, "data/users")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if b.Sequence != 3 || b.Topic != "data/users" {
		t.Fatalf("latest = %+v", b)
	}

	bs, err := f.Since(ctx, "data/users", 2)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(bs) != 1 || bs[0].Sequence != 3 {
		t.Fatalf("since = %+v", bs)
	}

	if _, err := f.Since(ctx, "data/users", 1); !errors.Is(err, history.ErrPruned) {
		t.Fatalf("expected ErrPruned, got %v", err)
	}
}

func TestHTTPFetcherAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "scope does not cover topic", http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, "tok")
	_, err := f.Latest(context.Background(), "policy")
	var authErr *auth.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}
