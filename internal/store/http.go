package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/relaymesh/relay/internal/bundle"
)

// HTTPStore speaks the OPA REST API against POLICY_STORE_URL (an OPA instance
// on :8181 in the stock deployment). Policies go to /v1/policies/<id>, data
// documents to /v1/data<path>. Policies installed by an earlier bundle for
// the same topic and absent from the new one are deleted, so a bundle is a
// full snapshot for its topic.
type HTTPStore struct {
	base   string
	client *http.Client

	mu        sync.Mutex
	installed map[string]map[string]bool // topic -> policy id set
}

func NewHTTPStore(base string) *HTTPStore {
	return &HTTPStore{
		base:      strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
		installed: map[string]map[string]bool{},
	}
}

func (h *HTTPStore) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("policy store health: %s", resp.Status)
	}
	return nil
}

func (h *HTTPStore) Apply(ctx context.Context, b bundle.Bundle) error {
	p, err := DecodePayload(b.Payload)
	if err != nil {
		return &ApplyError{Topic: b.Topic, Err: err}
	}
	// Policy ids are namespaced by topic so two topics never clobber each
	// other's modules.
	ns := strings.ReplaceAll(b.Topic, "/", ".")
	next := map[string]bool{}
	for name, module := range p.Policies {
		id := ns + "." + strings.ReplaceAll(name, "/", ".")
		if err := h.do(ctx, http.MethodPut, "/v1/policies/"+url.PathEscape(id), "text/plain", []byte(module)); err != nil {
			return &ApplyError{Topic: b.Topic, Err: err}
		}
		next[id] = true
	}
	for path, doc := range p.Data {
		if err := h.do(ctx, http.MethodPut, "/v1/data"+dataPath(path), "application/json", doc); err != nil {
			return &ApplyError{Topic: b.Topic, Err: err}
		}
	}
	h.mu.Lock()
	prev := h.installed[b.Topic]
	h.installed[b.Topic] = next
	h.mu.Unlock()
	for id := range prev {
		if next[id] {
			continue
		}
		if err := h.do(ctx, http.MethodDelete, "/v1/policies/"+url.PathEscape(id), "", nil); err != nil {
			return &ApplyError{Topic: b.Topic, Err: err}
		}
	}
	return nil
}

func (h *HTTPStore) do(ctx context.Context, method, path, contentType string, body []byte) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base+path, rd)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

func dataPath(p string) string {
	p = "/" + strings.Trim(p, "/")
	if p == "/" {
		return ""
	}
	return p
}
