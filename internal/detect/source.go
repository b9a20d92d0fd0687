package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaymesh/relay/internal/bundle"
)

// SourceFetchError marks an unreachable source. The detection cycle for that
// source is skipped and retried on the next tick; it is never fatal.
type SourceFetchError struct {
	Source string
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("source %s unreachable: %v", e.Source, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// Source is one watched origin of policy or data. Fetch returns the full
// bundle payload and a content hash; equal hashes mean no change.
type Source interface {
	Name() string
	Topic() string
	Fetch(ctx context.Context) (payload json.RawMessage, hash string, err error)
}

// RepoSource builds a policy bundle from a checked-out policy repository
// directory: every .rego file becomes a policy entry, every data.json becomes
// a data entry rooted at its directory path. Fetching the repository itself
// (git mechanics) is the worker's job; this source only reads the checkout.
type RepoSource struct {
	name  string
	topic string
	root  string
}

func NewRepoSource(name, topic, root string) *RepoSource {
	return &RepoSource{name: name, topic: topic, root: root}
}

func (s *RepoSource) Name() string  { return s.name }
func (s *RepoSource) Topic() string { return s.topic }

func (s *RepoSource) Fetch(_ context.Context) (json.RawMessage, string, error) {
	policies := map[string]string{}
	data := map[string]json.RawMessage{}
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case strings.HasSuffix(rel, ".rego"):
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			policies[strings.TrimSuffix(rel, ".rego")] = string(b)
		case filepath.Base(rel) == "data.json":
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if !json.Valid(b) {
				return fmt.Errorf("invalid JSON in %s", rel)
			}
			dataPath := "/" + strings.TrimSuffix(strings.TrimSuffix(rel, "data.json"), "/")
			data[dataPath] = json.RawMessage(b)
		}
		return nil
	})
	if err != nil {
		return nil, "", &SourceFetchError{Source: s.name, Err: err}
	}
	payload, err := marshalPayload(policies, data)
	if err != nil {
		return nil, "", &SourceFetchError{Source: s.name, Err: err}
	}
	return payload, bundle.HashPayload(payload), nil
}

// HTTPSource polls an external data endpoint and publishes its body as the
// data document at dataPath.
type HTTPSource struct {
	name     string
	topic    string
	url      string
	dataPath string
	client   *http.Client
}

func NewHTTPSource(name, topic, url, dataPath string) *HTTPSource {
	if dataPath == "" {
		dataPath = "/"
	}
	return &HTTPSource{
		name: name, topic: topic, url: url, dataPath: dataPath,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPSource) Name() string  { return s.name }
func (s *HTTPSource) Topic() string { return s.topic }

func (s *HTTPSource) Fetch(ctx context.Context) (json.RawMessage, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, "", &SourceFetchError{Source: s.name, Err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", &SourceFetchError{Source: s.name, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &SourceFetchError{Source: s.name, Err: fmt.Errorf("status %s", resp.Status)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", &SourceFetchError{Source: s.name, Err: err}
	}
	if !json.Valid(body) {
		return nil, "", &SourceFetchError{Source: s.name, Err: fmt.Errorf("response is not valid JSON")}
	}
	payload, err := marshalPayload(nil, map[string]json.RawMessage{s.dataPath: body})
	if err != nil {
		return nil, "", &SourceFetchError{Source: s.name, Err: err}
	}
	return payload, bundle.HashPayload(payload), nil
}

// marshalPayload produces the canonical bundle payload with sorted keys so the
// content hash is stable across fetches.
func marshalPayload(policies map[string]string, data map[string]json.RawMessage) (json.RawMessage, error) {
	type payload struct {
		Policies map[string]string          `json:"policies,omitempty"`
		Data     map[string]json.RawMessage `json:"data,omitempty"`
	}
	// encoding/json writes map keys sorted, which keeps hashes deterministic.
	b, err := json.Marshal(payload{Policies: policies, Data: data})
	if err != nil {
		return nil, err
	}
	return b, nil
}
