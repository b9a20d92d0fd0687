package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/bundle"
	"github.com/relaymesh/relay/internal/history"
)

// HTTPFetcher pulls bundles from the server's /v1/bundles endpoint.
type HTTPFetcher struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPFetcher(serverURL, token string) *HTTPFetcher {
	return &HTTPFetcher{
		base:   strings.TrimRight(serverURL, "/"),
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *HTTPFetcher) Latest(ctx context.Context, topic string) (bundle.Bundle, error) {
	var b bundle.Bundle
	if err := f.get(ctx, f.base+"/v1/bundles/"+topicPath(topic), &b); err != nil {
		return bundle.Bundle{}, err
	}
	return b, nil
}

func (f *HTTPFetcher) Since(ctx context.Context, topic string, after uint64) ([]bundle.Bundle, error) {
	var out struct {
		Bundles []bundle.Bundle `json:"bundles"`
	}
	u := f.base + "/v1/bundles/" + topicPath(topic) + "?since=" + strconv.FormatUint(after, 10)
	if err := f.get(ctx, u, &out); err != nil {
		return nil, err
	}
	return out.Bundles, nil
}

func (f *HTTPFetcher) get(ctx context.Context, u string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone:
		return history.ErrPruned
	case http.StatusUnauthorized, http.StatusForbidden:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &auth.AuthorizationError{Reason: strings.TrimSpace(string(msg))}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("GET %s: %s: %s", u, resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func topicPath(topic string) string {
	segs := strings.Split(topic, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}
