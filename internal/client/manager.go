package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/bundle"
)

// State is the subscription manager's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribed
	StateSyncing
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// Manager runs the client side of the push channel: connect, authenticate,
// subscribe, sync, then apply the event stream through the reconciler.
// Transient failures reconnect forever with capped jittered backoff; an
// authorization rejection is terminal until the caller provides a new token.
type Manager struct {
	serverURL string
	token     string
	topics    []string
	rec       *Reconciler

	state   atomic.Int32
	onState func(State)

	backoffBase      time.Duration
	backoffMax       time.Duration
	heartbeatTimeout time.Duration

	httpc *http.Client
}

// ManagerOption tweaks timing knobs; defaults suit production.
type ManagerOption func(*Manager)

func WithBackoff(base, max time.Duration) ManagerOption {
	return func(m *Manager) {
		if base > 0 {
			m.backoffBase = base
		}
		if max > 0 {
			m.backoffMax = max
		}
	}
}

func WithHeartbeatTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeatTimeout = d
		}
	}
}

func WithStateHook(f func(State)) ManagerOption {
	return func(m *Manager) { m.onState = f }
}

func NewManager(serverURL, token string, topics []string, rec *Reconciler, opts ...ManagerOption) *Manager {
	m := &Manager{
		serverURL:        strings.TrimRight(serverURL, "/"),
		token:            token,
		topics:           topics,
		rec:              rec,
		backoffBase:      time.Second,
		backoffMax:       30 * time.Second,
		heartbeatTimeout: 60 * time.Second,
		// No overall timeout: the subscribe response body is a long-lived
		// stream.
		httpc: &http.Client{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		log.Printf("client: %s -> %s", old, s)
		if m.onState != nil {
			m.onState(s)
		}
	}
}

// Run drives the reconnect loop until ctx is cancelled or the token is
// rejected. Token rejection returns an AuthorizationError; everything else is
// retried.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := m.session(ctx)
		// A session that reached Synced resets the backoff ladder.
		if m.State() == StateSynced {
			attempt = 0
		}
		m.setState(StateDisconnected)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		var authErr *auth.AuthorizationError
		if errors.As(err, &authErr) {
			log.Printf("client: session terminated: %v", err)
			return err
		}
		attempt++
		delay := m.backoffDelay(attempt)
		log.Printf("client: session error (attempt %d, retrying in %s): %v", attempt, delay.Round(time.Millisecond), err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay is exponential with full jitter and a delay cap.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	d := m.backoffBase << uint(attempt-1)
	if d > m.backoffMax || d <= 0 {
		d = m.backoffMax
	}
	return time.Duration((0.5 + rand.Float64()/2) * float64(d))
}

func (m *Manager) session(ctx context.Context) error {
	m.setState(StateConnecting)
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	u := m.serverURL + "/v1/subscribe?topics=" + url.QueryEscape(strings.Join(m.topics, ","))
	req, err := http.NewRequestWithContext(sctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := m.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	m.setState(StateAuthenticating)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &auth.AuthorizationError{Reason: strings.TrimSpace(string(msg))}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("subscribe: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	// Watchdog: the server heartbeats the stream; silence beyond the timeout
	// means the connection is dead even if TCP has not noticed.
	watchdog := time.AfterFunc(m.heartbeatTimeout, cancel)
	defer watchdog.Stop()

	events := make(chan sseEvent, 16)
	readErr := make(chan error, 1)
	go func() { readErr <- readSSE(resp.Body, events) }()

	synced := false
	for {
		select {
		case <-sctx.Done():
			return fmt.Errorf("connection closed: %w", sctx.Err())
		case err := <-readErr:
			if err == nil {
				err = errors.New("stream closed by server")
			}
			return err
		case ev := <-events:
			watchdog.Reset(m.heartbeatTimeout)
			switch ev.name {
			case "handshake":
				var hs struct {
					Accepted map[string]uint64 `json:"accepted"`
					Rejected map[string]string `json:"rejected"`
				}
				if err := json.Unmarshal([]byte(ev.data), &hs); err != nil {
					return fmt.Errorf("bad handshake: %w", err)
				}
				if len(hs.Accepted) == 0 {
					return &auth.AuthorizationError{Reason: "no topics accepted"}
				}
				for t, r := range hs.Rejected {
					log.Printf("client: topic %s rejected: %s", t, r)
				}
				m.setState(StateSubscribed)
				m.setState(StateSyncing)
				for t, seq := range hs.Accepted {
					if seq == 0 {
						// Nothing published yet; nothing to sync.
						continue
					}
					if err := m.rec.Sync(sctx, t); err != nil {
						return fmt.Errorf("sync %s: %w", t, err)
					}
				}
				m.setState(StateSynced)
				synced = true
			case "update":
				if !synced {
					continue
				}
				var e bundle.UpdateEvent
				if err := json.Unmarshal([]byte(ev.data), &e); err != nil {
					log.Printf("client: dropping malformed update: %v", err)
					continue
				}
				if err := m.rec.Apply(sctx, e); err != nil {
					// Degraded topics stay subscribed; the stream goes on.
					log.Printf("client: apply %s seq=%d: %v", e.Topic, e.Sequence, err)
				}
			case "goodbye":
				return errors.New("server closed session: " + ev.data)
			}
		}
	}
}

type sseEvent struct {
	name string
	data string
}

// readSSE parses the server-sent-event stream, emitting named events and
// treating comment lines as heartbeats (empty-name events).
func readSSE(r io.Reader, out chan<- sseEvent) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 33<<20)
	var name string
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name != "" || data.Len() > 0 {
				out <- sseEvent{name: name, data: data.String()}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// Comment heartbeat keeps the watchdog fed.
			out <- sseEvent{}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return sc.Err()
}
