package pubsub

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/relaymesh/relay/internal/bundle"
)

// NatsBus bridges update events over NATS so multiple server instances see
// every publish. Topic paths map to NATS subjects ("/" becomes ".").
type NatsBus struct {
	nc     *nats.Conn
	prefix string
}

func NewNatsBus(url string) (*NatsBus, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc, prefix: "relay.updates."}, nil
}

func (b *NatsBus) subject(topic string) string {
	return b.prefix + strings.ReplaceAll(topic, "/", ".")
}

func (b *NatsBus) Publish(_ context.Context, e bundle.UpdateEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	payload, _ := json.Marshal(e)
	return b.nc.Publish(b.subject(e.Topic), payload)
}

func (b *NatsBus) Subscribe(topic string, h Handler) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject(topic), func(msg *nats.Msg) {
		var e bundle.UpdateEvent
		if err := json.Unmarshal(msg.Data, &e); err == nil {
			h(context.Background(), e)
		}
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NatsBus) Close() error {
	if err := b.nc.Flush(); err != nil {
		b.nc.Close()
		return err
	}
	b.nc.Close()
	return nil
}
