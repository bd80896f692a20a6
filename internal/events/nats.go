package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATS publishes events to JetStream on "<prefix>.<type>".
type NATS struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// streamName derives a valid stream name from the subject prefix.
func streamName(prefix string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "*", "_", ">", "_")
	return strings.ToUpper(r.Replace(prefix))
}

// NewNATS connects and makes sure the events stream exists.
func NewNATS(ctx context.Context, url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("rag-assistant"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(cctx, jetstream.StreamConfig{
		Name:      streamName(prefix),
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}); err != nil {
		// The stream may be managed outside the service.
		log.Warn().Err(err).Str("stream", streamName(prefix)).Msg("could not ensure events stream")
	}
	return &NATS{nc: nc, js: js, prefix: prefix}, nil
}

// Publish implements Publisher.
func (n *NATS) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := n.prefix + "." + e.Type
	if _, err := n.js.Publish(ctx, subject, b); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close implements Publisher.
func (n *NATS) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}
