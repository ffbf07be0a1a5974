// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package publish wraps a Watermill NATS publisher with circuit-breaker
// protection and emits the agent-info envelope described in spec §6.
package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/oxbowsec/cti-updater/internal/logging"
	"github.com/oxbowsec/cti-updater/internal/metrics"
)

// AgentInfo identifies the agent a published message concerns.
type AgentInfo struct {
	AgentID   string `json:"agent_id"`
	AgentIP   string `json:"agent_ip"`
	AgentName string `json:"agent_name"`
	NodeName  string `json:"node_name"`
}

// Envelope is the wire format published for each successful chain run,
// matching spec §6's agent-info adapter format.
type Envelope struct {
	AgentInfo AgentInfo   `json:"agent_info"`
	DataType  string      `json:"data_type"`
	Data      interface{} `json:"data"`
	Operation string      `json:"operation"`
}

// Publisher publishes an Envelope to a topic. Implementations must be
// safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Close() error
}

// Config configures a NATS-backed Publisher.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int
	EnableJetStream bool
	Breaker         gobreaker.Settings
}

// DefaultConfig returns sane defaults for a NATS publisher.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectBuffer: 8 * 1024 * 1024,
		EnableJetStream: true,
	}
}

// NATSPublisher is a Publisher backed by Watermill's NATS transport, with
// gobreaker protecting against a down or overloaded broker.
type NATSPublisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[interface{}]

	mu     sync.RWMutex
	closed bool
}

// NewNATSPublisher dials NATS and returns a ready-to-use Publisher.
func NewNATSPublisher(cfg Config, topicLabel string) (*NATSPublisher, error) {
	logger := watermill.NewStdLogger(false, false)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("publish: NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("publish: NATS reconnected")
		}),
	}

	wmCfg := wmnats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmnats.NATSMarshaler{},
		JetStream: wmnats.JetStreamConfig{
			Disabled:      !cfg.EnableJetStream,
			AutoProvision: cfg.EnableJetStream,
			TrackMsgId:    true,
		},
	}

	pub, err := wmnats.NewPublisher(wmCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("publish: create watermill publisher: %w", err)
	}

	settings := cfg.Breaker
	if settings.Name == "" {
		settings.Name = "publish-" + topicLabel
	}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
			Msg("publish: circuit breaker transition")
		metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.CircuitBreakerStateValue(to.String()))
	}

	return &NATSPublisher{
		publisher: pub,
		breaker:   gobreaker.NewCircuitBreaker[interface{}](settings),
	}, nil
}

// Publish serializes env as JSON and publishes it to topic, using the
// message UUID as the NATS dedup id (spec §6 envelope format).
func (p *NATSPublisher) Publish(ctx context.Context, topic string, env Envelope) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return fmt.Errorf("publish: publisher is closed")
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("publish: marshal envelope: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	msg.SetContext(ctx)

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(topic, msg)
	})
	if err != nil {
		metrics.PublishErrors.WithLabelValues(topic).Inc()
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close shuts down the underlying transport. Idempotent.
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
