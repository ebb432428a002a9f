// Package nats feeds worklog events from a JetStream durable consumer into
// the contract.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"worklog/internal/contract"
	"worklog/internal/ingest"
)

type Config struct {
	Enabled    bool
	URL        string
	Stream     string
	Subjects   []string
	Durable    string
	MaxDeliver int
	AckWait    time.Duration
	NakDelay   time.Duration
	Target     contract.Target
	Logger     *slog.Logger
}

func (c *Config) withDefaults() {
	if c.Stream == "" {
		c.Stream = "WORKLOG_EVENTS"
	}
	if len(c.Subjects) == 0 {
		c.Subjects = []string{"worklog.>"}
	}
	if c.Durable == "" {
		c.Durable = "worklog-ingest"
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.NakDelay <= 0 {
		c.NakDelay = time.Second
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("nats.url is required")
	}
	return nil
}

// message is the slice of jetstream.Msg the adapter needs.
type message interface {
	Data() []byte
	Subject() string
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Adapter acks a message once the contract accepted it. Transient failures
// are nacked for redelivery after NakDelay; everything else is terminated so
// JetStream stops redelivering it.
type Adapter struct {
	cfg     Config
	invoker ingest.Invoker
	logger  *slog.Logger

	nc *nats.Conn
	cc jetstream.ConsumeContext
}

func NewAdapter(cfg Config, invoker ingest.Invoker) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if invoker == nil {
		return nil, errors.New("nats: invoker is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, invoker: invoker, logger: logger.With("component", "ingest.nats")}, nil
}

// Start connects, ensures the stream and the durable consumer exist and
// begins consuming. Messages are handled until Close or ctx is done.
func (a *Adapter) Start(ctx context.Context) error {
	nc, err := nats.Connect(a.cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			a.logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			a.logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream init: %w", err)
	}
	if err := a.ensureStream(ctx, js); err != nil {
		nc.Close()
		return err
	}
	consumer, err := js.CreateOrUpdateConsumer(ctx, a.cfg.Stream, jetstream.ConsumerConfig{
		Name:          a.cfg.Durable,
		Durable:       a.cfg.Durable,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    a.cfg.MaxDeliver,
		AckWait:       a.cfg.AckWait,
		MaxAckPending: 1,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("create consumer %s: %w", a.cfg.Durable, err)
	}
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		a.handleMessage(ctx, msg)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("consume %s: %w", a.cfg.Durable, err)
	}
	a.nc, a.cc = nc, cc
	a.logger.Info("subscribed to stream", "stream", a.cfg.Stream, "consumer", a.cfg.Durable)
	return nil
}

func (a *Adapter) ensureStream(ctx context.Context, js jetstream.JetStream) error {
	if _, err := js.Stream(ctx, a.cfg.Stream); err == nil {
		return nil
	}
	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      a.cfg.Stream,
		Subjects:  a.cfg.Subjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", a.cfg.Stream, err)
	}
	a.logger.Info("created stream", "name", a.cfg.Stream, "subjects", a.cfg.Subjects)
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg message) {
	err := ingest.Deliver(ctx, a.invoker, a.cfg.Target, deliveryTxID(msg), msg.Data())
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			a.logger.Warn("failed to ack message", "subject", msg.Subject(), "err", ackErr)
		}
	case ingest.Retryable(err):
		a.logger.Warn("redelivering worklog event", "subject", msg.Subject(), "err", err)
		_ = msg.NakWithDelay(a.cfg.NakDelay)
	default:
		a.logger.Warn("dropping worklog event", "subject", msg.Subject(), "err", err)
		_ = msg.Term()
	}
}

// deliveryTxID keys a message by its stream sequence, which survives
// redelivery. The body stands in when metadata is unavailable.
func deliveryTxID(msg message) string {
	if meta, err := msg.Metadata(); err == nil && meta != nil {
		return ingest.DeliveryTxID("nats", meta.Stream, strconv.FormatUint(meta.Sequence.Stream, 10))
	}
	return ingest.DeliveryTxID("nats", "body", string(msg.Data()))
}

// Close stops consuming and drains the connection.
func (a *Adapter) Close() error {
	if a.cc != nil {
		a.cc.Stop()
	}
	if a.nc != nil {
		return a.nc.Drain()
	}
	return nil
}
