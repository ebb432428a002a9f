package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"worklog/internal/contract"
	"worklog/internal/ingest"
)

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	// MaxRetries bounds the backoff growth. A retryable failure is retried
	// until it succeeds or the adapter stops; the partition waits for it.
	MaxRetries   int
	RetryBackoff time.Duration
	Auth           AuthConfig
	Fetch          FetchConfig
	Target         contract.Target
	Logger         *slog.Logger
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled  bool
	Username string
	Password string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// Adapter consumes worklog events from Kafka and invokes the contract for
// each. Records of one Kafka partition always go to the same worker, so a
// profile's events reach the ledger in log order. A record is committed only
// once its invocation succeeded or failed permanently; a retryable failure
// holds the partition until it clears, so later offsets never commit past it.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	client *kgo.Client
	lanes  []chan *kgo.Record
	acks   chan recordAck
	done   chan struct{}
	once   sync.Once

	pauseMux sync.Mutex
	paused   bool

	invoker      ingest.Invoker
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

var errClosed = errors.New("kafka adapter closed")

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, invoker ingest.Invoker, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if invoker == nil {
		return nil, errors.New("kafka: invoker is required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		kopts = append(kopts, kgo.SASL(plain.Auth{User: cfg.Auth.SASL.Username, Pass: cfg.Auth.SASL.Password}.AsMechanism()))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := newAdapter(cfg, invoker)
	a.client = cl
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func newAdapter(cfg Config, invoker ingest.Invoker) *Adapter {
	cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:     cfg,
		logger:  logger.With("component", "ingest.kafka"),
		invoker: invoker,
		lanes:   make([]chan *kgo.Record, cfg.WorkerCount),
		acks:    make(chan recordAck, cfg.QueueCapacity),
		done:    make(chan struct{}),
	}
	per := cfg.QueueCapacity / cfg.WorkerCount
	if per < 1 {
		per = 1
	}
	for i := range a.lanes {
		a.lanes[i] = make(chan *kgo.Record, per)
	}
	return a
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.Auth.SASL.Enabled && c.Auth.SASL.Username == "" {
		return errors.New("kafka.auth.sasl.username is required when sasl is enabled")
	}
	return nil
}

// Start polls until ctx is cancelled, Close is called or a fetch error
// occurs. It owns the client and closes it on return.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	go func() {
		select {
		case <-a.done:
			cancelPoll()
		case <-pollCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	ackDone := make(chan struct{})
	go func() {
		defer close(ackDone)
		a.handleAcks(ctx)
	}()

	for i := range a.lanes {
		wg.Add(1)
		go func(lane <-chan *kgo.Record) {
			defer wg.Done()
			a.runWorker(ctx, lane)
		}(a.lanes[i])
	}
	stop := func() {
		for _, lane := range a.lanes {
			close(lane)
		}
		wg.Wait()
		close(a.acks)
		<-ackDone
	}

	for {
		if ctx.Err() != nil || a.isClosed() {
			stop()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(pollCtx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			if pollCtx.Err() != nil {
				continue
			}
			stop()
			return fmt.Errorf("kafka fetch %s/%d: %w", errs[0].Topic, errs[0].Partition, errs[0].Err)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			a.enqueue(ctx, rec)
		})
		a.client.AllowRebalance()
	}
}

// Close makes Start return. Records already invoked are still committed.
func (a *Adapter) Close() {
	a.once.Do(func() { close(a.done) })
}

func (a *Adapter) isClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *Adapter) laneFor(rec *kgo.Record) chan *kgo.Record {
	return a.lanes[int(rec.Partition)%len(a.lanes)]
}

func (a *Adapter) enqueue(ctx context.Context, rec *kgo.Record) {
	lane := a.laneFor(rec)
	for {
		select {
		case lane <- rec:
			a.maybeResume()
			return
		case <-ctx.Done():
			return
		case <-a.done:
			return
		default:
			a.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// runWorker returns without acking when a delivery is abandoned mid-retry,
// which leaves the record and everything after it on the partition
// uncommitted.
func (a *Adapter) runWorker(ctx context.Context, lane <-chan *kgo.Record) {
	for rec := range lane {
		if ctx.Err() != nil || a.isClosed() {
			return
		}
		err := a.deliver(ctx, rec)
		if ingest.Retryable(err) {
			return
		}
		select {
		case a.acks <- recordAck{record: rec, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// deliver invokes the contract until the record succeeds or fails
// permanently. The backoff grows linearly up to MaxRetries+1 steps. Every
// attempt carries the same tx id, derived from the record's position.
func (a *Adapter) deliver(ctx context.Context, rec *kgo.Record) error {
	txID := ingest.DeliveryTxID("kafka", rec.Topic, strconv.Itoa(int(rec.Partition)), strconv.FormatInt(rec.Offset, 10))
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			step := attempt
			if step > a.cfg.MaxRetries+1 {
				step = a.cfg.MaxRetries + 1
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-a.done:
				return errClosed
			case <-time.After(time.Duration(step) * a.cfg.RetryBackoff):
			}
		}
		err := ingest.Deliver(ctx, a.invoker, a.cfg.Target, txID, rec.Value)
		if !ingest.Retryable(err) {
			return err
		}
		if attempt == a.cfg.MaxRetries {
			a.logger.Warn("partition held on worklog event", "record", recordRef(rec), "err", err)
		}
	}
}

func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack, ok := <-a.acks:
			if !ok {
				return
			}
			if ack.record == nil {
				continue
			}
			ref := recordRef(ack.record)
			if ack.err != nil {
				a.logger.Warn("dropping worklog event", "record", ref, "err", ack.err)
			}
			a.markCommit(ack.record)
			if err := a.commitMarked(ctx); err != nil {
				a.logger.Error("offset commit failed", "record", ref, "err", err)
			}
		}
	}
}

func recordRef(rec *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	full := false
	for _, lane := range a.lanes {
		if len(lane) >= cap(lane) {
			full = true
			break
		}
	}
	if !full {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	for _, lane := range a.lanes {
		if len(lane) > cap(lane)/2 {
			return
		}
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
