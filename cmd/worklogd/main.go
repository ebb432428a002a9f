package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"worklog/internal/api"
	"worklog/internal/config"
	"worklog/internal/contract"
	"worklog/internal/ingest"
	"worklog/internal/ingest/kafka"
	natsingest "worklog/internal/ingest/nats"
	"worklog/internal/ingest/rabbitmq"
	"worklog/internal/ingest/socket"
	"worklog/internal/ledger"
	badgerstore "worklog/internal/ledger/badger"
	sqlitestore "worklog/internal/ledger/sqlite"
	"worklog/internal/query"
	"worklog/internal/raftengine"
)

func main() {
	cfgPath := flag.String("config", "worklog.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("worklogd stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("worklogd stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := slog.Default().With("node", cfg.Server.NodeID)
	logger.Info("worklogd starting", "backend", cfg.Ledger.Backend, "cluster", cfg.Cluster.Enabled)

	local, closeLedger, err := openLedger(cfg.Ledger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLedger.Close(); err != nil {
			logger.Error("close ledger", "err", err)
		}
	}()

	var store ledger.Store = local
	if cfg.Cluster.Enabled {
		raftengine.UseSlog(logger)
		replicated := raftengine.NewReplicatedStore(local, cfg.Cluster.ProposeTimeout)
		engine, err := raftengine.NewEngine(raftengine.Config{
			NodeID:        cfg.Cluster.NodeID,
			Address:       cfg.Cluster.Address,
			PeerAddresses: cfg.Cluster.Peers,
			Apply:         replicated.Apply,
			Ack:           replicated.Ack,
			// Raft logs live in memory, so every start joins as a fresh member.
			BootstrapNewCluster: true,
			Logger:              logger,
		})
		if err != nil {
			return fmt.Errorf("start raft: %w", err)
		}
		replicated.Bind(engine)
		engine.Start()
		defer func() { _ = engine.Stop() }()
		store = replicated
	}

	engine := query.NewEngine(store, query.Config{KeyPrefix: cfg.Server.KeyPrefix, Logger: logger})
	worklogs := contract.New(contract.Config{ID: cfg.Server.ContractID, Logger: logger}, store, engine)
	health := func(ctx context.Context) error {
		_, err := store.GetState(ctx, healthProbeKey)
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if cfg.Socket.Enabled {
		srv := socket.NewServer(socket.Config{
			Network:          cfg.Socket.Network,
			Address:          cfg.Socket.Address,
			UnixSocketPath:   cfg.Socket.UnixSocketPath,
			AuthToken:        cfg.Socket.AuthToken,
			MaxInflight:      cfg.Socket.MaxInflight,
			GlobalQueueLimit: cfg.Socket.GlobalQueueLimit,
			Target:           cfg.Socket.Target,
			Health:           health,
			Logger:           logger,
		}, worklogs)
		spawn("socket", func() error { return srv.Start(ctx) })
	}
	if cfg.HTTP.Enabled {
		srv := api.NewServer(api.Config{Address: cfg.HTTP.Address, Target: cfg.HTTP.Target, Health: health, Logger: logger}, worklogs)
		spawn("http", func() error { return srv.Start(ctx) })
	}
	if err := startIngest(ctx, cfg.Ingest, worklogs, logger, spawn); err != nil {
		return err
	}

	logger.Info("worklogd ready")
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	logger.Info("shutting down")
	cancel()
	wg.Wait()
	return err
}

const healthProbeKey = "SW"

func openLedger(cfg config.LedgerConfig) (ledger.Store, io.Closer, error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := sqlitestore.NewStore(filepath.Join(cfg.Dir, "sqlite"))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return s, s, nil
	case "badger":
		s, err := badgerstore.Open(badgerstore.Config{Dir: filepath.Join(cfg.Dir, "badger"), SyncWrites: cfg.SyncWrites})
		if err != nil {
			return nil, nil, fmt.Errorf("open badger ledger: %w", err)
		}
		return s, s, nil
	default:
		return ledger.NewMemoryStore(), noopCloser{}, nil
	}
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func startIngest(ctx context.Context, cfg config.IngestConfig, invoker ingest.Invoker, logger *slog.Logger, spawn func(string, func() error)) error {
	if k := cfg.Kafka; k.Enabled {
		kcfg := kafka.Config{
			Enabled:        true,
			Brokers:        k.Brokers,
			Topics:         k.Topics,
			GroupID:        k.GroupID,
			ClientID:       k.ClientID,
			WorkerCount:    k.WorkerCount,
			MaxPollRecords: k.MaxPollRecords,
			QueueCapacity:  k.QueueCapacity,
			MaxRetries:     k.MaxRetries,
			RetryBackoff:   k.RetryBackoff,
			Target:         k.Target,
			Logger:         logger,
		}
		kcfg.Auth.TLS.Enabled = k.TLS
		if k.SASLUsername != "" {
			kcfg.Auth.SASL = kafka.SASLConfig{Enabled: true, Username: k.SASLUsername, Password: k.SASLPassword}
		}
		adapter, err := kafka.NewAdapter(kcfg, invoker)
		if err != nil {
			return fmt.Errorf("kafka adapter: %w", err)
		}
		spawn("kafka", func() error { return adapter.Start(ctx) })
	}
	if r := cfg.RabbitMQ; r.Enabled {
		adapter, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           r.URL,
			Endpoints:     r.Endpoints,
			Exchange:      r.Exchange,
			Queue:         r.Queue,
			RoutingKeys:   r.RoutingKeys,
			ConsumerTag:   r.ConsumerTag,
			PrefetchCount: r.PrefetchCount,
			ManualAck:     true,
			Auth:          rabbitmq.AuthConfig{Username: r.Username, Password: r.Password},
			Workers:       r.Workers,
			DeliveryQueue: r.DeliveryQueue,
			Target:        r.Target,
			Logger:        logger,
		}, invoker)
		if err != nil {
			return fmt.Errorf("rabbitmq adapter: %w", err)
		}
		if err := adapter.Start(ctx); err != nil {
			return err
		}
		spawn("rabbitmq", func() error {
			<-ctx.Done()
			return adapter.Close()
		})
	}
	if n := cfg.NATS; n.Enabled {
		adapter, err := natsingest.NewAdapter(natsingest.Config{
			Enabled:    true,
			URL:        n.URL,
			Stream:     n.Stream,
			Subjects:   n.Subjects,
			Durable:    n.Durable,
			MaxDeliver: n.MaxDeliver,
			AckWait:    n.AckWait,
			NakDelay:   n.NakDelay,
			Target:     n.Target,
			Logger:     logger,
		}, invoker)
		if err != nil {
			return fmt.Errorf("nats adapter: %w", err)
		}
		if err := adapter.Start(ctx); err != nil {
			return err
		}
		spawn("nats", func() error {
			<-ctx.Done()
			return adapter.Close()
		})
	}
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
