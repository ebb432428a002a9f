// Package config loads the worklogd configuration from a yaml or toml file
// with WORKLOG_ environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"worklog/internal/contract"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Cluster ClusterConfig `mapstructure:"cluster"`
	Socket  SocketConfig  `mapstructure:"socket"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
}

type ServerConfig struct {
	NodeID     string `mapstructure:"node_id"`
	LogLevel   string `mapstructure:"log_level"`
	ContractID string `mapstructure:"contract_id"`
	// KeyPrefix is prepended to every selector docType before it reaches
	// the store.
	KeyPrefix string `mapstructure:"key_prefix"`
}

type LedgerConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	// SyncWrites applies to the badger backend only.
	SyncWrites bool `mapstructure:"sync_writes"`
}

type ClusterConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	NodeID         uint64            `mapstructure:"node_id"`
	Address        string            `mapstructure:"address"`
	Peers          map[uint64]string `mapstructure:"peers"`
	ProposeTimeout time.Duration     `mapstructure:"propose_timeout"`
}

type SocketConfig struct {
	Enabled          bool            `mapstructure:"enabled"`
	Network          string          `mapstructure:"network"`
	Address          string          `mapstructure:"address"`
	UnixSocketPath   string          `mapstructure:"unix_socket_path"`
	AuthToken        string          `mapstructure:"auth_token"`
	MaxInflight      int             `mapstructure:"max_inflight"`
	GlobalQueueLimit int             `mapstructure:"global_queue_limit"`
	Target           contract.Target `mapstructure:"target"`
}

type HTTPConfig struct {
	Enabled bool            `mapstructure:"enabled"`
	Address string          `mapstructure:"address"`
	Target  contract.Target `mapstructure:"target"`
}

type IngestConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

type KafkaConfig struct {
	Enabled        bool            `mapstructure:"enabled"`
	Brokers        []string        `mapstructure:"brokers"`
	Topics         []string        `mapstructure:"topics"`
	GroupID        string          `mapstructure:"group_id"`
	ClientID       string          `mapstructure:"client_id"`
	WorkerCount    int             `mapstructure:"worker_count"`
	MaxPollRecords int             `mapstructure:"max_poll_records"`
	QueueCapacity  int             `mapstructure:"queue_capacity"`
	MaxRetries     int             `mapstructure:"max_retries"`
	RetryBackoff   time.Duration   `mapstructure:"retry_backoff"`
	SASLUsername   string          `mapstructure:"sasl_username"`
	SASLPassword   string          `mapstructure:"sasl_password"`
	TLS            bool            `mapstructure:"tls"`
	Target         contract.Target `mapstructure:"target"`
}

type RabbitMQConfig struct {
	Enabled       bool            `mapstructure:"enabled"`
	URL           string          `mapstructure:"url"`
	Endpoints     []string        `mapstructure:"endpoints"`
	Exchange      string          `mapstructure:"exchange"`
	Queue         string          `mapstructure:"queue"`
	RoutingKeys   []string        `mapstructure:"routing_keys"`
	ConsumerTag   string          `mapstructure:"consumer_tag"`
	PrefetchCount int             `mapstructure:"prefetch_count"`
	Workers       int             `mapstructure:"workers"`
	DeliveryQueue int             `mapstructure:"delivery_queue"`
	Username      string          `mapstructure:"username"`
	Password      string          `mapstructure:"password"`
	Target        contract.Target `mapstructure:"target"`
}

type NATSConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	URL        string          `mapstructure:"url"`
	Stream     string          `mapstructure:"stream"`
	Subjects   []string        `mapstructure:"subjects"`
	Durable    string          `mapstructure:"durable"`
	MaxDeliver int             `mapstructure:"max_deliver"`
	AckWait    time.Duration   `mapstructure:"ack_wait"`
	NakDelay   time.Duration   `mapstructure:"nak_delay"`
	Target     contract.Target `mapstructure:"target"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("worklog")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.contract_id", "worklog")
	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("ledger.dir", "data")
	v.SetDefault("cluster.propose_timeout", 5*time.Second)
	v.SetDefault("socket.network", "tcp")
	v.SetDefault("socket.address", "127.0.0.1:7400")
	v.SetDefault("http.address", ":8080")
	v.SetDefault("ingest.kafka.group_id", "worklog")
	v.SetDefault("ingest.kafka.topics", []string{"worklog"})
	v.SetDefault("ingest.rabbitmq.exchange", "worklog.events")
	v.SetDefault("ingest.rabbitmq.queue", "worklog.ingest")
	v.SetDefault("ingest.rabbitmq.prefetch_count", 16)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 64)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	switch c.Server.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel)
	}
	switch c.Ledger.Backend {
	case "memory":
	case "sqlite", "badger":
		if c.Ledger.Dir == "" {
			return fmt.Errorf("ledger.dir is required for the %s backend", c.Ledger.Backend)
		}
	default:
		return fmt.Errorf("ledger.backend %q is not one of memory, sqlite, badger", c.Ledger.Backend)
	}
	if c.Cluster.Enabled {
		if c.Cluster.NodeID == 0 {
			return fmt.Errorf("cluster.node_id is required when clustering is enabled")
		}
		if _, ok := c.Cluster.Peers[c.Cluster.NodeID]; !ok {
			return fmt.Errorf("cluster.peers must include node %d", c.Cluster.NodeID)
		}
	}
	if k := c.Ingest.Kafka; k.Enabled {
		if len(k.Brokers) == 0 || len(k.Topics) == 0 || k.GroupID == "" {
			return fmt.Errorf("ingest.kafka needs brokers, topics and group_id")
		}
	}
	if r := c.Ingest.RabbitMQ; r.Enabled && r.URL == "" && len(r.Endpoints) == 0 {
		return fmt.Errorf("ingest.rabbitmq.url or endpoints is required")
	}
	if n := c.Ingest.NATS; n.Enabled && n.URL == "" {
		return fmt.Errorf("ingest.nats.url is required")
	}
	return nil
}
