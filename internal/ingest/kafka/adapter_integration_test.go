package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"worklog/internal/contract"
	"worklog/internal/ledger"
	"worklog/internal/query"
)

func TestKafkaContainerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.DefaultProduceTopic("worklog"), kgo.AllowAutoTopicCreation())
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	for _, ev := range []string{"Daily_Check", "Weekly_Check", "Daily_Check"} {
		body := []byte(`{"selfProfileId":"568c28","eventType":"` + ev + `"}`)
		if err := producer.ProduceSync(ctx, &kgo.Record{Topic: "worklog", Key: []byte("568c28"), Value: body}).FirstErr(); err != nil {
			t.Fatalf("produce: %v", err)
		}
	}

	store := ledger.NewMemoryStore()
	engine := query.NewEngine(store, query.Config{})
	c := contract.New(contract.Config{ID: "worklog"}, store, engine)
	adapter, err := NewAdapter(Config{Enabled: true, Brokers: []string{broker}, Topics: []string{"worklog"}, GroupID: "worklog-it", Target: contract.Target{ContractID: "worklog"}}, c)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	consumeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	go func() { _ = adapter.Start(consumeCtx) }()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-consumeCtx.Done():
			t.Fatalf("timed out waiting for consumed events")
		case <-ticker.C:
			sel, _ := query.NewSelector("SW568c28", map[string]any{"eventType": "Daily_Check"})
			res, err := engine.Query(ctx, sel)
			if err != nil {
				t.Fatal(err)
			}
			if len(res) == 2 {
				return
			}
		}
	}
}
