package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worklog/internal/contract"
	"worklog/internal/ledger"
	"worklog/internal/query"
)

type fakeMsg struct {
	data   []byte
	seq    uint64
	acks   int
	naks   int
	terms  int
	delay  time.Duration
	ackErr error
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return "worklog.created" }
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	if m.seq == 0 {
		return nil, errors.New("not a jetstream message")
	}
	return &jetstream.MsgMetadata{Stream: "WORKLOG_EVENTS", Sequence: jetstream.SequencePair{Stream: m.seq, Consumer: m.seq}}, nil
}
func (m *fakeMsg) Ack() error {
	m.acks++
	return m.ackErr
}
func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.naks++
	m.delay = d
	return nil
}
func (m *fakeMsg) Term() error {
	m.terms++
	return nil
}

type fakeInvoker struct {
	err   error
	calls []contract.Invocation
}

func (f *fakeInvoker) Invoke(_ context.Context, inv contract.Invocation) ([]byte, error) {
	f.calls = append(f.calls, inv)
	return nil, f.err
}

func newTestAdapter(t *testing.T, inv *fakeInvoker) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{Enabled: true, URL: "nats://127.0.0.1:4222", NakDelay: 50 * time.Millisecond, Target: contract.Target{ContractID: "worklog"}}, inv)
	require.NoError(t, err)
	return a
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Enabled: true, URL: "nats://x"}
	cfg.withDefaults()
	assert.Equal(t, "WORKLOG_EVENTS", cfg.Stream)
	assert.Equal(t, []string{"worklog.>"}, cfg.Subjects)
	assert.Equal(t, "worklog-ingest", cfg.Durable)
	assert.Equal(t, 5, cfg.MaxDeliver)
	assert.Error(t, Config{Enabled: true}.Validate())
	assert.NoError(t, Config{}.Validate())

	_, err := NewAdapter(Config{Enabled: true, URL: "nats://x"}, nil)
	assert.Error(t, err)
}

func TestHandleMessageAcksOnSuccess(t *testing.T) {
	inv := &fakeInvoker{}
	a := newTestAdapter(t, inv)
	msg := &fakeMsg{data: []byte(`{"selfProfileId":"p1","eventType":"Daily_Check"}`)}
	a.handleMessage(context.Background(), msg)

	assert.Equal(t, 1, msg.acks)
	assert.Zero(t, msg.naks+msg.terms)
	require.Len(t, inv.calls, 1)
	assert.Equal(t, "createSWWorklog", inv.calls[0].Function)
	assert.Equal(t, "worklog", inv.calls[0].Target.ContractID)
}

func TestHandleMessageNaksRetryableFailure(t *testing.T) {
	a := newTestAdapter(t, &fakeInvoker{err: errors.New("ledger offline")})
	msg := &fakeMsg{data: []byte(`{"selfProfileId":"p1"}`)}
	a.handleMessage(context.Background(), msg)

	assert.Equal(t, 1, msg.naks)
	assert.Equal(t, 50*time.Millisecond, msg.delay)
	assert.Zero(t, msg.acks+msg.terms)
}

func TestHandleMessageTerminatesPermanentFailure(t *testing.T) {
	cases := map[string]struct {
		body string
		err  error
	}{
		"malformed json":     {body: `{nope`},
		"missing profile id": {body: `{"eventType":"Daily_Check"}`},
		"rejected by contract": {
			body: `{"selfProfileId":"p1"}`,
			err:  contract.ErrWrongContract,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			a := newTestAdapter(t, &fakeInvoker{err: tc.err})
			msg := &fakeMsg{data: []byte(tc.body)}
			a.handleMessage(context.Background(), msg)
			assert.Equal(t, 1, msg.terms)
			assert.Zero(t, msg.acks+msg.naks)
		})
	}
}

func TestRedeliveredSequenceIsWrittenOnce(t *testing.T) {
	store := ledger.NewMemoryStore()
	engine := query.NewEngine(store, query.Config{})
	c := contract.New(contract.Config{ID: "worklog"}, store, engine)
	a, err := NewAdapter(Config{Enabled: true, URL: "nats://127.0.0.1:4222"}, c)
	require.NoError(t, err)

	body := []byte(`{"selfProfileId":"568c28","eventType":"Daily_Check"}`)
	for _, seq := range []uint64{1, 1, 2, 1} {
		msg := &fakeMsg{data: body, seq: seq}
		a.handleMessage(context.Background(), msg)
		require.Equal(t, 1, msg.acks)
	}
	sel, err := query.NewSelector("SW568c28", nil)
	require.NoError(t, err)
	res, err := engine.Query(context.Background(), sel)
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestDeliveryTxIDFallsBackToBody(t *testing.T) {
	a := &fakeMsg{data: []byte(`{"a":1}`)}
	b := &fakeMsg{data: []byte(`{"a":1}`)}
	assert.Equal(t, deliveryTxID(a), deliveryTxID(b))
	assert.NotEqual(t, deliveryTxID(a), deliveryTxID(&fakeMsg{data: []byte(`{"a":1}`), seq: 3}))
	assert.NotEqual(t, deliveryTxID(&fakeMsg{seq: 3}), deliveryTxID(&fakeMsg{seq: 4}))
}

func TestCloseBeforeStart(t *testing.T) {
	a := newTestAdapter(t, &fakeInvoker{})
	assert.NoError(t, a.Close())
}
