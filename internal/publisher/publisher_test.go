package publisher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viaacode/mh-events2pulsar/internal/envelope"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// The pulsar auth chain opens a D-Bus session at init when one is reachable.
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("github.com/godbus/dbus.(*Conn).inWorker"),
		goleak.IgnoreAnyFunction("github.com/godbus/dbus/v5.(*Conn).inWorker"),
	)
}

// fakeSender records messages instead of talking to a broker.
type fakeSender struct {
	mu     sync.Mutex
	topic  string
	msgs   []*pulsar.ProducerMessage
	err    error
	closed bool
}

func (f *fakeSender) Send(_ context.Context, msg *pulsar.ProducerMessage) (pulsar.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil, nil
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeFactory struct {
	mu      sync.Mutex
	created map[string]*fakeSender
	calls   atomic.Int32
	sendErr error
	openErr error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(map[string]*fakeSender)}
}

func (f *fakeFactory) open(topic string) (Sender, error) {
	f.calls.Add(1)
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSender{topic: topic, err: f.sendErr}
	f.created[topic] = s
	return s, nil
}

func testEnvelope(routingKey string) *envelope.Envelope {
	return &envelope.Envelope{
		RoutingKey: routingKey,
		Payload:    []byte(`{"datacontenttype":"application/json"}`),
		Properties: map[string]string{envelope.PropSubject: "a1"},
		EventTime:  time.Date(2019, 3, 30, 5, 28, 40, 0, time.UTC),
	}
}

func TestQualifiedTopic(t *testing.T) {
	require.Equal(t,
		"persistent://public/default/be.mediahaven.flow.archived",
		QualifiedTopic("default", "be.mediahaven.flow.archived"))
}

func TestPublish_SendsOneMessageToQualifiedTopic(t *testing.T) {
	factory := newFakeFactory()
	p := newPublisher("mam", factory.open, nil)
	defer p.Close()

	env := testEnvelope("be.mediahaven.flow.archived")
	require.NoError(t, p.Publish(context.Background(), env))

	sender := factory.created["persistent://public/mam/be.mediahaven.flow.archived"]
	require.NotNil(t, sender)
	require.Len(t, sender.msgs, 1)

	msg := sender.msgs[0]
	require.Equal(t, env.Payload, msg.Payload)
	require.Equal(t, env.Properties, msg.Properties)
	require.Equal(t, env.EventTime, msg.EventTime)
}

func TestPublish_ReusesProducerPerTopic(t *testing.T) {
	factory := newFakeFactory()
	p := newPublisher("default", factory.open, nil)
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, testEnvelope("be.mediahaven.flow.archived")))
	require.NoError(t, p.Publish(ctx, testEnvelope("be.mediahaven.flow.archived")))
	require.NoError(t, p.Publish(ctx, testEnvelope("be.mediahaven.records.update")))

	require.Equal(t, int32(2), factory.calls.Load())
	require.ElementsMatch(t, []string{
		"persistent://public/default/be.mediahaven.flow.archived",
		"persistent://public/default/be.mediahaven.records.update",
	}, p.Topics())
}

func TestPublish_ConcurrentCallersShareProducer(t *testing.T) {
	factory := newFakeFactory()
	p := newPublisher("default", factory.open, nil)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Publish(context.Background(), testEnvelope("be.mediahaven.flow.archived")))
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), factory.calls.Load())
	require.Len(t, factory.created["persistent://public/default/be.mediahaven.flow.archived"].msgs, 50)
}

func TestPublish_SendError(t *testing.T) {
	brokerErr := errors.New("topic terminated")
	factory := newFakeFactory()
	factory.sendErr = brokerErr
	p := newPublisher("default", factory.open, nil)
	defer p.Close()

	err := p.Publish(context.Background(), testEnvelope("be.mediahaven.flow.archived"))
	require.ErrorIs(t, err, ErrPublish)
	require.ErrorIs(t, err, brokerErr)
	require.Contains(t, err.Error(), "persistent://public/default/be.mediahaven.flow.archived")
}

func TestPublish_ProducerCreationError(t *testing.T) {
	factory := newFakeFactory()
	factory.openErr = errors.New("connection refused")
	p := newPublisher("default", factory.open, nil)
	defer p.Close()

	err := p.Publish(context.Background(), testEnvelope("be.mediahaven.flow.archived"))
	require.ErrorIs(t, err, ErrPublish)
	require.Empty(t, p.Topics())

	// Creation is retried on the next publish, not cached as a failure.
	factory.openErr = nil
	require.NoError(t, p.Publish(context.Background(), testEnvelope("be.mediahaven.flow.archived")))
	require.Equal(t, int32(2), factory.calls.Load())
}

func TestClose_ClosesProducersAndClient(t *testing.T) {
	factory := newFakeFactory()
	clientClosed := 0
	p := newPublisher("default", factory.open, func() { clientClosed++ })

	require.NoError(t, p.Publish(context.Background(), testEnvelope("be.mediahaven.flow.archived")))

	p.Close()
	p.Close()

	require.True(t, factory.created["persistent://public/default/be.mediahaven.flow.archived"].closed)
	require.Equal(t, 1, clientClosed)

	err := p.Publish(context.Background(), testEnvelope("be.mediahaven.flow.archived"))
	require.ErrorIs(t, err, ErrPublish)
	require.ErrorIs(t, err, ErrClosed)
}
