package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatsunemiku3939/dispatch/queue"
)

// fakeGateway is an in-memory queue.Gateway for tests: every queue name
// maps to its own FIFO slice of sent bodies.
type fakeGateway struct {
	queues  map[string]queue.Ref
	bodies  map[string][]string
	created []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{queues: map[string]queue.Ref{}, bodies: map[string][]string{}}
}

func (g *fakeGateway) Create(ctx context.Context, name string) (queue.Ref, error) {
	ref := queue.Ref{Name: name, URL: "mem://" + name}
	g.queues[name] = ref
	g.created = append(g.created, name)
	return ref, nil
}

func (g *fakeGateway) Lookup(ctx context.Context, name string) (queue.Ref, error) {
	if ref, ok := g.queues[name]; ok {
		return ref, nil
	}
	return g.Create(ctx, name)
}

func (g *fakeGateway) Send(ctx context.Context, ref queue.Ref, body string, attributes map[string]string) error {
	g.bodies[ref.Name] = append(g.bodies[ref.Name], body)
	return nil
}

func (g *fakeGateway) Receive(ctx context.Context, ref queue.Ref, maxMessages int32, waitSeconds int32, visibilityTimeout int32) ([]queue.InboundMessage, error) {
	pending := g.bodies[ref.Name]
	if len(pending) == 0 {
		return nil, nil
	}
	body := pending[0]
	g.bodies[ref.Name] = pending[1:]
	return []queue.InboundMessage{{Body: body, ReceiptHandle: "receipt-1"}}, nil
}

func (g *fakeGateway) Delete(ctx context.Context, queueURL string, receiptHandle string) error {
	return nil
}

func TestTaskCallInjectsMetadataHeadersAndPositionalArgs(t *testing.T) {
	resetRegistry()

	var gotAmount float64
	var gotMeta TaskMetadata
	var gotHeaders Headers

	task, err := Register(func(amount float64, meta TaskMetadata, h Headers) error {
		gotAmount = amount
		gotMeta = meta
		gotHeaders = h
		return nil
	}, WithName("app.tasks.charge"))
	require.NoError(t, err)

	message, err := Build("app.tasks.charge", WithArgs(42.5), WithHeaders(map[string]string{"request_id": "abc"}))
	require.NoError(t, err)

	_, err = task.Call(message, "receipt-xyz")
	require.NoError(t, err)

	assert.Equal(t, 42.5, gotAmount)
	assert.Equal(t, message.ID(), gotMeta.ID)
	assert.Equal(t, "receipt-xyz", gotMeta.Receipt)
	assert.Equal(t, "abc", gotHeaders["request_id"])
}

func TestTaskCallConvertsJSONNumberToDeclaredIntType(t *testing.T) {
	resetRegistry()
	var got int
	task, err := Register(func(n int) error { got = n; return nil }, WithName("app.tasks.count"))
	require.NoError(t, err)

	raw := []byte(`{"id":"x","task":"app.tasks.count","metadata":{"timestamp":1,"version":"1.0"},"headers":{},"kwargs":{},"args":[7]}`)
	message, err := Decode(raw)
	require.NoError(t, err)

	_, err = task.Call(message, "")
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestTaskCallPropagatesTaskError(t *testing.T) {
	resetRegistry()
	task, err := Register(func() error { return ErrRetry }, WithName("app.tasks.flaky"))
	require.NoError(t, err)

	message, err := Build("app.tasks.flaky")
	require.NoError(t, err)

	_, callErr := task.Call(message, "")
	assert.ErrorIs(t, callErr, ErrRetry)
}

func TestTaskCallRejectsPayloadFailingSchema(t *testing.T) {
	resetRegistry()
	schema := `{"type":"array","items":{"type":"string"}}`
	task, err := Register(func(name string) error { return nil }, WithName("app.tasks.greet"), WithSchema(schema))
	require.NoError(t, err)

	message, err := Build("app.tasks.greet", WithArgs(123))
	require.NoError(t, err)

	_, callErr := task.Call(message, "")
	require.Error(t, callErr)
	assert.ErrorIs(t, callErr, ErrValidation)
}

type fakePublisher struct {
	gateway *fakeGateway
	routes  map[string]string
}

func (p *fakePublisher) Resolve(taskName string) (string, error) {
	return Resolve(taskName, p.routes)
}

func (p *fakePublisher) Publish(ctx context.Context, queueName string, m *Message) error {
	ref, err := p.gateway.Lookup(ctx, queueName)
	if err != nil {
		return err
	}
	body, err := m.MarshalJSON()
	if err != nil {
		return err
	}
	return p.gateway.Send(ctx, ref, string(body), m.Headers())
}

func (p *fakePublisher) Gateway() queue.Gateway { return p.gateway }

func TestDispatchPublishesToResolvedQueue(t *testing.T) {
	resetRegistry()
	task, err := Register(func(x float64) (float64, error) { return x * x, nil }, WithName("app.tasks.square"))
	require.NoError(t, err)

	gw := newFakeGateway()
	pub := &fakePublisher{gateway: gw, routes: map[string]string{"app.tasks": "app_queue"}}

	result, err := task.Dispatch(context.Background(), pub, 3.0)
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Len(t, gw.bodies["app_queue"], 1)
}

func TestDispatchSynchronousResolvesImmediately(t *testing.T) {
	resetRegistry()
	task, err := Register(func(x float64) (float64, error) { return x * x, nil }, WithName("app.tasks.square"))
	require.NoError(t, err)

	gw := newFakeGateway()
	pub := &fakePublisher{gateway: gw, routes: map[string]string{"app.tasks": "app_queue"}}

	result, err := task.WithSynchronous(true).Dispatch(context.Background(), pub, 3.0)
	require.NoError(t, err)

	value, err := result.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 9.0, value)
	assert.Empty(t, gw.bodies["app_queue"])
}
