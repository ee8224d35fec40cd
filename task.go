package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/hatsunemiku3939/dispatch/queue"
	"github.com/patrickmn/go-cache"
)

// Publisher is the subset of behavior Invocation.Dispatch needs from the
// surrounding system: resolving a task name to a queue and publishing an
// already-built Message to it. *Client (see client.go) is the production
// implementation; tests substitute a fake.
type Publisher interface {
	Resolve(taskName string) (string, error)
	Publish(ctx context.Context, queueName string, m *Message) error
	Gateway() queue.Gateway
}

// Task represents a registered, dispatchable callable. Created by
// Register, immutable thereafter except for the database handles
// BindDBs attaches, lives for the process lifetime.
type Task struct {
	name   string
	fn     reflect.Value
	fnType reflect.Type

	acceptsMetadata bool
	acceptsHeaders  bool
	acceptsDBs      bool
	positionalIdx   []int // indices into fnType.In() that take business args
	returnsErr      bool
	replyTo         string // "" unless fn declares a non-error return

	schemaRaw string         // raw JSON Schema text from WithSchema, compiled by Register
	schema    *payloadSchema // compiled schema, nil unless WithSchema was used

	dbs DBs // wired in by callers that use a DB registry; nil otherwise
}

// Name returns the task's registered dotted name.
func (t *Task) Name() string { return t.name }

// AcceptsMetadata reports whether fn declared a TaskMetadata parameter.
func (t *Task) AcceptsMetadata() bool { return t.acceptsMetadata }

// AcceptsHeaders reports whether fn declared a Headers parameter.
func (t *Task) AcceptsHeaders() bool { return t.acceptsHeaders }

// ReplyTo returns the reply queue name, or "" if fn has no declared
// return value.
func (t *Task) ReplyTo() string { return t.replyTo }

// BindDBs attaches the database handles a "dbs"-typed parameter receives
// at call time. Called once at startup, through BindAllDBs.
func (t *Task) BindDBs(dbs DBs) { t.dbs = dbs }

// Dispatch is equivalent to NewInvocation(t).Dispatch(ctx, pub, args...): builds
// a fresh invocation with no customizations and dispatches through pub.
func (t *Task) Dispatch(ctx context.Context, pub Publisher, args ...any) (*AsyncResult, error) {
	return NewInvocation(t).Dispatch(ctx, pub, args...)
}

// WithHeaders creates an Invocation carrying the given headers.
func (t *Task) WithHeaders(headers map[string]string) *Invocation {
	return NewInvocation(t).WithHeaders(headers)
}

// WithSynchronous creates an Invocation with the synchronous flag set.
func (t *Task) WithSynchronous(synchronous bool) *Invocation {
	return NewInvocation(t).WithSynchronous(synchronous)
}

// Call executes t.fn against message, injecting TaskMetadata/Headers/DBs
// parameters where t's signature declares them and converting message's
// positional Args into fn's declared business-parameter types via a
// JSON round-trip (the practical equivalent of Python's duck-typed
// *args, since Go requires static parameter types). receipt is the
// queue's opaque handle, threaded into TaskMetadata.Receipt when the
// task accepts metadata.
func (t *Task) Call(message *Message, receipt string) (any, error) {
	if t.schema != nil {
		payload, err := json.Marshal(message.Args())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if err := t.schema.validate(payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	args, err := copyArgs(message.Args())
	if err != nil {
		return nil, err
	}

	in := make([]reflect.Value, t.fnType.NumIn())
	argPos := 0
	for i := 0; i < t.fnType.NumIn(); i++ {
		paramType := t.fnType.In(i)
		switch paramType {
		case metadataType:
			in[i] = reflect.ValueOf(TaskMetadata{
				ID:        message.ID(),
				Timestamp: message.Timestamp(),
				Version:   message.Version(),
				Receipt:   receipt,
			})
		case headersType:
			in[i] = reflect.ValueOf(Headers(copyHeaders(message.Headers())))
		case dbsType:
			in[i] = reflect.ValueOf(t.dbs)
		default:
			if argPos >= len(args) {
				return nil, fmt.Errorf("%w: task %q expects at least %d positional argument(s), got %d", ErrValidation, t.name, argPos+1, len(args))
			}
			v, err := convertArg(args[argPos], paramType)
			if err != nil {
				return nil, fmt.Errorf("%w: task %q argument %d: %v", ErrValidation, t.name, argPos, err)
			}
			in[i] = v
			argPos++
		}
	}

	out := t.fn.Call(in)
	return t.parseReturn(out)
}

func (t *Task) parseReturn(out []reflect.Value) (any, error) {
	if len(out) == 0 {
		return nil, nil
	}
	var result any
	var errOut error
	if t.returnsErr {
		if e, ok := out[len(out)-1].Interface().(error); ok {
			errOut = e
		}
		if len(out) > 1 {
			result = out[0].Interface()
		}
	} else {
		result = out[0].Interface()
	}
	return result, errOut
}

// copyArgs deep-copies args (a []any of JSON-shaped values) via a JSON
// round-trip, so task code can never observe mutations the caller makes
// to its own argument slice after dispatch (spec.md §9 "deep copy on
// dispatch and on call").
func copyArgs(args []any) ([]any, error) {
	if args == nil {
		return nil, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: arguments not JSON-serializable: %v", ErrValidation, err)
	}
	var copied []any
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return copied, nil
}

func copyHeaders(headers map[string]string) map[string]string {
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	return copied
}

// convertArg converts a decoded JSON value (string/float64/bool/map/
// slice/nil) into target, round-tripping through JSON when target is not
// directly assignable. This lets a task declare ordinary Go parameter
// types (int, string, a struct) and still receive values that arrived as
// untyped JSON over the wire.
func convertArg(arg any, target reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(target), nil
	}
	argValue := reflect.ValueOf(arg)
	if argValue.Type().AssignableTo(target) {
		return argValue, nil
	}
	if argValue.Type().ConvertibleTo(target) && isNumericKind(argValue.Kind()) && isNumericKind(target.Kind()) {
		return argValue.Convert(target), nil
	}
	raw, err := json.Marshal(arg)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(target)
	if err := json.Unmarshal(raw, out.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return out.Elem(), nil
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// Invocation is a mutable per-call builder carrying headers and the
// synchronous override. Created fresh per dispatch chain; customizations
// never leak to the Task or to sibling invocations (spec.md §3).
type Invocation struct {
	task        *Task
	headers     map[string]string
	synchronous bool
}

// defaultSynchronous is the process-wide default for a fresh Invocation's
// synchronous flag, sourced from config.Config.Synchronous (spec.md §6:
// "Global default for invocation synchronous flag"). Stored atomically
// since SetDefaultSynchronous runs once at startup but NewInvocation may
// be called concurrently from many goroutines thereafter.
var defaultSynchronous atomic.Bool

// SetDefaultSynchronous sets the process-wide default every subsequently
// built Invocation picks up, unless overridden per-call via
// Invocation.WithSynchronous. Call once at startup with the loaded
// config's Synchronous value.
func SetDefaultSynchronous(synchronous bool) {
	defaultSynchronous.Store(synchronous)
}

// NewInvocation creates an Invocation for t with no customizations beyond
// the process-wide synchronous default (see SetDefaultSynchronous).
func NewInvocation(t *Task) *Invocation {
	return &Invocation{task: t, headers: map[string]string{}, synchronous: defaultSynchronous.Load()}
}

// WithHeaders merges kv into the invocation's headers and returns the
// same invocation, so chains compose: t.WithHeaders(...).WithSynchronous(...).
func (inv *Invocation) WithHeaders(kv map[string]string) *Invocation {
	for k, v := range kv {
		inv.headers[k] = v
	}
	return inv
}

// WithSynchronous sets the synchronous flag and returns the same
// invocation.
func (inv *Invocation) WithSynchronous(synchronous bool) *Invocation {
	inv.synchronous = synchronous
	return inv
}

// replyQueueCache memoizes reply-queue creation per queue name (spec.md
// §4.E: "bounded LRU, capacity 128"). The corpus carries no
// capacity-bounded LRU (hashicorp/golang-lru is absent from every
// example repo's go.mod); patrickmn/go-cache (present in zjrosen-perles)
// is a TTL cache, not a capacity LRU, so replyQueueCache layers a
// manual 128-entry cap with FIFO eviction on top of it rather than
// silently dropping the capacity bound.
type replyQueueCache struct {
	mu       sync.Mutex
	store    *cache.Cache
	order    []string
	capacity int
}

func newReplyQueueCache(capacity int) *replyQueueCache {
	return &replyQueueCache{
		store:    cache.New(cache.NoExpiration, 0),
		capacity: capacity,
	}
}

// getOrCreate returns the cached queue.Ref for queueName, creating (and
// caching) it via gw.Create on a miss. Evicts the oldest entry, deleting
// that queue, once the cache exceeds its capacity.
func (c *replyQueueCache) getOrCreate(ctx context.Context, gw queue.Gateway, queueName string) (queue.Ref, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.store.Get(queueName); ok {
		return cached.(queue.Ref), nil
	}

	ref, err := gw.Create(ctx, queueName)
	if err != nil {
		return queue.Ref{}, err
	}
	c.store.Set(queueName, ref, cache.NoExpiration)
	c.order = append(c.order, queueName)
	if len(c.order) > c.capacity {
		evict := c.order[0]
		c.order = c.order[1:]
		if evicted, ok := c.store.Get(evict); ok {
			_ = gw.Delete(ctx, evicted.(queue.Ref).URL, "")
		}
		c.store.Delete(evict)
	}
	return ref, nil
}

// deleteAll removes every cached reply queue. Called from the
// Publisher's shutdown sequence — Go has no atexit, so this replaces the
// original's atexit.register(queue.delete) per queue with an explicit
// call on process shutdown.
func (c *replyQueueCache) deleteAll(ctx context.Context, gw queue.Gateway) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.order {
		if cached, ok := c.store.Get(name); ok {
			_ = gw.Delete(ctx, cached.(queue.Ref).URL, "")
		}
	}
	c.order = nil
	c.store.Flush()
}

// Dispatch builds a Message from task name, args, current headers and
// the task's reply_to, then either runs the task synchronously (if
// inv.synchronous) or publishes it through pub and returns an
// AsyncResult bound to the reply queue, if any.
func (inv *Invocation) Dispatch(ctx context.Context, pub Publisher, args ...any) (*AsyncResult, error) {
	message, err := Build(inv.task.name,
		WithArgs(args...),
		WithHeaders(copyHeaders(inv.headers)),
		WithReplyTo(inv.task.replyTo),
	)
	if err != nil {
		return nil, err
	}

	if inv.synchronous {
		value, callErr := inv.task.Call(message, "")
		var ref queue.Ref
		if message.ReplyTo() != "" {
			ref, _ = globalReplyCache.getOrCreate(ctx, pub.Gateway(), message.ReplyTo())
		}
		return &AsyncResult{message: message, gateway: pub.Gateway(), replyTo: ref, resolved: true, value: value}, callErr
	}

	queueName, err := pub.Resolve(message.TaskName())
	if err != nil {
		return nil, err
	}
	if err := pub.Publish(ctx, queueName, message); err != nil {
		return nil, err
	}

	var ref queue.Ref
	if message.ReplyTo() != "" {
		ref, err = globalReplyCache.getOrCreate(ctx, pub.Gateway(), message.ReplyTo())
		if err != nil {
			return nil, err
		}
	}
	return &AsyncResult{message: message, gateway: pub.Gateway(), replyTo: ref}, nil
}

// globalReplyCache is the process-wide memoized reply-queue cache
// (spec.md §4.E / §5: "reply-queue handles are cached per name ... and
// freed at process exit").
var globalReplyCache = newReplyQueueCache(128)

// ClosePublisher deletes every memoized reply queue. Call once, from the
// CLI's deferred shutdown sequence, in place of Python's atexit hook.
func ClosePublisher(ctx context.Context, gw queue.Gateway) {
	globalReplyCache.deleteAll(ctx, gw)
}
