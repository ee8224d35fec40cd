package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hatsunemiku3939/dispatch/queue"
)

// Client is the production Publisher: it resolves a task name to a
// queue via the configured route table, memoizes queue.Ref lookups, and
// publishes an encoded Message through a queue.Gateway. Grounded on
// original_source/dispatch/publisher.py's publish().
type Client struct {
	gateway queue.Gateway
	routes  map[string]string
	policy  RoutingPolicy

	mu    sync.Mutex
	cache map[string]queue.Ref
}

// NewClient builds a Client against gw, routing task names through
// routes via policy (nil defaults to LongestPrefixPolicy{}).
func NewClient(gw queue.Gateway, routes map[string]string, policy RoutingPolicy) *Client {
	if policy == nil {
		policy = LongestPrefixPolicy{}
	}
	return &Client{
		gateway: gw,
		routes:  routes,
		policy:  policy,
		cache:   map[string]queue.Ref{},
	}
}

// Gateway returns the underlying queue.Gateway, for AsyncResult and the
// reply-queue cache to share.
func (c *Client) Gateway() queue.Gateway { return c.gateway }

// Resolve returns the queue name taskName routes to.
func (c *Client) Resolve(taskName string) (string, error) {
	return c.policy.Resolve(taskName, c.routes)
}

// Publish encodes m and sends it to queueName, looking up (and
// memoizing) that queue's Ref on first use. Matches
// original_source/dispatch/publisher.py's publish(): message attributes
// are the message's headers.
func (c *Client) Publish(ctx context.Context, queueName string, m *Message) error {
	ref, err := c.queueRef(ctx, queueName)
	if err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: encoding message: %v", ErrValidation, err)
	}
	return c.gateway.Send(ctx, ref, string(body), m.Headers())
}

func (c *Client) queueRef(ctx context.Context, queueName string) (queue.Ref, error) {
	c.mu.Lock()
	if ref, ok := c.cache[queueName]; ok {
		c.mu.Unlock()
		return ref, nil
	}
	c.mu.Unlock()

	ref, err := c.gateway.Lookup(ctx, queueName)
	if err != nil {
		return queue.Ref{}, fmt.Errorf("%w: %v", ErrQueueNotFound, err)
	}

	c.mu.Lock()
	c.cache[queueName] = ref
	c.mu.Unlock()
	return ref, nil
}
