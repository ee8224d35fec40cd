package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hatsunemiku3939/dispatch/queue"
)

// Ack is the disposition Consumer.Handle reaches for an inbound message:
// whether the queue gateway should delete it or leave it for SQS
// visibility-timeout-driven redelivery.
type Ack int

const (
	// AckDelete deletes the message: it succeeded, or failed in a way
	// retrying would not fix.
	AckDelete Ack = iota
	// AckRetain leaves the message on the queue for redelivery.
	AckRetain
)

// FailurePolicy maps the outcome of handling a message to an Ack
// decision. Grounded on the teacher's Policy/FailurePolicy abstraction;
// decouples "what happened" from "what the queue should do about it" the
// same way the teacher separates routing from handler results.
type FailurePolicy interface {
	Decide(err error) Ack
}

// DefaultFailurePolicy implements spec.md §9's corrected Retry-vs-ack
// resolution: delete on success, Ignore, ValidationError or
// TaskNotFound (none of those are fixed by redelivery); retain on
// Retry or any other task error (those might succeed on redelivery).
type DefaultFailurePolicy struct{}

// Decide implements FailurePolicy.
func (DefaultFailurePolicy) Decide(err error) Ack {
	if err == nil {
		return AckDelete
	}
	switch {
	case errors.Is(err, ErrIgnore), errors.Is(err, ErrValidation), errors.Is(err, ErrTaskNotFound):
		return AckDelete
	default:
		return AckRetain
	}
}

// Middleware wraps a HandleFunc with cross-cutting behavior (logging,
// metrics, tracing), composing around Consumer.Handle the way the
// teacher's Middleware wraps its routing HandlerFunc.
type Middleware func(HandleFunc) HandleFunc

// HandleFunc processes one already-decoded inbound body and receipt,
// returning the Ack decision reached.
type HandleFunc func(ctx context.Context, body string, receipt string) Ack

// Consumer runs the five-step message pipeline: parse envelope,
// validate, resolve task, execute, reply. Grounded on
// original_source/dispatch/consumer.py's message_handler.
type Consumer struct {
	gateway     queue.Gateway
	policy      FailurePolicy
	middlewares []Middleware
	onResult    func(taskName string, receipt string, err error)
}

// NewConsumer builds a Consumer backed by gw, using policy (nil defaults
// to DefaultFailurePolicy{}).
func NewConsumer(gw queue.Gateway, policy FailurePolicy) *Consumer {
	if policy == nil {
		policy = DefaultFailurePolicy{}
	}
	return &Consumer{gateway: gw, policy: policy}
}

// Use appends middleware around Handle's core pipeline, applied in the
// order given (first registered wraps outermost).
func (c *Consumer) Use(mw ...Middleware) {
	c.middlewares = append(c.middlewares, mw...)
}

// OnResult registers an observer invoked after every Handle call with
// the task name (if parsing succeeded) and the error that drove the Ack
// decision. Used by cmd/dispatchworker to count task errors in metrics
// without Consumer depending on the metrics package.
func (c *Consumer) OnResult(fn func(taskName string, receipt string, err error)) {
	c.onResult = fn
}

// Handle runs the full pipeline for one raw message body: decode the
// envelope, find the registered task, invoke it, publish a response if
// the task declares one, and decide the Ack. Every step's error except a
// failed response publish is passed through FailurePolicy.Decide so the
// queue's action reflects spec.md §9's classification rather than a
// blanket delete-on-any-error; a failed response publish after a
// successful task always yields AckDelete.
func (c *Consumer) Handle(ctx context.Context, body string, receipt string) Ack {
	h := c.core
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h(ctx, body, receipt)
}

func (c *Consumer) core(ctx context.Context, body string, receipt string) Ack {
	message, err := Decode([]byte(body))
	if err != nil {
		c.report("", receipt, err)
		return c.policy.Decide(err)
	}

	task, err := FindByName(message.TaskName())
	if err != nil {
		c.report(message.TaskName(), receipt, err)
		return c.policy.Decide(err)
	}

	result, callErr := task.Call(message, receipt)
	if callErr == nil && message.ReplyTo() != "" {
		if err := c.reply(ctx, message, result); err != nil {
			// The task succeeded; a broken reply channel must not cause
			// redelivery and re-execution of already-completed work.
			c.report(message.TaskName(), receipt, fmt.Errorf("%w: publishing response: %v", ErrQueue, err))
			return AckDelete
		}
	}

	c.report(message.TaskName(), receipt, callErr)
	return c.policy.Decide(callErr)
}

func (c *Consumer) reply(ctx context.Context, original *Message, result any) error {
	ref, err := c.gateway.Lookup(ctx, original.ReplyTo())
	if err != nil {
		return err
	}
	response := NewResponseMessage(original, result)
	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return c.gateway.Send(ctx, ref, string(body), nil)
}

func (c *Consumer) report(taskName string, receipt string, err error) {
	if c.onResult != nil {
		c.onResult(taskName, receipt, err)
	}
}
