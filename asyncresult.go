package dispatch

import (
	"context"
	"time"

	"github.com/hatsunemiku3939/dispatch/queue"
)

// AsyncResult is the handle Invocation.Dispatch returns: a pending (or,
// for a synchronous dispatch, already-resolved) task result.
type AsyncResult struct {
	message *Message
	gateway queue.Gateway
	replyTo queue.Ref

	resolved bool
	value    any
}

// Get returns the task's result, polling the reply queue until timeout
// elapses. Returns nil immediately if the task declared no return value
// (ReplyTo() == ""); returns the already-known value immediately for a
// synchronous dispatch. Messages whose correlated original id does not
// match this result's message are discarded and the poll retried against
// the remaining budget — original_source/dispatch/task.py's
// AsyncResult.get, translated from unbounded recursion to an explicit
// loop.
func (r *AsyncResult) Get(ctx context.Context, timeout time.Duration) (any, error) {
	if r.resolved {
		return r.value, nil
	}
	if r.replyTo.URL == "" {
		return nil, nil
	}

	deadline := time.Now().Add(timeout)
	remaining := timeout
	for {
		waitSeconds := int32(remaining / time.Second)
		if waitSeconds < 1 {
			waitSeconds = 1
		}
		messages, err := r.gateway.Receive(ctx, r.replyTo, 1, waitSeconds, 0)
		if err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			return nil, ErrTimeout
		}

		msg := messages[0]
		_, originalID, result, err := DecodeResponse([]byte(msg.Body))
		if err != nil {
			return nil, err
		}
		if originalID != r.message.ID() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrTimeout
			}
			continue
		}

		_ = r.gateway.Delete(ctx, r.replyTo.URL, msg.ReceiptHandle)
		return result, nil
	}
}
