package dispatch

import "errors"

// Error vocabulary. One sentinel per concern, mirroring the exception
// classes of the system this module generalizes (one class per failure
// mode, never an umbrella error type).
var (
	// ErrConfiguration marks missing/bad config or a duplicate task
	// registration. Fatal at startup; never caught internally.
	ErrConfiguration = errors.New("dispatch: configuration error")

	// ErrValidation marks a malformed or expired message envelope.
	ErrValidation = errors.New("dispatch: validation error")

	// ErrTaskNotFound marks a registry miss.
	ErrTaskNotFound = errors.New("dispatch: task not found")

	// ErrQueueNotFound marks a lookup or reply-publish against a
	// missing queue.
	ErrQueueNotFound = errors.New("dispatch: queue not found")

	// ErrQueue is the generic queue-gateway failure.
	ErrQueue = errors.New("dispatch: queue error")

	// ErrTimeout marks AsyncResult.Get exhausting its budget.
	ErrTimeout = errors.New("dispatch: timeout")

	// ErrRetry is returned by task code to signal the framework must
	// not ack the message; it reappears after the queue's visibility
	// timeout.
	ErrRetry = errors.New("dispatch: retry")

	// ErrIgnore is returned by task code to signal the message should
	// be dropped silently.
	ErrIgnore = errors.New("dispatch: ignore")

	// ErrInvalidSchema marks a malformed JSON schema passed to Register
	// via WithSchema.
	ErrInvalidSchema = errors.New("dispatch: invalid schema")
)
