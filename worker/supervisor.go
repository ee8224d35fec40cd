// Package worker is the goroutine-based replacement for
// original_source/dispatch/worker.py's multiprocessing topology: a pool
// of fetcher goroutines pulls messages off each routed queue into a
// single bounded channel, a pool of worker goroutines drains that
// channel and calls into a dispatch.Consumer. SPEC_FULL.md §1 documents
// this as a deliberate redesign — the original's process-per-fetcher/
// process-per-worker split exists only to route around CPython's GIL
// and the fact that boto3 SQS objects can't be pickled across a
// multiprocessing.Queue; neither constraint exists in Go, where
// goroutines and channels are the idiomatic concurrent-fan-out
// primitive.
package worker

import (
	"context"
	"log"
	"sync"

	"github.com/hatsunemiku3939/dispatch/metrics"
	"github.com/hatsunemiku3939/dispatch/queue"
)

// Handler processes one dequeued message and reports the Ack decision
// the queue gateway should act on. dispatch.Consumer.Handle satisfies
// this, adapted via HandlerFunc below.
type Handler interface {
	Handle(ctx context.Context, body string, receipt string) int
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, body string, receipt string) int

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, body string, receipt string) int { return f(ctx, body, receipt) }

// depthProber is implemented by gateways that can report a queue's
// approximate size (queue.SQSGateway, via ApproximateDepth). Kept as a
// narrow optional interface rather than a Gateway method so fakes that
// don't care about the metric aren't forced to implement it.
type depthProber interface {
	ApproximateDepth(ctx context.Context, ref queue.Ref) (int64, error)
}

// queueMessage is the Go analogue of original_source/dispatch/
// worker.py's QueueMessage dataclass: the original exists purely
// because boto3 SQSMessage objects can't cross a multiprocessing.Queue,
// which has no equivalent restriction for a Go channel — it survives
// here anyway because it is still the right shape to hand off between a
// fetcher and a worker goroutine (no cross-goroutine dependency on the
// originating queue.InboundMessage's lifetime).
type queueMessage struct {
	body    string
	receipt string
	queue   queue.Ref
}

// AckDelete / AckRetain mirror dispatch.Ack's values without importing
// the root package, so worker has no import cycle back to dispatch;
// the supervisor's Handler is expected to return one of these.
const (
	AckDelete = 0
	AckRetain = 1
)

// Supervisor owns the fetcher/worker goroutine pools and the bounded
// handoff channel between them.
type Supervisor struct {
	gateway  queue.Gateway
	handler  Handler
	metrics  *metrics.Metrics
	workers  int
	numMsgs  int32
	waitSecs int32
	visTimeo int32
	loopMax  int // 0 means unbounded

	workQueue chan queueMessage
}

// Option customizes NewSupervisor.
type Option func(*Supervisor)

// WithLoopCount bounds how many fetch iterations each fetcher performs
// before exiting, matching the original's --loop-count flag (primarily
// useful for tests and bounded batch runs).
func WithLoopCount(n int) Option {
	return func(s *Supervisor) { s.loopMax = n }
}

// WithMetrics attaches a metrics.Metrics for per-outcome counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// NewSupervisor builds a Supervisor. numMessages and workers size the
// bounded handoff channel at numMessages*workers — spec.md §9's
// resolution of the backpressure-capacity open question: large enough
// that a full batch from every worker's next fetch can land without a
// fetcher blocking mid-receive, small enough to bound in-flight message
// loss on a crash to one batch per worker.
func NewSupervisor(gw queue.Gateway, handler Handler, workers int, numMessages int32, waitSeconds int32, visibilityTimeout int32, opts ...Option) *Supervisor {
	s := &Supervisor{
		gateway:   gw,
		handler:   handler,
		workers:   workers,
		numMsgs:   numMessages,
		waitSecs:  waitSeconds,
		visTimeo:  visibilityTimeout,
		workQueue: make(chan queueMessage, int(numMessages)*workers),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts workers.workers worker goroutines and one fetcher
// goroutine per entry in routeQueues, and blocks until every fetcher has
// stopped: on ctx cancellation, or once each has run its WithLoopCount
// iterations. It then closes the handoff channel, lets the workers drain
// it, and returns once every goroutine has exited — the ordered
// shutdown original_source/dispatch/worker.py's finish() performs
// across process boundaries, done here with a WaitGroup and channel
// close instead of terminate()+join().
func (s *Supervisor) Run(ctx context.Context, routeQueues []string) error {
	refs := make([]queue.Ref, 0, len(routeQueues))
	for _, name := range routeQueues {
		ref, err := s.gateway.Create(ctx, name)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}

	var fetchWG sync.WaitGroup
	for _, ref := range refs {
		fetchWG.Add(1)
		go func(ref queue.Ref) {
			defer fetchWG.Done()
			s.fetch(ctx, ref)
		}(ref)
	}

	var workWG sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		workWG.Add(1)
		go func() {
			defer workWG.Done()
			s.work(ctx)
		}()
	}

	fetchWG.Wait()
	close(s.workQueue)
	workWG.Wait()
	return nil
}

func (s *Supervisor) fetch(ctx context.Context, ref queue.Ref) {
	prober, _ := s.gateway.(depthProber)

	for count := 0; s.loopMax == 0 || count < s.loopMax; count++ {
		if ctx.Err() != nil {
			return
		}
		if prober != nil && s.metrics != nil {
			if depth, err := prober.ApproximateDepth(ctx, ref); err == nil {
				s.metrics.QueueDepth.WithLabelValues(ref.Name).Set(float64(depth))
			}
		}
		messages, err := s.gateway.Receive(ctx, ref, s.numMsgs, s.waitSecs, s.visTimeo)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("dispatch: fetch %s: %v", ref.Name, err)
			continue
		}
		if s.metrics != nil && len(messages) > 0 {
			s.metrics.MessagesReceived.WithLabelValues(ref.Name).Add(float64(len(messages)))
		}
		for _, m := range messages {
			qm := queueMessage{body: m.Body, receipt: m.ReceiptHandle, queue: ref}
			select {
			case s.workQueue <- qm:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Supervisor) work(ctx context.Context) {
	for qm := range s.workQueue {
		ack := s.handler.Handle(ctx, qm.body, qm.receipt)
		if ack == AckDelete {
			if err := s.gateway.Delete(ctx, qm.queue.URL, qm.receipt); err != nil {
				log.Printf("dispatch: delete %s: %v", qm.queue.Name, err)
			}
			if s.metrics != nil {
				s.metrics.MessagesDeleted.WithLabelValues(qm.queue.Name, "").Inc()
			}
		} else if s.metrics != nil {
			s.metrics.MessagesRetained.WithLabelValues(qm.queue.Name, "").Inc()
		}
	}
}
