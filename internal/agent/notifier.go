package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CaptureSink delivers a captured conversational snippet to the backend.
type CaptureSink interface {
	ProcessCapture(ctx context.Context, message, userID string) error
}

// Capture is one send-detection payload queued for delivery.
type Capture struct {
	Message string
	UserID  string
}

// NotifierStatus is the observable completion state of the capture task.
type NotifierStatus struct {
	Enqueued  int
	Delivered int
	Failed    int
	LastError string
}

// Notifier delivers captures asynchronously with a bounded retry/backoff
// policy. The page never waits on it and never sees its failures; they are
// logged and counted only.
type Notifier struct {
	sink    CaptureSink
	logger  *slog.Logger
	retries int
	backoff time.Duration

	queue chan Capture
	stop  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	status NotifierStatus
}

// NewNotifier creates a notifier with 3 delivery attempts doubling from
// 250ms and starts its worker.
func NewNotifier(sink CaptureSink, logger *slog.Logger) *Notifier {
	n := &Notifier{
		sink:    sink,
		logger:  logger,
		retries: 3,
		backoff: 250 * time.Millisecond,
		queue:   make(chan Capture, 32),
		stop:    make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// Enqueue queues a capture for delivery; drops it when the queue is full
// rather than ever blocking the caller.
func (n *Notifier) Enqueue(capture Capture) {
	n.mu.Lock()
	n.status.Enqueued++
	n.mu.Unlock()

	select {
	case n.queue <- capture:
	default:
		n.logger.Warn("capture queue full, dropping")
		n.recordFailure("capture queue full")
	}
}

// Status returns a snapshot of delivery counters.
func (n *Notifier) Status() NotifierStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Close stops the worker after draining queued captures.
func (n *Notifier) Close() {
	close(n.queue)
	n.wg.Wait()
	close(n.stop)
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for capture := range n.queue {
		n.deliver(capture)
	}
}

func (n *Notifier) deliver(capture Capture) {
	delay := n.backoff
	var lastErr error

	for attempt := 1; attempt <= n.retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := n.sink.ProcessCapture(ctx, capture.Message, capture.UserID)
		cancel()

		if err == nil {
			n.mu.Lock()
			n.status.Delivered++
			n.mu.Unlock()
			return
		}

		lastErr = err
		n.logger.Warn("capture delivery failed", "attempt", attempt, "error", err)

		if attempt < n.retries {
			time.Sleep(delay)
			delay *= 2
		}
	}

	n.recordFailure(lastErr.Error())
}

func (n *Notifier) recordFailure(message string) {
	n.mu.Lock()
	n.status.Failed++
	n.status.LastError = message
	n.mu.Unlock()
}
