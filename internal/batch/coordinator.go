// Package batch turns a stream of one-at-a-time requests into bounded-size,
// bounded-latency batches for model inference.
//
// Callers submit single items and get back single results; the coordinator
// accumulates items and flushes a batch when it reaches the size limit, when
// the first buffered item has waited maxDelay, or when a high-priority item
// arrives. Outputs align positionally with inputs, so each submitter receives
// exactly the result for its own item.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBatchFailed is reported to every submitter of a batch whose processor
// returned an error.
var ErrBatchFailed = errors.New("batch processing failed")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("batch coordinator closed")

// Func processes one homogeneous batch. It must return exactly one output
// per input, in input order.
type Func[I, O any] func(items []I) ([]O, error)

type request[I, O any] struct {
	item     I
	priority bool
	out      chan outcome[O]
}

type outcome[O any] struct {
	value O
	err   error
}

// Coordinator owns the pending buffer for one request type. All buffer
// mutation happens on the run goroutine; submitters only touch channels.
type Coordinator[I, O any] struct {
	size     int
	maxDelay time.Duration
	process  Func[I, O]
	log      zerolog.Logger

	requests chan request[I, O]
	inflight sync.WaitGroup
	done     chan struct{}

	// mu guards closed and orders Submit sends against the channel close.
	mu     sync.RWMutex
	closed bool
}

// Start launches a coordinator that flushes batches of up to size items,
// waiting at most maxDelay after the first buffered item. name labels the
// coordinator in logs.
func Start[I, O any](name string, size int, maxDelay time.Duration, logger zerolog.Logger, process Func[I, O]) *Coordinator[I, O] {
	if size < 1 {
		size = 1
	}
	c := &Coordinator[I, O]{
		size:     size,
		maxDelay: maxDelay,
		process:  process,
		log:      logger.With().Str("batch", name).Logger(),
		requests: make(chan request[I, O]),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// Submit hands one item to the coordinator and blocks until its result is
// available. priority flushes the pending batch immediately instead of
// waiting for the size or delay threshold.
func (c *Coordinator[I, O]) Submit(ctx context.Context, item I, priority bool) (O, error) {
	var zero O
	req := request[I, O]{item: item, priority: priority, out: make(chan outcome[O], 1)}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return zero, ErrClosed
	}
	select {
	case c.requests <- req:
		c.mu.RUnlock()
	case <-ctx.Done():
		c.mu.RUnlock()
		return zero, ctx.Err()
	}

	select {
	case res := <-req.out:
		return res.value, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close stops intake, flushes the pending batch, and waits for every
// in-flight processor call to resolve its submitters.
func (c *Coordinator[I, O]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	close(c.requests)
	c.mu.Unlock()
	<-c.done
}

func (c *Coordinator[I, O]) run() {
	defer close(c.done)

	var pending []request[I, O]
	var timer *time.Timer
	var timeout <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timeout = nil
		}
	}
	flush := func() {
		batch := pending
		pending = nil
		stopTimer()
		c.inflight.Add(1)
		go c.dispatch(batch)
	}

	for {
		select {
		case req, ok := <-c.requests:
			if !ok {
				if len(pending) > 0 {
					flush()
				}
				c.inflight.Wait()
				return
			}
			pending = append(pending, req)
			if len(pending) == 1 {
				timer = time.NewTimer(c.maxDelay)
				timeout = timer.C
			}
			if len(pending) >= c.size || req.priority {
				flush()
			}
		case <-timeout:
			flush()
		}
	}
}

// dispatch runs the processor for one drained batch and fans the outputs
// back to the submitters. Batches may overlap when the processor tolerates
// concurrent calls; correctness does not depend on it.
func (c *Coordinator[I, O]) dispatch(batch []request[I, O]) {
	defer c.inflight.Done()

	items := make([]I, len(batch))
	for i, req := range batch {
		items[i] = req.item
	}

	start := time.Now()
	outputs, err := c.process(items)
	if err == nil && len(outputs) != len(items) {
		err = fmt.Errorf("processor returned %d outputs for %d items", len(outputs), len(items))
	}
	if err != nil {
		c.log.Error().Err(err).Int("size", len(items)).Msg("batch failed")
		failure := fmt.Errorf("%w: %v", ErrBatchFailed, err)
		for _, req := range batch {
			req.out <- outcome[O]{err: failure}
		}
		return
	}

	c.log.Debug().Int("size", len(items)).Dur("took", time.Since(start)).Msg("processed batch")
	for i, req := range batch {
		req.out <- outcome[O]{value: outputs[i]}
	}
}
