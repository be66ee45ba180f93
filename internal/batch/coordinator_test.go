package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// doubler returns one output per input, in order.
func doubler(items []int) ([]int, error) {
	out := make([]int, len(items))
	for i, v := range items {
		out[i] = v * 2
	}
	return out, nil
}

// TestSubmitSingleItemFiresOnTimer checks that a lone low-priority item is
// flushed by the delay timer, not held forever waiting for a full batch.
func TestSubmitSingleItemFiresOnTimer(t *testing.T) {
	c := Start("test", 16, 50*time.Millisecond, testLogger(), doubler)
	defer c.Close()

	start := time.Now()
	got, err := c.Submit(context.Background(), 21, false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	elapsed := time.Since(start)
	if elapsed < 40*time.Millisecond {
		t.Errorf("single item resolved after %v, expected ~50ms timer wait", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("single item took %v, timer apparently never fired", elapsed)
	}
}

// TestFullBatchFiresOnSize checks that batch_size concurrent submissions
// flush immediately without waiting for the timer.
func TestFullBatchFiresOnSize(t *testing.T) {
	const size = 8
	// Timer far beyond the assertion window, so only the size path can flush.
	c := Start("test", size, 10*time.Second, testLogger(), doubler)
	defer c.Close()

	start := time.Now()
	var wg sync.WaitGroup
	results := make([]int, size)
	errs := make([]error, size)
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Submit(context.Background(), i, false)
		}(i)
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("full batch took %v, expected immediate size-triggered flush", elapsed)
	}
	for i := 0; i < size; i++ {
		if errs[i] != nil {
			t.Fatalf("submit %d: %v", i, errs[i])
		}
		if results[i] != i*2 {
			t.Errorf("results[%d] = %d, want %d", i, results[i], i*2)
		}
	}
}

// TestNeverExceedsBatchSize floods the coordinator and verifies no observed
// batch is larger than the configured size.
func TestNeverExceedsBatchSize(t *testing.T) {
	const size = 4
	var maxSeen int64
	process := func(items []int) ([]int, error) {
		n := int64(len(items))
		for {
			old := atomic.LoadInt64(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt64(&maxSeen, old, n) {
				break
			}
		}
		if len(items) == 0 {
			return nil, errors.New("empty batch")
		}
		return doubler(items)
	}
	c := Start("test", size, 5*time.Millisecond, testLogger(), process)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Submit(context.Background(), i, false); err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	c.Close()

	if got := atomic.LoadInt64(&maxSeen); got > size {
		t.Errorf("observed batch of %d items, limit is %d", got, size)
	}
	if atomic.LoadInt64(&maxSeen) == 0 {
		t.Error("processor never ran")
	}
}

// TestOutputOrderMatchesInputOrder runs an identity processor and checks
// every submitter receives the output aligned with its own input.
func TestOutputOrderMatchesInputOrder(t *testing.T) {
	c := Start("test", 16, 5*time.Millisecond, testLogger(), func(items []string) ([]string, error) {
		out := make([]string, len(items))
		for i, s := range items {
			out[i] = "out:" + s
		}
		return out, nil
	})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := fmt.Sprintf("item-%d", i)
			got, err := c.Submit(context.Background(), in, false)
			if err != nil {
				t.Errorf("submit %s: %v", in, err)
				return
			}
			if got != "out:"+in {
				t.Errorf("got %q for input %q", got, in)
			}
		}(i)
	}
	wg.Wait()
}

// TestProcessorErrorReachesAllSubmitters checks that a failing batch reports
// ErrBatchFailed to every submitter instead of losing any of them.
func TestProcessorErrorReachesAllSubmitters(t *testing.T) {
	c := Start("test", 4, 5*time.Millisecond, testLogger(), func(items []int) ([]int, error) {
		return nil, errors.New("model exploded")
	})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Submit(context.Background(), i, false)
			if !errors.Is(err, ErrBatchFailed) {
				t.Errorf("submit %d: got %v, want ErrBatchFailed", i, err)
			}
		}(i)
	}
	wg.Wait()
}

// TestShortOutputIsBatchFailure checks that a processor returning the wrong
// number of outputs fails the whole batch rather than misaligning results.
func TestShortOutputIsBatchFailure(t *testing.T) {
	c := Start("test", 2, 5*time.Millisecond, testLogger(), func(items []int) ([]int, error) {
		return items[:1], nil
	})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Submit(context.Background(), i, false)
			if !errors.Is(err, ErrBatchFailed) {
				t.Errorf("submit %d: got %v, want ErrBatchFailed", i, err)
			}
		}(i)
	}
	wg.Wait()
}

// TestPriorityFlushesImmediately checks that a high-priority submission does
// not wait out a long delay timer.
func TestPriorityFlushesImmediately(t *testing.T) {
	c := Start("test", 16, 10*time.Second, testLogger(), doubler)
	defer c.Close()

	start := time.Now()
	got, err := c.Submit(context.Background(), 5, true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got != 10 {
		t.Errorf("got %d, want 10", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("priority submit took %v, expected immediate flush", elapsed)
	}
}

// TestSubmitContextCancelled checks that a cancelled caller unblocks with
// its context error.
func TestSubmitContextCancelled(t *testing.T) {
	block := make(chan struct{})
	c := Start("test", 16, 10*time.Second, testLogger(), func(items []int) ([]int, error) {
		<-block
		return doubler(items)
	})
	defer func() {
		close(block)
		c.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Submit(ctx, 1, false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
}

// TestCloseDrainsPending checks that Close flushes buffered items and that
// later submissions are refused.
func TestCloseDrainsPending(t *testing.T) {
	c := Start("test", 16, 10*time.Second, testLogger(), doubler)

	done := make(chan error, 1)
	go func() {
		got, err := c.Submit(context.Background(), 3, false)
		if err == nil && got != 6 {
			err = fmt.Errorf("got %d, want 6", got)
		}
		done <- err
	}()

	// Give the submission time to land in the pending buffer.
	time.Sleep(20 * time.Millisecond)
	c.Close()

	if err := <-done; err != nil {
		t.Errorf("pending submission after close: %v", err)
	}

	if _, err := c.Submit(context.Background(), 1, false); !errors.Is(err, ErrClosed) {
		t.Errorf("submit after close: got %v, want ErrClosed", err)
	}
}
