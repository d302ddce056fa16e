package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moziai/mozi/internal/providers"
)

func testKernel(t *testing.T, opts Options) *Kernel {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewKernel(ctx, nil, opts)
}

func TestSerializesPerKey(t *testing.T) {
	k := testKernel(t, Options{})

	var concurrent, peak int32
	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, err := k.Enqueue(&Turn{
			SessionKey: "agent:mozi:main",
			Primary:    "m",
			Run: func(ctx context.Context, modelRef string, progress func()) error {
				n := atomic.AddInt32(&concurrent, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&concurrent, -1)
				return nil
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if r := h.Wait(); r.Status != StatusOK {
			t.Fatalf("turn status = %q, err = %v", r.Status, r.Err)
		}
	}
	if got := atomic.LoadInt32(&peak); got != 1 {
		t.Errorf("peak concurrency per key = %d, want 1", got)
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	k := testKernel(t, Options{})

	started := make(chan string, 2)
	release := make(chan struct{})
	run := func(ctx context.Context, modelRef string, progress func()) error {
		started <- modelRef
		<-release
		return nil
	}

	h1, _ := k.Enqueue(&Turn{SessionKey: "a", Primary: "m1", Run: run})
	h2, _ := k.Enqueue(&Turn{SessionKey: "b", Primary: "m2", Run: run})

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("turns on distinct keys did not run concurrently")
		}
	}
	close(release)
	h1.Wait()
	h2.Wait()
}

func TestFIFOWithinLane(t *testing.T) {
	k := testKernel(t, Options{})

	var mu sync.Mutex
	var order []int
	var handles []*Handle
	for i := 0; i < 4; i++ {
		i := i
		h, _ := k.Enqueue(&Turn{
			SessionKey: "k",
			Primary:    "m",
			Run: func(ctx context.Context, modelRef string, progress func()) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			},
		})
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Wait()
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order = %v, want ascending", order)
		}
	}
}

func TestInterruptCancelsActiveAndDropsQueued(t *testing.T) {
	k := testKernel(t, Options{})

	activeStarted := make(chan struct{})
	active, _ := k.Enqueue(&Turn{
		SessionKey: "k",
		Primary:    "m",
		Run: func(ctx context.Context, modelRef string, progress func()) error {
			close(activeStarted)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	queued, _ := k.Enqueue(&Turn{
		SessionKey: "k",
		Primary:    "m",
		Run: func(ctx context.Context, modelRef string, progress func()) error {
			t.Error("dropped turn ran")
			return nil
		},
	})

	<-activeStarted
	if !k.Interrupt("k", "user requested stop") {
		t.Fatal("Interrupt reported no active turn")
	}

	r := active.Wait()
	if r.Status != StatusInterrupted || r.Reason != "user requested stop" {
		t.Errorf("active result = %+v", r)
	}
	rq := queued.Wait()
	if rq.Status != StatusInterrupted {
		t.Errorf("queued result = %+v", rq)
	}
}

func TestFallbackChain(t *testing.T) {
	k := testKernel(t, Options{})

	var mu sync.Mutex
	var tried []string
	var hops []Fallback
	h, _ := k.Enqueue(&Turn{
		SessionKey: "k",
		Primary:    "primary",
		Fallbacks:  []string{"second", "third"},
		OnFallback: func(f Fallback) {
			mu.Lock()
			hops = append(hops, f)
			mu.Unlock()
		},
		Run: func(ctx context.Context, modelRef string, progress func()) error {
			mu.Lock()
			tried = append(tried, modelRef)
			mu.Unlock()
			if modelRef == "third" {
				return nil
			}
			return &providers.DriverError{ModelRef: modelRef, Retryable: true, Err: errors.New("overloaded")}
		},
	})

	r := h.Wait()
	if r.Status != StatusOK || r.ModelRef != "third" || r.Attempts != 3 {
		t.Fatalf("result = %+v", r)
	}
	if len(tried) != 3 || tried[0] != "primary" || tried[1] != "second" || tried[2] != "third" {
		t.Errorf("attempt order = %v", tried)
	}
	if len(hops) != 2 || hops[0].FromModel != "primary" || hops[1].ToModel != "third" {
		t.Errorf("fallback notifications = %+v", hops)
	}
}

func TestNonRetryableShortCircuits(t *testing.T) {
	k := testKernel(t, Options{})

	var attempts int32
	h, _ := k.Enqueue(&Turn{
		SessionKey: "k",
		Primary:    "primary",
		Fallbacks:  []string{"second"},
		Run: func(ctx context.Context, modelRef string, progress func()) error {
			atomic.AddInt32(&attempts, 1)
			return &providers.AuthMissingError{Key: "OPENAI_API_KEY"}
		},
	})

	r := h.Wait()
	if r.Status != StatusFailed {
		t.Fatalf("status = %q", r.Status)
	}
	var authErr *providers.AuthMissingError
	if !errors.As(r.Err, &authErr) {
		t.Errorf("err = %v, want AuthMissingError", r.Err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1 (auth errors must not fall back)", got)
	}
}

func TestInactivityTimeout(t *testing.T) {
	k := testKernel(t, Options{TurnTimeout: 50 * time.Millisecond})

	h, _ := k.Enqueue(&Turn{
		SessionKey: "k",
		Primary:    "m",
		Run: func(ctx context.Context, modelRef string, progress func()) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	r := h.Wait()
	if r.Status != StatusTimeout {
		t.Fatalf("status = %q, want timeout", r.Status)
	}
}

func TestProgressResetsWatchdog(t *testing.T) {
	k := testKernel(t, Options{TurnTimeout: 80 * time.Millisecond})

	h, _ := k.Enqueue(&Turn{
		SessionKey: "k",
		Primary:    "m",
		Run: func(ctx context.Context, modelRef string, progress func()) error {
			// Keep reporting activity for longer than the timeout itself.
			for i := 0; i < 5; i++ {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(40 * time.Millisecond):
					progress()
				}
			}
			return nil
		},
	})
	r := h.Wait()
	if r.Status != StatusOK {
		t.Fatalf("result = %+v, want ok (progress must rearm the watchdog)", r)
	}
}

func TestEnqueueAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	k := NewKernel(ctx, nil, Options{})
	cancel()

	if _, err := k.Enqueue(&Turn{SessionKey: "k", Primary: "m"}); err == nil {
		t.Fatal("Enqueue after shutdown succeeded")
	}
}
