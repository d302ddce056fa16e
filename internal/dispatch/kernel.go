// Package dispatch serializes turns per session key: one worker lane per
// key, FIFO within a lane, cancellable handles, model fallback, and an
// inactivity timeout on the driver.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/moziai/mozi/internal/providers"
)

// Status is the completion status of one turn.
type Status string

const (
	StatusOK          Status = "ok"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
	StatusTimeout     Status = "timeout"
)

// Result is the terminal outcome of a turn.
type Result struct {
	Status   Status
	Err      error
	Reason   string // interruption reason
	ModelRef string // the model that produced the terminal outcome
	Attempts int
}

// Fallback describes one hop of the fallback chain, passed to OnFallback
// before the retry starts.
type Fallback struct {
	FromModel string
	ToModel   string
	Attempt   int
	Err       error
}

// Turn is one unit of session work. Run is invoked once per model attempt;
// it must honor ctx and call progress() whenever the driver reports
// activity, which feeds the inactivity watchdog.
type Turn struct {
	SessionKey string
	TraceID    string
	Primary    string
	Fallbacks  []string
	OnFallback func(Fallback)
	Run        func(ctx context.Context, modelRef string, progress func()) error
}

// Handle tracks one enqueued turn.
type Handle struct {
	turn   *Turn
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	done   chan struct{}
	result Result
}

// Wait blocks until the turn reaches a terminal state.
func (h *Handle) Wait() Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Done returns a channel closed when the turn is terminal.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) finish(r Result) {
	h.mu.Lock()
	h.result = r
	h.mu.Unlock()
	close(h.done)
}

type interruptCause struct{ reason string }

func (c *interruptCause) Error() string { return "interrupted: " + c.reason }

var errInactivity = errors.New("driver inactivity timeout")

type lane struct {
	queue  []*Handle
	active *Handle
	busy   bool
}

// Kernel owns the per-key lanes. One worker goroutine per lane, created on
// first enqueue and reaped after IdleTTL without work.
type Kernel struct {
	log         *slog.Logger
	turnTimeout time.Duration
	idleTTL     time.Duration
	tracer      trace.Tracer

	mu    sync.Mutex
	lanes map[string]*lane
	root  context.Context
}

// Options tune the kernel. Zero values select the defaults.
type Options struct {
	TurnTimeout time.Duration // inactivity budget; default 30s
	IdleTTL     time.Duration // lane reap delay; default 2m
}

// NewKernel builds a kernel. root bounds the lifetime of every turn; when it
// is cancelled all lanes drain and refuse new work.
func NewKernel(root context.Context, log *slog.Logger, opts Options) *Kernel {
	if log == nil {
		log = slog.Default()
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 30 * time.Second
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 2 * time.Minute
	}
	return &Kernel{
		log:         log,
		turnTimeout: opts.TurnTimeout,
		idleTTL:     opts.IdleTTL,
		tracer:      otel.Tracer("mozi/dispatch"),
		lanes:       make(map[string]*lane),
		root:        root,
	}
}

// Enqueue appends the turn to its session lane and returns a handle.
func (k *Kernel) Enqueue(t *Turn) (*Handle, error) {
	if t.SessionKey == "" {
		return nil, fmt.Errorf("dispatch: turn has no session key")
	}
	if err := k.root.Err(); err != nil {
		return nil, fmt.Errorf("dispatch: kernel stopped: %w", err)
	}

	h := &Handle{turn: t, done: make(chan struct{})}

	k.mu.Lock()
	ln, ok := k.lanes[t.SessionKey]
	if !ok {
		ln = &lane{}
		k.lanes[t.SessionKey] = ln
	}
	ln.queue = append(ln.queue, h)
	spawn := !ln.busy
	if spawn {
		ln.busy = true
	}
	k.mu.Unlock()

	if spawn {
		go k.work(t.SessionKey, ln)
	}
	return h, nil
}

// Interrupt cancels the active turn for key and drops everything queued
// behind it as interrupted. Reports whether an active turn was signalled.
func (k *Kernel) Interrupt(key, reason string) bool {
	k.mu.Lock()
	ln, ok := k.lanes[key]
	if !ok {
		k.mu.Unlock()
		return false
	}
	dropped := ln.queue
	ln.queue = nil
	active := ln.active
	k.mu.Unlock()

	for _, h := range dropped {
		h.finish(Result{Status: StatusInterrupted, Reason: reason})
	}
	if active != nil {
		active.mu.Lock()
		cancel := active.cancel
		active.mu.Unlock()
		if cancel != nil {
			cancel(&interruptCause{reason: reason})
			return true
		}
	}
	return false
}

// Active reports whether key currently has a running turn.
func (k *Kernel) Active(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	ln, ok := k.lanes[key]
	return ok && ln.active != nil
}

func (k *Kernel) work(key string, ln *lane) {
	for {
		k.mu.Lock()
		if len(ln.queue) == 0 {
			ln.busy = false
			k.mu.Unlock()
			// Linger briefly so a follow-up message reuses the lane; reap
			// the empty lane afterwards.
			k.reapLater(key)
			return
		}
		h := ln.queue[0]
		ln.queue = ln.queue[1:]
		ln.active = h
		k.mu.Unlock()

		k.runTurn(h)

		k.mu.Lock()
		ln.active = nil
		k.mu.Unlock()
	}
}

func (k *Kernel) reapLater(key string) {
	time.AfterFunc(k.idleTTL, func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if ln, ok := k.lanes[key]; ok && !ln.busy && len(ln.queue) == 0 && ln.active == nil {
			delete(k.lanes, key)
		}
	})
}

// runTurn drives one handle through the fallback chain with the inactivity
// watchdog armed.
func (k *Kernel) runTurn(h *Handle) {
	t := h.turn

	ctx, span := k.tracer.Start(k.root, "dispatch.turn",
		trace.WithAttributes(
			attribute.String("session.key", t.SessionKey),
			attribute.String("turn.trace_id", t.TraceID),
			attribute.String("model.primary", t.Primary),
		))
	defer span.End()

	ctx, cancel := context.WithCancelCause(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	defer cancel(nil)

	chain := append([]string{t.Primary}, t.Fallbacks...)
	var lastErr error

	for attempt, modelRef := range chain {
		if attempt > 0 {
			if t.OnFallback != nil {
				t.OnFallback(Fallback{
					FromModel: chain[attempt-1],
					ToModel:   modelRef,
					Attempt:   attempt,
					Err:       lastErr,
				})
			}
			k.log.Info("dispatch: falling back", "session", t.SessionKey,
				"from", chain[attempt-1], "to", modelRef, "attempt", attempt)
		}

		err := k.runAttempt(ctx, t, modelRef)
		if err == nil {
			span.SetAttributes(attribute.Int("turn.attempts", attempt+1))
			h.finish(Result{Status: StatusOK, ModelRef: modelRef, Attempts: attempt + 1})
			return
		}
		lastErr = err

		var ic *interruptCause
		if errors.As(err, &ic) {
			h.finish(Result{Status: StatusInterrupted, Reason: ic.reason, ModelRef: modelRef, Attempts: attempt + 1})
			return
		}
		if errors.Is(err, errInactivity) {
			h.finish(Result{Status: StatusTimeout, Err: err, ModelRef: modelRef, Attempts: attempt + 1})
			return
		}
		if k.root.Err() != nil {
			h.finish(Result{Status: StatusInterrupted, Reason: "shutdown", ModelRef: modelRef, Attempts: attempt + 1})
			return
		}
		if !providers.IsRetryable(err) {
			h.finish(Result{Status: StatusFailed, Err: err, ModelRef: modelRef, Attempts: attempt + 1})
			return
		}
	}

	h.finish(Result{Status: StatusFailed, Err: lastErr, ModelRef: chain[len(chain)-1], Attempts: len(chain)})
}

// runAttempt runs t.Run once under the inactivity watchdog. The watchdog
// rearms on every progress() call and cancels the attempt when the driver
// goes quiet for the full timeout.
func (k *Kernel) runAttempt(parent context.Context, t *Turn, modelRef string) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	watchdog := time.AfterFunc(k.turnTimeout, func() {
		cancel(errInactivity)
	})
	defer watchdog.Stop()

	progress := func() {
		watchdog.Reset(k.turnTimeout)
	}

	err := t.Run(ctx, modelRef, progress)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		// The watchdog or an interrupt fired; the cause outranks whatever
		// the driver returned while unwinding.
		return cause
	}
	if cause := context.Cause(parent); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}
