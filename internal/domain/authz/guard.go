package authz

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Guard tracks the authorization state of one guarded element. Each input
// change resets the state to pending and starts a new check that
// supersedes any check still in flight: the old check's context is
// cancelled and its result, should it still arrive, is discarded.
type Guard struct {
	checker  Checker
	logger   *slog.Logger
	timeout  time.Duration
	onChange func(Decision)
	onError  func(error)

	mu          sync.Mutex
	gen         uint64
	cond        Condition
	fingerprint uint64
	hasInput    bool
	cancel      context.CancelFunc
	decision    Decision
	changed     chan struct{}
	closed      bool
	wg          sync.WaitGroup
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the guard logger.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// WithGuardTimeout sets the per-check lookup deadline.
func WithGuardTimeout(d time.Duration) GuardOption {
	return func(g *Guard) { g.timeout = d }
}

// OnChange registers a callback for every state transition, including the
// reset to pending. It runs with the guard locked and must not call back
// into the Guard.
func OnChange(fn func(Decision)) GuardOption {
	return func(g *Guard) { g.onChange = fn }
}

// OnError registers a callback for errors of checks that were not
// superseded. It is invoked at most once per check.
func OnError(fn func(error)) GuardOption {
	return func(g *Guard) { g.onError = fn }
}

// NewGuard creates a Guard in the pending state.
func NewGuard(checker Checker, opts ...GuardOption) *Guard {
	g := &Guard{
		checker:  checker,
		logger:   slog.Default(),
		decision: Decision{State: StatePending, Reason: ReasonPending},
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Set updates the guarded input. An input identical to the current one is
// ignored; anything else resets to pending and starts a new check.
func (g *Guard) Set(ctx context.Context, cond Condition) {
	fp := cond.Fingerprint()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || (g.hasInput && fp == g.fingerprint) {
		return
	}
	g.cond = cond
	g.fingerprint = fp
	g.hasInput = true
	g.startLocked(ctx)
}

// Recheck re-runs the check for the current input, for example after the
// policy changed. It is a no-op before the first Set.
func (g *Guard) Recheck(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || !g.hasInput {
		return
	}
	g.startLocked(ctx)
}

func (g *Guard) startLocked(ctx context.Context) {
	if g.cancel != nil {
		g.cancel()
	}
	g.gen++
	checkCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.setLocked(Decision{State: StatePending, Reason: ReasonPending})

	g.wg.Add(1)
	go g.run(checkCtx, cancel, g.gen, g.cond)
}

func (g *Guard) run(ctx context.Context, cancel context.CancelFunc, gen uint64, cond Condition) {
	defer g.wg.Done()
	defer cancel()

	var checkErr error
	opts := []CheckOption{WithErrorHandler(func(err error) { checkErr = err })}
	if g.timeout > 0 {
		opts = append(opts, WithTimeout(g.timeout))
	}
	d := g.checker.Authorize(ctx, cond, opts...)
	if d.State == StatePending {
		d = Decision{State: StateDenied, Reason: ReasonConditionError, Err: ErrContextualCheckFailed}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.gen {
		g.logger.Debug("discarding superseded check",
			"resource", cond.Resource,
			"action", cond.Action,
			"generation", gen,
			"current", g.gen,
		)
		return
	}
	g.setLocked(d)
	if checkErr != nil && g.onError != nil {
		g.onError(checkErr)
	}
}

func (g *Guard) setLocked(d Decision) {
	g.decision = d
	close(g.changed)
	g.changed = make(chan struct{})
	if g.onChange != nil {
		g.onChange(d)
	}
}

// Decision returns the current state.
func (g *Guard) Decision() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decision
}

// Wait blocks until the current input reaches a terminal state or ctx ends.
func (g *Guard) Wait(ctx context.Context) (Decision, error) {
	for {
		g.mu.Lock()
		d, ch := g.decision, g.changed
		g.mu.Unlock()
		if d.State != StatePending {
			return d, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return d, ctx.Err()
		}
	}
}

// Close cancels any in-flight check and waits for it to return.
func (g *Guard) Close() {
	g.mu.Lock()
	g.closed = true
	if g.cancel != nil {
		g.cancel()
	}
	g.mu.Unlock()
	g.wg.Wait()
}
