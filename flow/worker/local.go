package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// LocalPool runs units in-process under a bounded concurrency limit.
//
// Submission never blocks: each unit gets a goroutine that first acquires a
// pool slot, so admission order follows slot availability. Per-unit
// timeouts and cancellation are enforced with contexts.
type LocalPool struct {
	sem  *semaphore.Weighted
	envs map[string]Environment

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// PoolOption customizes a LocalPool.
type PoolOption func(*LocalPool)

// WithEnvironment registers an environment under a binding name. The pool
// starts with "local" and "" bound to the host environment; "docker:IMAGE"
// bindings resolve implicitly.
func WithEnvironment(name string, env Environment) PoolOption {
	return func(p *LocalPool) { p.envs[name] = env }
}

// NewLocalPool creates a pool running at most capacity units concurrently.
// Capacity values below 1 are raised to 1.
func NewLocalPool(capacity int, opts ...PoolOption) *LocalPool {
	if capacity < 1 {
		capacity = 1
	}
	p := &LocalPool{
		sem:     semaphore.NewWeighted(int64(capacity)),
		envs:    map[string]Environment{"": LocalEnv{}, "local": LocalEnv{}},
		cancels: make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Environment resolves a unit's binding to a registered or implicit
// environment.
func (p *LocalPool) Environment(binding string) (Environment, error) {
	if env, ok := p.envs[binding]; ok {
		return env, nil
	}
	return ParseEnv(binding)
}

// Submit queues a unit for execution. The returned channel delivers exactly
// one Outcome.
func (p *LocalPool) Submit(ctx context.Context, u Unit) (<-chan Outcome, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if _, err := p.Environment(u.Env); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	unitCtx, cancel := context.WithCancel(ctx)
	p.cancels[u.ID] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	ch := make(chan Outcome, 1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.cancels, u.ID)
			p.mu.Unlock()
			cancel()
		}()
		ch <- p.run(unitCtx, u)
	}()
	return ch, nil
}

func (p *LocalPool) run(ctx context.Context, u Unit) Outcome {
	out := Outcome{UnitID: u.ID}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		out.Err = err
		out.Started, out.Finished = time.Now(), time.Now()
		return out
	}
	defer p.sem.Release(1)

	runCtx := ctx
	var cancel context.CancelFunc
	if u.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}

	out.Started = time.Now()
	outputs, err := u.Execute(runCtx)
	out.Finished = time.Now()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) ||
			(runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil) {
			err = ErrTimeout
		}
		out.Err = err
		return out
	}
	out.Outputs = outputs
	return out
}

// Cancel aborts a queued or running unit. Unknown IDs are ignored.
func (p *LocalPool) Cancel(unitID string) {
	p.mu.Lock()
	cancel, ok := p.cancels[unitID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close cancels all outstanding units and waits for their goroutines to
// drain. Submissions after Close return ErrPoolClosed.
func (p *LocalPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}
