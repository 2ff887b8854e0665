// Package taskgroup provides nested cancel-on-first-failure task groups, a
// limiter that bounds concurrent work across all of them, and deduplication
// of work shared between groups.
package taskgroup

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Group runs tasks that share a context. The first task to fail cancels that
// context; Wait returns the first error once every task has returned.
type Group struct {
	g   *errgroup.Group
	ctx context.Context
}

// New returns a Group whose context is derived from ctx.
func New(ctx context.Context) *Group {
	g, gctx := errgroup.WithContext(ctx)
	return &Group{g: g, ctx: gctx}
}

// Context is canceled when any task fails or the parent is canceled.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Go starts fn with the group context.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.g.Go(func() error {
		if err := g.ctx.Err(); err != nil {
			return err
		}
		return fn(g.ctx)
	})
}

// Wait blocks until all tasks return and yields the first error.
func (g *Group) Wait() error {
	return g.g.Wait()
}

// Limiter bounds how many callers hold a slot at once. A nil Limiter never
// blocks.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter returns a Limiter with n slots; n < 1 means one slot.
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Do runs fn while holding a slot. It returns ctx.Err() if ctx ends before a
// slot frees up.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if l == nil {
		return fn()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn()
}

// Shared runs at most one call per key at a time and hands its result to
// every caller waiting on that key. The call runs detached from any single
// caller: a caller whose context ends stops waiting without affecting the
// others, and the call itself is canceled only once no caller is left.
// The zero Shared is ready to use.
type Shared struct {
	mu    sync.Mutex
	sf    singleflight.Group
	calls map[string]*sharedCall
}

type sharedCall struct {
	waiters int
	ctx     context.Context
	cancel  context.CancelFunc
}

// Do runs fn for key unless a call for key is already in flight, and waits
// for the result or for ctx to end.
func (s *Shared) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	c, ch := s.join(ctx, key, fn)

	select {
	case res := <-ch:
		s.leave(key, c, false)
		return res.Val, res.Err
	case <-ctx.Done():
		s.leave(key, c, true)
		return nil, ctx.Err()
	}
}

func (s *Shared) join(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (*sharedCall, <-chan singleflight.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[key]
	if !ok {
		if s.calls == nil {
			s.calls = map[string]*sharedCall{}
		}
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &sharedCall{ctx: callCtx, cancel: cancel}
		s.calls[key] = c
	}
	c.waiters++

	// fn only runs if no call for key is in flight.
	ch := s.sf.DoChan(key, func() (any, error) {
		v, err := fn(c.ctx)
		s.mu.Lock()
		if s.calls[key] == c {
			delete(s.calls, key)
		}
		s.mu.Unlock()
		c.cancel()
		return v, err
	})
	return c, ch
}

func (s *Shared) leave(key string, c *sharedCall, abandoned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.waiters--
	if c.waiters > 0 || s.calls[key] != c {
		return
	}
	delete(s.calls, key)
	c.cancel()
	if abandoned {
		// Later callers must start afresh instead of joining the canceled call.
		s.sf.Forget(key)
	}
}
