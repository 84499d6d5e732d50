// Package singleflight collapses concurrent calls sharing a key into one
// execution whose result is delivered to every waiter.
package singleflight

import (
	"context"
	"sync"
)

// Group manages a set of in-flight calls keyed by string.
// The zero value is ready to use.
type Group[T any] struct {
	mu sync.Mutex
	m  map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
	dups int
}

// New creates a new Group.
func New[T any]() *Group[T] {
	return &Group[T]{m: make(map[string]*call[T])}
}

// Do executes fn once for all concurrent callers using key. The flight runs
// on a context detached from any single caller, so one waiter abandoning
// (ctx done) does not cancel the work for the others. shared reports whether
// the result was delivered to more than one caller.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (val T, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*call[T])
	}
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		return g.wait(ctx, c, true)
	}

	c := &call[T]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	go g.run(context.WithoutCancel(ctx), key, c, fn)

	return g.wait(ctx, c, false)
}

// TryDo runs fn only if no call for key is in flight. It blocks until fn
// returns and reports false with ErrInProgress otherwise.
func (g *Group[T]) TryDo(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error, bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*call[T])
	}
	if _, ok := g.m[key]; ok {
		g.mu.Unlock()
		var zero T
		return zero, ErrInProgress, false
	}

	c := &call[T]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	g.run(ctx, key, c, fn)
	return c.val, c.err, true
}

// InFlight reports whether a call for key is currently executing.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}

func (g *Group[T]) run(ctx context.Context, key string, c *call[T], fn func(context.Context) (T, error)) {
	c.val, c.err = fn(ctx)

	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()

	close(c.done)
}

func (g *Group[T]) wait(ctx context.Context, c *call[T], dup bool) (T, error, bool) {
	select {
	case <-c.done:
		g.mu.Lock()
		shared := dup || c.dups > 0
		g.mu.Unlock()
		return c.val, c.err, shared
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err(), dup
	}
}
