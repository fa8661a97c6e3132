package singleflight

import (
	"context"
	"sync"
)

// Group manages a set of in-flight calls so that at most one execution per
// key runs at a time. Waiters share the owner's result.
type Group[T any] struct {
	mu sync.Mutex
	m  map[string]*call[T]
}

// call represents an active function call.
type call[T any] struct {
	done chan struct{}
	val  T
	err  error
	dups int
}

// New creates a new singleflight Group.
func New[T any]() *Group[T] {
	return &Group[T]{
		m: make(map[string]*call[T]),
	}
}

// Do executes fn once for key, making duplicate callers wait for the
// original to complete. A waiter whose ctx ends stops waiting and gets
// ctx.Err(); the in-flight call keeps running for the others. shared reports
// whether the result came from another caller's execution.
func (g *Group[T]) Do(ctx context.Context, key string, fn func() (T, error)) (v T, err error, shared bool) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err, true
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err(), true
		}
	}

	c := &call[T]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	g.run(key, c, fn)
	return c.val, c.err, c.dups > 0
}

// TryGo starts fn in a new goroutine unless a call for key is already in
// flight. It reports whether it started one. The result is discarded by
// the group; fn is expected to publish it itself.
func (g *Group[T]) TryGo(key string, fn func() (T, error)) bool {
	g.mu.Lock()
	if _, ok := g.m[key]; ok {
		g.mu.Unlock()
		return false
	}
	c := &call[T]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	go g.run(key, c, fn)
	return true
}

// InFlight reports whether a call for key is running.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}

// Forget removes key from the group so the next caller starts a fresh
// execution even if one is still running.
func (g *Group[T]) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

func (g *Group[T]) run(key string, c *call[T], fn func() (T, error)) {
	defer func() {
		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
		close(c.done)
	}()
	c.val, c.err = fn()
}
