package util

import (
	"context"
	"sync"
)

// Group suppresses duplicate in-flight work: concurrent calls to Do with the
// same key share one execution and its result.
type Group struct {
	mu sync.Mutex
	m  map[string]*call
}

type call struct {
	wg   sync.WaitGroup
	val  interface{}
	err  error
	dups int
}

// Do runs fn once per key at a time. Duplicate callers block until the
// original call finishes and receive the same result; shared reports whether
// the result was handed to more than one caller.
func (g *Group) Do(key string, fn func() (interface{}, error)) (v interface{}, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*call)
	}
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err, true
	}
	c := new(call)
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
	c.wg.Done()

	return c.val, c.err, c.dups > 0
}

// DoWithContext is Do with cancellation: the caller stops waiting when ctx
// ends, though the underlying fn still runs to completion for the others.
func (g *Group) DoWithContext(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error, bool) {
	type result struct {
		val    interface{}
		err    error
		shared bool
	}

	ch := make(chan result, 1)
	go func() {
		val, err, shared := g.Do(key, func() (interface{}, error) {
			return fn(ctx)
		})
		ch <- result{val, err, shared}
	}()

	select {
	case r := <-ch:
		return r.val, r.err, r.shared
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
}
