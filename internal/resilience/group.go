package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned by [Do] when every entry failed or was rejected
// by its breaker.
var ErrAllFailed = errors.New("resilience: all entries failed")

type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group is an ordered list of interchangeable values, each guarded by its
// own [Breaker]. Entries are added before use and never removed.
type Group[T any] struct {
	cfg     BreakerConfig
	entries []entry[T]
}

// NewGroup returns an empty group whose breakers use cfg.
func NewGroup[T any](cfg BreakerConfig) *Group[T] {
	return &Group[T]{cfg: cfg}
}

// Add appends v under name. Entries are tried in the order they were added.
func (g *Group[T]) Add(name string, v T) {
	cfg := g.cfg
	cfg.Name = name
	g.entries = append(g.entries, entry[T]{name: name, value: v, breaker: NewBreaker(cfg)})
}

// Len returns the number of entries.
func (g *Group[T]) Len() int { return len(g.entries) }

// Breaker returns the breaker guarding the i-th entry.
func (g *Group[T]) Breaker(i int) *Breaker { return g.entries[i].breaker }

// Do calls fn with each entry in order until one succeeds and returns that
// result. Entries whose breaker is open are skipped. Once ctx is done no
// further entry is tried and the last error is returned unwrapped.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.entries {
		e := &g.entries[i]
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		var res R
		err := e.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			res, err = fn(ctx, e.value)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Info("failover: using fallback", "name", e.name)
			}
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, err
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("failover: skipping entry with open circuit", "name", e.name)
			continue
		}
		slog.Warn("failover: entry failed", "name", e.name, "err", err)
	}
	if lastErr == nil {
		return zero, ErrAllFailed
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
