// Package reconcile holds the concurrency and retry-budget primitives shared by
// the backend reconcilers.
package reconcile

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Map runs fn for every item concurrently and waits for all of them to settle.
// Results are returned in item order. If any call fails, the error of the
// lowest-indexed failing item is returned, annotated with the failure count.
// A limit of zero or less means no concurrency limit.
func Map[T, R any](ctx context.Context, limit int, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	errs := make([]error, len(items))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		g.Go(func() error {
			results[i], errs[i] = fn(ctx, item)
			// Errors are collected per index; returning nil keeps every sibling running.
			return nil
		})
	}
	_ = g.Wait()

	if err := firstError(errs); err != nil {
		return nil, err
	}
	return results, nil
}

// ForEach is Map for operations without a result.
func ForEach[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) error {
	_, err := Map(ctx, limit, items, func(ctx context.Context, item T) (struct{}, error) {
		return struct{}{}, fn(ctx, item)
	})
	return err
}

func firstError(errs []error) error {
	var first error
	failed := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		failed++
	}
	if first == nil {
		return nil
	}
	if failed == 1 {
		return first
	}
	return fmt.Errorf("%d of %d operations failed, first: %w", failed, len(errs), first)
}
