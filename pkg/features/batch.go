package features

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// EncodeBatch encodes items in order. The first failure aborts the batch and
// no partial result is returned.
func EncodeBatch(ctx context.Context, c Codec, items []string) ([]Vector, error) {
	results := make([]Vector, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := c.Encode(item)
		if err != nil {
			return nil, &BatchError{Index: i, Err: err}
		}
		results[i] = v
	}
	return results, nil
}

// ParallelEncodeBatch encodes items concurrently with at most maxConcurrency
// workers. Results keep the input order. When several items fail, the error of
// the lowest index is returned so the outcome does not depend on scheduling.
func ParallelEncodeBatch(ctx context.Context, c Codec, items []string, maxConcurrency int) ([]Vector, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}

	results := make([]Vector, len(items))
	errs := make([]error, len(items))

	var g errgroup.Group
	g.SetLimit(maxConcurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := c.Encode(item)
			if err != nil {
				errs[i] = &BatchError{Index: i, Err: err}
				return nil
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// BatchError locates the failing item of a batch.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
