package pool

import (
	"context"
	"fmt"
)

// nextTask returns the next task for a worker. The local batch is refilled
// with a non-blocking drain of up to size tasks; only when that yields
// nothing does the worker block on the queue. What's left of the batch is
// returned for the following calls.
func nextTask(ctx context.Context, q Queue, batch []Task, size int) (Task, []Task, error) {
	if len(batch) == 0 {
		var err error
		batch, err = q.DrainTo(ctx, batch[:0], size)
		if err != nil {
			return nil, batch, fmt.Errorf("%w: %w", ErrFetch, err)
		}

		if len(batch) == 0 {
			t, err := q.Take(ctx)
			if err != nil {
				return nil, batch, fmt.Errorf("%w: %w", ErrFetch, err)
			}
			return t, batch, nil
		}
	}

	t := batch[0]
	batch[0] = nil
	return t, batch[1:], nil
}
