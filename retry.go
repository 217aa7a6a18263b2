package bgpool

import (
	"context"
	"fmt"
	"time"

	"github.com/jirevwe/bgpool/queue"
)

var _ queue.Handler = (*Retry)(nil)

// Retry runs a handler up to numTries times, sleeping in between. Every
// attempt runs inside the same unit of work, so the wrapped handler must
// tolerate what a failed attempt left behind in its session.
type Retry struct {
	sleepDuration time.Duration
	handler       queue.Handler
	numTries      int
}

func NewRetry(numTries int, sleepDuration time.Duration, h queue.Handler) *Retry {
	if numTries < 1 {
		numTries = 1
	}

	return &Retry{
		sleepDuration: sleepDuration,
		handler:       h,
		numTries:      numTries,
	}
}

func (r *Retry) ProcessMessage(ctx context.Context, msg *queue.Message) error {
	var err error
	for i := 0; i < r.numTries; i++ {
		if err = r.handler.ProcessMessage(ctx, msg); err == nil {
			return nil
		}

		if i == r.numTries-1 {
			break
		}

		timer := time.NewTimer(r.sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry interrupted after %d attempts: %w", i+1, err)
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.numTries, err)
}
