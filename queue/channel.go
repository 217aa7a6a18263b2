package queue

import (
	"context"

	"github.com/jirevwe/bgpool/pool"
)

var _ pool.Queue = (*Channel)(nil)

// Channel is a bounded in-memory queue. It accepts any task.
type Channel struct {
	tasks chan pool.Task
}

func NewChannel(size int) *Channel {
	if size < 0 {
		size = 0
	}
	return &Channel{tasks: make(chan pool.Task, size)}
}

// Put blocks while the channel is full.
func (c *Channel) Put(ctx context.Context, t pool.Task) error {
	select {
	case c.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Take(ctx context.Context) (pool.Task, error) {
	select {
	case t := <-c.tasks:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) DrainTo(_ context.Context, dst []pool.Task, max int) ([]pool.Task, error) {
	for i := 0; i < max; i++ {
		select {
		case t := <-c.tasks:
			dst = append(dst, t)
		default:
			return dst, nil
		}
	}
	return dst, nil
}

// Len returns the number of queued tasks.
func (c *Channel) Len() int { return len(c.tasks) }
