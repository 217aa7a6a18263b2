package pool

import (
	"context"
	"errors"
	"fmt"
)

// scope is the unit of work binding of a single task execution.
type scope struct {
	ctx   context.Context
	uow   UnitOfWork
	owned bool
}

func bind(ctx context.Context, uow UnitOfWork) (s *scope, err error) {
	defer catchPanic(&err)

	if uow == nil {
		return &scope{ctx: ctx}, nil
	}

	if uow.Bound(ctx) {
		// someone up the stack owns it
		return &scope{ctx: ctx, uow: uow}, nil
	}

	bound, err := uow.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire unit of work: %w", err)
	}

	return &scope{ctx: bound, uow: uow, owned: true}, nil
}

func (s *scope) flush() (err error) {
	defer catchPanic(&err)

	if !s.owned || s.uow.FlushMode(s.ctx) == FlushManual {
		return nil
	}

	if err := s.uow.Flush(s.ctx); err != nil {
		return fmt.Errorf("flush unit of work: %w", err)
	}
	return nil
}

func (s *scope) release() (err error) {
	defer catchPanic(&err)

	if !s.owned {
		return nil
	}

	if err := s.uow.Release(s.ctx); err != nil {
		return fmt.Errorf("release unit of work: %w", err)
	}
	return nil
}

// RunScoped runs t inside a unit of work. A session is acquired only when
// none is bound to ctx yet, and only an acquired session is flushed (after
// success, unless its flush mode is manual) and released. Release happens
// even when the task or the flush fails.
//
// uow may be nil, in which case t simply runs with ctx.
func RunScoped(ctx context.Context, uow UnitOfWork, t Task) (err error) {
	s, err := bind(ctx, uow)
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := s.release(); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()

	if err = run(s.ctx, t); err != nil {
		return err
	}

	return s.flush()
}

// run executes t, turning a panic into a *PanicError.
func run(ctx context.Context, t Task) (err error) {
	defer catchPanic(&err)

	return t.Run(ctx)
}

// catchPanic must be deferred directly. It stores a recovered panic in
// err as a *PanicError.
func catchPanic(err *error) {
	if rec := recover(); rec != nil {
		*err = newPanicError(rec)
	}
}
