package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jirevwe/bgpool/pool"
)

var _ pool.UnitOfWork = (*Pgx)(nil)

// Pgx is a unit of work over a pgx connection pool.
type Pgx struct {
	pool *pgxpool.Pool
	mode pool.FlushMode
	opts pgx.TxOptions
}

type pgxKey struct{ p *Pgx }

func NewPgx(p *pgxpool.Pool, mode pool.FlushMode, opts pgx.TxOptions) *Pgx {
	return &Pgx{pool: p, mode: mode, opts: opts}
}

// NewPgxPool connects to Postgres and checks the connection.
func NewPgxPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return p, nil
}

type PgxSession struct {
	mu       sync.Mutex
	pool     *pgxpool.Pool
	opts     pgx.TxOptions
	tx       pgx.Tx
	mode     pool.FlushMode
	released bool
}

func (p *Pgx) FromContext(ctx context.Context) (*PgxSession, bool) {
	s, ok := ctx.Value(pgxKey{p}).(*PgxSession)
	return s, ok
}

func (p *Pgx) Bound(ctx context.Context) bool {
	_, ok := p.FromContext(ctx)
	return ok
}

func (p *Pgx) Acquire(ctx context.Context) (context.Context, error) {
	s := &PgxSession{pool: p.pool, opts: p.opts, mode: p.mode}
	return context.WithValue(ctx, pgxKey{p}, s), nil
}

func (p *Pgx) FlushMode(ctx context.Context) pool.FlushMode {
	s, ok := p.FromContext(ctx)
	if !ok {
		return p.mode
	}
	return s.FlushMode()
}

func (p *Pgx) Flush(ctx context.Context) error {
	s, ok := p.FromContext(ctx)
	if !ok {
		return ErrNotBound
	}
	return s.Flush(ctx)
}

func (p *Pgx) Release(ctx context.Context) error {
	s, ok := p.FromContext(ctx)
	if !ok {
		return ErrNotBound
	}
	return s.release(ctx)
}

// Tx returns the session transaction, beginning it if needed.
func (s *PgxSession) Tx(ctx context.Context) (pgx.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrReleased
	}

	if s.tx == nil {
		tx, err := s.pool.BeginTx(ctx, s.opts)
		if err != nil {
			return nil, fmt.Errorf("begin tx: %w", err)
		}
		s.tx = tx
	}

	return s.tx, nil
}

func (s *PgxSession) FlushMode() pool.FlushMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *PgxSession) SetFlushMode(mode pool.FlushMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

func (s *PgxSession) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrReleased
	}

	if s.tx == nil {
		return nil
	}

	tx := s.tx
	s.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PgxSession) release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	s.released = true

	if s.tx == nil {
		return nil
	}

	tx := s.tx
	s.tx = nil

	// the task context may already be done
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("rollback tx: %w", err)
	}
	return nil
}
