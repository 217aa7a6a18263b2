package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/jirevwe/bgpool/pool"
)

var _ pool.UnitOfWork = (*SQL)(nil)

// SQL is a unit of work over a database/sql connection pool. Every scope
// gets its own SQLSession; the transaction is begun on first use.
type SQL struct {
	db   *sqlx.DB
	mode pool.FlushMode
	opts *sql.TxOptions
}

type sqlKey struct{ p *SQL }

// NewSQL returns a provider whose sessions start in the given flush mode.
// opts may be nil.
func NewSQL(db *sqlx.DB, mode pool.FlushMode, opts *sql.TxOptions) *SQL {
	return &SQL{db: db, mode: mode, opts: opts}
}

// SQLSession is the state bound to one scope.
type SQLSession struct {
	mu       sync.Mutex
	db       *sqlx.DB
	opts     *sql.TxOptions
	tx       *sqlx.Tx
	mode     pool.FlushMode
	released bool
}

func (p *SQL) FromContext(ctx context.Context) (*SQLSession, bool) {
	s, ok := ctx.Value(sqlKey{p}).(*SQLSession)
	return s, ok
}

func (p *SQL) Bound(ctx context.Context) bool {
	_, ok := p.FromContext(ctx)
	return ok
}

func (p *SQL) Acquire(ctx context.Context) (context.Context, error) {
	s := &SQLSession{db: p.db, opts: p.opts, mode: p.mode}
	return context.WithValue(ctx, sqlKey{p}, s), nil
}

func (p *SQL) FlushMode(ctx context.Context) pool.FlushMode {
	s, ok := p.FromContext(ctx)
	if !ok {
		return p.mode
	}
	return s.FlushMode()
}

func (p *SQL) Flush(ctx context.Context) error {
	s, ok := p.FromContext(ctx)
	if !ok {
		return ErrNotBound
	}
	return s.Flush(ctx)
}

func (p *SQL) Release(ctx context.Context) error {
	s, ok := p.FromContext(ctx)
	if !ok {
		return ErrNotBound
	}
	return s.release()
}

// Tx returns the session transaction, beginning it if needed.
func (s *SQLSession) Tx(ctx context.Context) (*sqlx.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrReleased
	}

	if s.tx == nil {
		tx, err := s.db.BeginTxx(ctx, s.opts)
		if err != nil {
			return nil, fmt.Errorf("cannot start tx: %w", err)
		}
		s.tx = tx
	}

	return s.tx, nil
}

func (s *SQLSession) FlushMode() pool.FlushMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *SQLSession) SetFlushMode(mode pool.FlushMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// Flush commits the work done so far. Later calls to Tx begin a fresh
// transaction.
func (s *SQLSession) Flush(context.Context) error {
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
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cannot commit tx: %w", err)
	}
	return nil
}

// release rolls back anything that wasn't flushed.
func (s *SQLSession) release() error {
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
	// a tx whose context got cancelled is already rolled back
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("cannot roll back tx: %w", err)
	}
	return nil
}
