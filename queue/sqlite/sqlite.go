package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jirevwe/bgpool/pool"
	"github.com/jirevwe/bgpool/queue"
)

const DefaultPollInterval = 100 * time.Millisecond

var (
	ErrInvalidQueueName = errors.New("sqlite: queue name must match [A-Za-z0-9_]+")

	validName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

var _ pool.Queue = (*Queue)(nil)

type Config struct {
	// Name of the queue, the backing table is queues__<Name>
	Name string

	// Resolver binds every dequeued message to its handler
	Resolver queue.Resolver

	// PollInterval is how often a blocked Take checks the table for rows
	// written by other processes (default: 100ms)
	PollInterval time.Duration

	Logger *slog.Logger
}

// Queue is a durable FIFO queue stored in a SQLite table. Only
// *queue.Message tasks can be stored. A dequeued row is deleted in the same
// transaction that reads it, so a message is handed to exactly one worker.
type Queue struct {
	db       *sqlx.DB
	table    string
	resolver queue.Resolver
	interval time.Duration
	log      *slog.Logger

	// wakes blocked Takes when this process writes
	notify chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

type row struct {
	ID      string `db:"id"`
	Message []byte `db:"message"`
}

// New creates the queue table if needed. The caller owns db.
func New(ctx context.Context, db *sqlx.DB, cfg Config) (*Queue, error) {
	if !validName.MatchString(cfg.Name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQueueName, cfg.Name)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		db:       db,
		table:    "queues__" + cfg.Name,
		resolver: cfg.Resolver,
		interval: cfg.PollInterval,
		log:      cfg.Logger,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}

	createQueueQuery := `CREATE TABLE IF NOT EXISTS ` + q.table + ` (
		id TEXT PRIMARY KEY,
		message BLOB NOT NULL,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ'))
	) strict;`

	if _, err := db.ExecContext(ctx, createQueueQuery); err != nil {
		return nil, fmt.Errorf("create queue table %s: %w", q.table, err)
	}

	return q, nil
}

// Put writes a message to the queue
func (q *Queue) Put(ctx context.Context, t pool.Task) error {
	if q.isClosed() {
		return queue.ErrClosed
	}

	msg, raw, err := queue.Encode(t)
	if err != nil {
		return err
	}

	err = q.inTx(ctx, func(tx *sqlx.Tx) error {
		writeQuery := `INSERT INTO ` + q.table + ` (id, message) VALUES ($1, $2)`
		_, innerErr := tx.ExecContext(ctx, writeQuery, msg.ID, raw)
		return innerErr
	})
	if err != nil {
		return err
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return nil
}

// DrainTo removes up to max of the oldest messages without waiting.
func (q *Queue) DrainTo(ctx context.Context, dst []pool.Task, max int) ([]pool.Task, error) {
	if q.isClosed() {
		return dst, queue.ErrClosed
	}

	if max <= 0 {
		return dst, nil
	}

	var rows []row
	err := q.inTx(ctx, func(tx *sqlx.Tx) error {
		popQuery := `DELETE FROM ` + q.table + ` WHERE id IN (
			SELECT id FROM ` + q.table + ` ORDER BY id LIMIT $1
		) RETURNING id, message`
		return tx.SelectContext(ctx, &rows, popQuery, max)
	})
	if err != nil {
		return dst, err
	}

	// RETURNING has no defined order
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	for _, r := range rows {
		msg, err := queue.Decode(r.Message, q.resolver)
		if err != nil {
			q.log.Error("dropping undecodable message", "queue", q.table, "id", r.ID, "error", err)
			continue
		}
		dst = append(dst, msg)
	}

	return dst, nil
}

// Take waits for the next message. Writes from this process wake it at
// once; writes from other processes are picked up on the next poll.
func (q *Queue) Take(ctx context.Context) (pool.Task, error) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	var batch []pool.Task
	for {
		var err error
		batch, err = q.DrainTo(ctx, batch[:0], 1)
		if err != nil {
			return nil, err
		}

		if len(batch) > 0 {
			return batch[0], nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, queue.ErrClosed
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.GetContext(ctx, &n, `SELECT count(*) FROM `+q.table); err != nil {
		return 0, err
	}
	return n, nil
}

// Truncate deletes every queued message.
func (q *Queue) Truncate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM `+q.table)
	return err
}

// Close wakes blocked Takes with queue.ErrClosed and fails later calls. The
// database is left open.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return nil
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Queue) inTx(ctx context.Context, cb func(*sqlx.Tx) error) (err error) {
	tx, txErr := q.db.BeginTxx(ctx, nil)
	if txErr != nil {
		return fmt.Errorf("cannot start tx: %w", txErr)
	}

	defer func() {
		if rec := recover(); rec != nil {
			_ = rollback(tx, nil)
			panic(rec)
		}
	}()

	if err := cb(tx); err != nil {
		return rollback(tx, err)
	}

	if txErr := tx.Commit(); txErr != nil {
		return fmt.Errorf("cannot commit tx: %w", txErr)
	}

	return nil
}

func rollback(tx *sqlx.Tx, err error) error {
	if txErr := tx.Rollback(); txErr != nil {
		return fmt.Errorf("cannot roll back tx after error (tx error: %v), original error: %w", txErr, err)
	}
	return err
}
