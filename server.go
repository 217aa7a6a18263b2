package bgpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jirevwe/bgpool/pool"
	"github.com/jirevwe/bgpool/queue"
	"github.com/jirevwe/bgpool/queue/sqlite"
	"github.com/jirevwe/bgpool/session"
)

const (
	DefaultQueueName = "default"
	DefaultQueueSize = 1024
)

type Server struct {
	mux    *Mux
	queue  pool.Queue
	logger *slog.Logger
	pool   *pool.Manager

	// resources the server opened itself
	closers []io.Closer
}

type Config struct {
	Mux *Mux

	// Queue is the shared queue. When nil, a SQLite queue is opened at
	// DBPath, or an in-memory queue of QueueSize is used if DBPath is empty.
	Queue     pool.Queue
	DBPath    string
	QueueName string
	QueueSize int

	// PollInterval of the SQLite queue
	PollInterval time.Duration

	UnitOfWork     pool.UnitOfWork
	FailureHandler pool.FailureHandler

	ThreadCount   int
	TasksPerDrain int

	Logger  *slog.Logger
	Metrics *pool.Metrics
	Tracer  trace.Tracer
}

func NewServer(cfg *Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	if cfg.Mux == nil {
		cfg.Mux = NewMux()
	}

	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}

	if cfg.FailureHandler == nil {
		cfg.FailureHandler = pool.NewLogFailureHandler(cfg.Logger)
	}

	s := &Server{
		mux:    cfg.Mux,
		logger: cfg.Logger,
	}

	if cfg.Queue == nil {
		q, err := s.openQueue(cfg)
		if err != nil {
			_ = s.close()
			return nil, err
		}
		cfg.Queue = q
	}
	s.queue = cfg.Queue

	factory, err := pool.NewFactory(cfg.FailureHandler)
	if err != nil {
		_ = s.close()
		return nil, err
	}

	s.pool = pool.NewManager(pool.Config{
		Queue:         cfg.Queue,
		Factory:       factory,
		UnitOfWork:    cfg.UnitOfWork,
		ThreadCount:   cfg.ThreadCount,
		TasksPerDrain: cfg.TasksPerDrain,
		Logger:        cfg.Logger,
		Metrics:       cfg.Metrics,
		Tracer:        cfg.Tracer,
	})

	return s, nil
}

func (s *Server) openQueue(cfg *Config) (pool.Queue, error) {
	if cfg.DBPath == "" {
		size := cfg.QueueSize
		if size <= 0 {
			size = DefaultQueueSize
		}
		return queue.NewChannel(size), nil
	}

	ctx := context.Background()
	db, err := session.Open(ctx, session.DriverSQLite, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, db)

	q, err := sqlite.New(ctx, db, sqlite.Config{
		Name:         cfg.QueueName,
		Resolver:     s.mux,
		PollInterval: cfg.PollInterval,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	// closed before the db
	s.closers = append([]io.Closer{q}, s.closers...)
	return q, nil
}

// Handle registers the handler for a message type.
func (s *Server) Handle(typeName string, h queue.Handler) {
	s.mux.Handle(typeName, h)
}

func (s *Server) HandleFunc(typeName string, fn func(context.Context, *queue.Message) error) {
	s.mux.HandleFunc(typeName, fn)
}

// Enqueue writes a message of the given type to the shared queue.
func (s *Server) Enqueue(ctx context.Context, typeName string, payload []byte) (*queue.Message, error) {
	msg := queue.NewMessage(typeName, payload).Bind(s.mux)

	if err := s.queue.Put(ctx, msg); err != nil {
		s.logger.Error(fmt.Sprintf("aborting putting %s message", typeName), "id", msg.ID, "error", err)
		return nil, err
	}

	return msg, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.pool.Start(ctx)
}

func (s *Server) Stop() {
	s.pool.Stop()
}

// Shutdown stops the pool, waits for the workers and closes whatever the
// server opened itself.
func (s *Server) Shutdown(ctx context.Context) error {
	return errors.Join(s.pool.Shutdown(ctx), s.close())
}

// Live returns the number of running workers.
func (s *Server) Live() int { return s.pool.Live() }

// Pool exposes the underlying worker pool.
func (s *Server) Pool() *pool.Manager { return s.pool }

func (s *Server) Queue() pool.Queue { return s.queue }

func (s *Server) close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
