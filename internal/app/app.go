package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jirevwe/bgpool"
	"github.com/jirevwe/bgpool/internal/config"
	"github.com/jirevwe/bgpool/pool"
	"github.com/jirevwe/bgpool/queue"
	"github.com/jirevwe/bgpool/queue/rabbitmq"
	"github.com/jirevwe/bgpool/session"
)

// App is a configured bgpool process: the server, its unit of work and the
// metrics registry.
type App struct {
	Server   *bgpool.Server
	Registry *prometheus.Registry

	uow     pool.UnitOfWork
	log     *slog.Logger
	closers []func() error
}

// New builds an App from cfg. Nothing is started.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) (*App, error) {
	a := &App{
		Registry: prometheus.NewRegistry(),
		log:      logger,
	}

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	uow, err := a.openUnitOfWork(ctx, cfg.Database)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.uow = uow

	mux := bgpool.NewMux()
	a.registerBuiltins(mux)

	srvCfg := &bgpool.Config{
		Mux:           mux,
		QueueName:     cfg.Queue.Name,
		QueueSize:     cfg.Queue.Size,
		UnitOfWork:    uow,
		ThreadCount:   cfg.Pool.Threads,
		TasksPerDrain: cfg.Pool.TasksPerDrain,
		Logger:        logger,
		Metrics:       pool.NewMetrics(a.Registry, cfg.Metrics.Namespace),
		Tracer:        tracer,
	}

	switch cfg.Queue.Driver {
	case config.QueueSQLite:
		interval, err := cfg.PollInterval()
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		srvCfg.DBPath = cfg.Queue.Path
		srvCfg.PollInterval = interval
	case config.QueueRabbitMQ:
		q, err := rabbitmq.New(rabbitmq.Config{
			URL:      cfg.Queue.URL,
			Name:     cfg.Queue.Name,
			Prefetch: cfg.Queue.Prefetch,
			Resolver: mux,
			Logger:   logger,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, q.Close)
		srvCfg.Queue = q
	}

	srv, err := bgpool.NewServer(srvCfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Server = srv

	return a, nil
}

func (a *App) openUnitOfWork(ctx context.Context, cfg config.DatabaseConfig) (pool.UnitOfWork, error) {
	mode := pool.FlushAuto
	if strings.EqualFold(cfg.FlushMode, "manual") {
		mode = pool.FlushManual
	}

	switch cfg.Driver {
	case "":
		return nil, nil
	case session.DriverSQLite, session.DriverPostgres:
		db, err := session.Open(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return session.NewSQL(db, mode, nil), nil
	case "pgx":
		p, err := session.NewPgxPool(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			p.Close()
			return nil
		})
		return session.NewPgx(p, mode, pgx.TxOptions{}), nil
	default:
		return nil, fmt.Errorf("%w: %q", session.ErrUnsupportedDriver, cfg.Driver)
	}
}

// registerBuiltins registers the handlers every bgpool process serves:
//
//	log  logs the payload
//	sql  executes the payload as a statement in the task's unit of work
func (a *App) registerBuiltins(mux *bgpool.Mux) {
	mux.HandleFunc("log", func(ctx context.Context, msg *queue.Message) error {
		a.log.Info("message received", "id", msg.ID, "worker", pool.WorkerName(ctx), "payload", string(msg.Payload))
		return nil
	})

	mux.HandleFunc("sql", func(ctx context.Context, msg *queue.Message) error {
		return a.exec(ctx, string(msg.Payload))
	})
}

func (a *App) exec(ctx context.Context, stmt string) error {
	switch uow := a.uow.(type) {
	case *session.SQL:
		s, ok := uow.FromContext(ctx)
		if !ok {
			return session.ErrNotBound
		}
		tx, err := s.Tx(ctx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, stmt)
		return err
	case *session.Pgx:
		s, ok := uow.FromContext(ctx)
		if !ok {
			return session.ErrNotBound
		}
		tx, err := s.Tx(ctx)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, stmt)
		return err
	default:
		return errors.New("no database configured")
	}
}

// Handler serves /metrics and /healthz. The pool is healthy while it has
// live workers.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if a.Server.Live() == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "no live workers")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	return mux
}

// Shutdown stops the server and releases everything New opened.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.Server != nil {
		err = a.Server.Shutdown(ctx)
	}
	return errors.Join(err, a.Close())
}

// Close releases the resources New opened, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
