// Package server orchestrates all components: transport, registry, correlation table,
// dispatcher, inbound router, call journal and the HTTP front end.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/action-bridge/internal/config"
	"github.com/morezero/action-bridge/pkg/bootstrap"
	"github.com/morezero/action-bridge/pkg/commsutil"
	"github.com/morezero/action-bridge/pkg/correlation"
	"github.com/morezero/action-bridge/pkg/db"
	"github.com/morezero/action-bridge/pkg/dispatcher"
	"github.com/morezero/action-bridge/pkg/events"
	"github.com/morezero/action-bridge/pkg/registry"
	"github.com/morezero/action-bridge/pkg/router"
	"github.com/morezero/action-bridge/pkg/transport"
	"github.com/morezero/action-bridge/pkg/transport/amqpbus"
	"github.com/morezero/action-bridge/pkg/transport/kafkabus"
	"github.com/morezero/action-bridge/pkg/transport/natsbus"
)

const logPrefix = "server:server"

// metricsRetain is how long the in-memory sink keeps intervals.
const metricsRetain = time.Minute

// Server is the action-bridge orchestrator.
type Server struct {
	cfg *config.Config

	bus     transport.Transport
	pool    *pgxpool.Pool
	journal *db.Journal
	inmem   *metrics.InmemSink

	reg    *registry.Registry
	table  *correlation.Table
	disp   *dispatcher.Dispatcher
	router *router.Router

	httpServer *http.Server
	listener   net.Listener
	ready      atomic.Bool
}

// NewServerParams holds parameters for New.
type NewServerParams struct {
	Config *config.Config
	// Transport overrides the transport selected by Config.Transport. The
	// server takes ownership and closes it on Shutdown.
	Transport transport.Transport
}

// New wires every component, applies the bootstrap file and subscribes to the
// bus. The HTTP front end is not started until Start.
func New(ctx context.Context, params NewServerParams) (*Server, error) {
	cfg := params.Config
	s := &Server{cfg: cfg}
	s.inmem = metrics.NewInmemSink(cfg.MetricsInterval, metricsRetain)

	bus := params.Transport
	if bus == nil {
		var err error
		bus, err = openTransport(cfg)
		if err != nil {
			return nil, err
		}
	}
	s.bus = bus

	var recorder dispatcher.Recorder = dispatcher.NoOpRecorder{}
	if cfg.JournalEnabled() {
		if err := s.openJournal(ctx); err != nil {
			bus.Close()
			return nil, err
		}
		recorder = s.journal
	}

	topics := cfg.Topics()
	s.reg = registry.NewRegistry(registry.NewRegistryParams{
		Publisher:  events.NewTransportPublisher(bus, topics),
		MetricSink: s.inmem,
	})
	s.table = correlation.NewTable(correlation.WithMetricSink(s.inmem))
	s.disp = dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{
		Registry:   s.reg,
		Table:      s.table,
		Publisher:  bus,
		Topics:     topics,
		Recorder:   recorder,
		MetricSink: s.inmem,
	})
	s.router = router.NewRouter(router.NewRouterParams{
		Registry:   s.reg,
		Table:      s.table,
		Topics:     topics,
		MetricSink: s.inmem,
		Context:    ctx,
	})

	bootstrapCfg, err := bootstrap.LoadBootstrapConfig(cfg.BootstrapFile)
	if err != nil {
		s.closeBackends(ctx)
		return nil, fmt.Errorf("%s - failed to load bootstrap config: %w", logPrefix, err)
	}
	if _, err := bootstrap.Seed(ctx, s.reg, bootstrapCfg); err != nil {
		s.closeBackends(ctx)
		return nil, fmt.Errorf("%s - failed to seed bootstrap services: %w", logPrefix, err)
	}

	if err := bus.Subscribe(ctx, s.router.Deliver); err != nil {
		s.closeBackends(ctx)
		return nil, fmt.Errorf("%s - failed to subscribe: %w", logPrefix, err)
	}
	s.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - Subscribed via %s; requests on %s/<service>/<action>, announcements on %s",
		logPrefix, cfg.Transport, topics.OutboundPrefix, topics.AnnounceTopic))

	return s, nil
}

// openTransport dials the transport named in cfg.
func openTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportNATS:
		bus, err := natsbus.Dial(commsutil.ConnectParams{URL: cfg.COMMSURL, Name: cfg.COMMSName})
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
		}
		return bus, nil
	case config.TransportAMQP:
		bus, err := amqpbus.Dial(amqpbus.Config{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange, Name: cfg.COMMSName})
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to AMQP: %w", logPrefix, err)
		}
		return bus, nil
	case config.TransportKafka:
		bus, err := kafkabus.Dial(kafkabus.Config{Brokers: cfg.KafkaBrokers, TopicPattern: cfg.KafkaPattern(), ClientID: cfg.COMMSName})
		if err != nil {
			return nil, fmt.Errorf("%s - failed to create Kafka client: %w", logPrefix, err)
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("%s - unknown transport %q", logPrefix, cfg.Transport)
	}
}

// openJournal connects to Postgres, runs migrations when enabled and starts
// the journal writer.
func (s *Server) openJournal(ctx context.Context) error {
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	if s.cfg.RunMigrations {
		files, err := db.LoadMigrations(s.cfg.MigrationPath)
		if err != nil {
			pool.Close()
			return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, files); err != nil {
			pool.Close()
			return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	s.pool = pool
	s.journal = db.NewJournal(db.JournalParams{
		Writer:     db.NewRepository(pool),
		Buffer:     s.cfg.JournalBuffer,
		MetricSink: s.inmem,
	})
	s.journal.Start()
	slog.Info(fmt.Sprintf("%s - Call journal enabled", logPrefix))
	return nil
}

// Handler returns the HTTP front end.
func (s *Server) Handler() http.Handler {
	params := HandlerParams{
		Services:           s.reg,
		Invoker:            s.disp,
		Metrics:            s.inmem,
		Ready:              s.ready.Load,
		RequestTimeout:     s.cfg.RequestTimeout,
		MaxRequestTimeout:  s.cfg.MaxRequestTimeout,
		MaxBodyBytes:       s.cfg.MaxBodyBytes,
		HealthCheckTimeout: s.cfg.HealthCheckTimeout,
	}
	if s.pool != nil {
		params.Calls = db.NewRepository(s.pool)
		params.DB = s.pool
	}
	return NewHandler(params)
}

// Start listens on the configured address and serves HTTP in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, s.cfg.ListenAddr(), err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, ln.Addr()))
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()
	return nil
}

// Addr returns the HTTP listen address once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Dispatcher returns the server's dispatcher.
func (s *Server) Dispatcher() *dispatcher.Dispatcher {
	return s.disp
}

// Registry returns the server's service registry.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Shutdown stops HTTP, closes the transport, waits for in-flight deliveries
// and drains the journal.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s - http shutdown: %w", logPrefix, err))
		}
	}
	if err := s.closeBackends(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) closeBackends(ctx context.Context) error {
	var errs []error
	if err := s.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%s - transport close: %w", logPrefix, err))
	}
	if s.router != nil {
		s.router.Close()
	}
	if s.journal != nil {
		if err := s.journal.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s - journal close: %w", logPrefix, err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return errors.Join(errs...)
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	setupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting action-bridge", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, NewServerParams{Config: cfg})
	if err != nil {
		return err
	}

	// SIGUSR1 dumps the in-memory metrics to stderr.
	inmemSignal := metrics.DefaultInmemSignal(s.inmem)
	defer inmemSignal.Stop()

	if err := s.Start(); err != nil {
		s.closeBackends(ctx)
		return err
	}

	slog.Info(fmt.Sprintf("%s - Action-bridge is ready", logPrefix))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		slog.Error(fmt.Sprintf("%s - shutdown: %v", logPrefix, err))
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}
