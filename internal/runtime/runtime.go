// Package runtime assembles the presence daemon: bus, event store, rollout
// router, conversation manager and the HTTP surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-presence/internal/bus"
	"github.com/loqalabs/loqa-presence/internal/capture"
	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/loqalabs/loqa-presence/internal/control"
	"github.com/loqalabs/loqa-presence/internal/conversation"
	"github.com/loqalabs/loqa-presence/internal/eventstore"
	"github.com/loqalabs/loqa-presence/internal/guidance"
	"github.com/loqalabs/loqa-presence/internal/llm"
	"github.com/loqalabs/loqa-presence/internal/natsserver"
	"github.com/loqalabs/loqa-presence/internal/rollout"
	"github.com/loqalabs/loqa-presence/internal/stt"
	"github.com/loqalabs/loqa-presence/internal/tts"
	"github.com/loqalabs/loqa-presence/internal/turnlock"
	"github.com/loqalabs/loqa-presence/internal/voice"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	router   *rollout.Router
	manager  *conversation.Manager
	control  *control.Service
	shutdown func(context.Context) error
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the daemon until ctx is cancelled or a server fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.shutdown = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		r.shutdownTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.retentionLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slogError(err))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("metrics", r.cfg.Telemetry.PrometheusBind))

	err = g.Wait()
	r.stopServices()
	r.shutdownTelemetry()
	return err
}

func (r *Runtime) startServices(ctx context.Context) error {
	cfg := r.cfg
	embedded, err := natsserver.Start(cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = embedded
	busCfg := cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if err := r.store.Ensure(); err != nil {
		return err
	}

	rolloutStore, err := rollout.NewStore(rollout.FromConfig(cfg.Rollout))
	if err != nil {
		return fmt.Errorf("rollout config: %w", err)
	}
	r.router = rollout.NewRouter(rolloutStore, r.store, r.logger)
	records, err := r.store.ListMetrics(ctx)
	if err != nil {
		return fmt.Errorf("load rollout metrics: %w", err)
	}
	r.router.Restore(records)

	shared, newPlayer, err := r.buildPipeline()
	if err != nil {
		return err
	}
	busClient := r.bus
	r.manager = conversation.NewManager(ctx, cfg, shared, func(sessionID string) capture.Device {
		return capture.NewBusDevice(sessionID, busClient, r.logger)
	}, newPlayer)

	r.control = control.NewService(ctx, r.bus, r.manager, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("start session control: %w", err)
	}
	return nil
}

// buildPipeline selects every backend from config.
func (r *Runtime) buildPipeline() (conversation.Shared, func(*turnlock.Lock) conversation.Player, error) {
	cfg := r.cfg
	client := &http.Client{}

	recognizer, err := stt.NewRecognizer(cfg.STT, client)
	if err != nil {
		return conversation.Shared{}, nil, fmt.Errorf("stt: %w", err)
	}

	var oracle guidance.Oracle
	if cfg.Guidance.Enabled {
		if oracle, err = guidance.NewOracle(cfg.Guidance, client); err != nil {
			return conversation.Shared{}, nil, fmt.Errorf("guidance: %w", err)
		}
	}
	engine := guidance.NewEngine(oracle, time.Duration(cfg.Guidance.TimeoutMS)*time.Millisecond, r.logger)

	generator, err := llm.NewGenerator(cfg.Baseline, client)
	if err != nil {
		return conversation.Shared{}, nil, fmt.Errorf("baseline: %w", err)
	}

	var newPlayer func(*turnlock.Lock) conversation.Player
	if cfg.TTS.Enabled {
		synth, err := tts.NewSynthesizer(cfg.TTS)
		if err != nil {
			return conversation.Shared{}, nil, fmt.Errorf("tts: %w", err)
		}
		busClient := r.bus
		newPlayer = func(lock *turnlock.Lock) conversation.Player {
			return tts.NewPlayer(cfg.TTS, synth, lock, busClient, r.logger)
		}
	}

	return conversation.Shared{
		Recognizer: recognizer,
		Router:     r.router,
		Guidance:   engine,
		Voice:      voice.NewGenerator(cfg.Voice.SilenceProbability, nil),
		Baseline:   llm.NewBaseline(cfg.Baseline, generator, r.logger),
		Store:      r.store,
		Publisher:  r.bus,
		Logger:     r.logger,
	}, newPlayer, nil
}

func (r *Runtime) routes(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	api := &adminAPI{
		router:     r.router,
		turns:      r.store,
		minSamples: r.cfg.Rollout.MinSamples,
		logger:     r.logger.With(slog.String("component", "admin")),
	}
	api.register(mux)
	return mux
}

func (r *Runtime) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) stopServices() {
	if r.control != nil {
		r.control.Close()
	}
	if r.manager != nil {
		r.manager.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slogError(err))
		}
	}
}

func (r *Runtime) shutdownTelemetry() {
	if r.shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func (r *Runtime) healthy() bool {
	return r.bus.Healthy() && r.control != nil && r.control.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
