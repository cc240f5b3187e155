// Package runtime assembles the pipeline daemon: bus, registry, event
// sinks, stage clients, the runner and the ingest service, plus the
// diagnostics HTTP server.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-pipeline/internal/bus"
	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/correlation"
	"github.com/loqalabs/loqa-pipeline/internal/delivery"
	"github.com/loqalabs/loqa-pipeline/internal/events"
	"github.com/loqalabs/loqa-pipeline/internal/eventstore"
	"github.com/loqalabs/loqa-pipeline/internal/ingest"
	"github.com/loqalabs/loqa-pipeline/internal/llm"
	"github.com/loqalabs/loqa-pipeline/internal/natsserver"
	"github.com/loqalabs/loqa-pipeline/internal/pipeline"
	"github.com/loqalabs/loqa-pipeline/internal/registry"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
	"github.com/loqalabs/loqa-pipeline/internal/stt"
	"github.com/loqalabs/loqa-pipeline/internal/tts"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
	recentEvents    = 1024
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	telemetry *telemetry
	embedded  *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	recorder  *events.Recorder
	registry  *registry.Registry
	tracker   *correlation.Tracker
	runner    *pipeline.Runner
	ingest    *ingest.Service

	httpServer    *http.Server
	metricsServer *http.Server
	addr          atomic.Value
	ready         atomic.Bool
	started       chan struct{}
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once every component is up and the HTTP server is
// listening.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr is the address the diagnostics server listens on.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Bus is the shared bus connection, nil before Started.
func (r *Runtime) Bus() *bus.Client { return r.bus }

// Start brings up every component and blocks until ctx is cancelled or a
// server fails, then shuts everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents(context.Background())
		r.stopTelemetry(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.Handle("GET /metrics", tel.metrics)
	mux.HandleFunc("GET /debug/correlations", r.handleCorrelations)
	mux.HandleFunc("GET /debug/correlations/{id}", r.handleCorrelation)

	listener, err := net.Listen("tcp", net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port)))
	if err != nil {
		r.stopComponents(context.Background())
		r.stopTelemetry(context.Background())
		return fmt.Errorf("listen: %w", err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(r.httpServer, listener) })

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != listener.Addr().String() {
		metricsListener, err := net.Listen("tcp", bind)
		if err != nil {
			r.logger.Warn("metrics listener unavailable, serving /metrics on the main port only",
				slog.String("bind", bind), slog.String("error", err.Error()))
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("GET /metrics", tel.metrics)
			r.metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			g.Go(func() error { return serve(r.metricsServer, metricsListener) })
		}
	}

	g.Go(func() error {
		r.store.RunPruner(gctx, pruneInterval)
		return nil
	})

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()), slog.String("node_id", r.cfg.Node.ID))

	<-gctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	r.stopComponents(shutdownCtx)
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	err = g.Wait()
	r.stopTelemetry(shutdownCtx)
	return err
}

func serve(srv *http.Server, l net.Listener) error {
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	r.embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	busCfg := r.cfg.Bus
	if r.embedded != nil {
		busCfg.Servers = []string{r.embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.recorder = events.NewRecorder(recentEvents)
	sinks := []events.Sink{
		events.NewLogSink(r.logger),
		events.NewBusSink(r.bus, r.logger),
		events.NewStoreSink(r.store, r.logger),
		r.recorder,
	}
	if metricsSink, err := events.NewMetricsSink(r.telemetry.meter); err != nil {
		r.logger.Warn("failed to initialize pipeline metrics", slog.String("error", err.Error()))
	} else {
		sinks = append(sinks, metricsSink)
	}
	sink := events.Multi(sinks...)

	r.registry, err = registry.New(ctx, r.cfg.Node, r.cfg.Registry, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	stages, err := r.buildStages(sink)
	if err != nil {
		return err
	}

	r.tracker = correlation.NewTracker(time.Duration(r.cfg.Correlation.GracePeriodMS)*time.Millisecond, r.logger)
	r.runner = pipeline.NewRunner(stages, r.tracker, sink, pipeline.Options{
		Deadlines: pipeline.Deadlines{
			STT:      r.cfg.STT.Policy.Deadline(),
			LLM:      r.cfg.LLM.Policy.Deadline(),
			TTS:      r.cfg.TTS.Policy.Deadline(),
			Delivery: r.cfg.Delivery.Policy.Deadline(),
		},
		FailureNotice: r.cfg.Pipeline.FailureNotice,
		Language:      r.cfg.STT.Language,
	}, r.logger)

	r.ingest = ingest.NewService(context.Background(), r.cfg.Ingest, r.cfg.Audio, r.bus, r.runner, r.logger)
	if err := r.ingest.Start(); err != nil {
		return err
	}
	return nil
}

func (r *Runtime) buildStages(sink events.Sink) (pipeline.Stages, error) {
	var stages pipeline.Stages

	endpoint, err := r.endpoint("stt", r.cfg.STT.Endpoint, r.cfg.STT.Service)
	if err != nil {
		return stages, err
	}
	recognizer, err := stt.New(r.cfg.STT, endpoint, r.logger)
	if err != nil {
		return stages, fmt.Errorf("build stt: %w", err)
	}
	stages.STT = stage.New[stt.Request, stt.Transcript]("stt", stt.Backend(recognizer),
		stage.PolicyFromConfig(r.cfg.STT.Policy), sink, r.logger)

	endpoint, err = r.endpoint("llm", r.cfg.LLM.Endpoint, r.cfg.LLM.Service)
	if err != nil {
		return stages, err
	}
	generator, err := llm.New(r.cfg.LLM, endpoint, r.logger)
	if err != nil {
		return stages, fmt.Errorf("build llm: %w", err)
	}
	stages.LLM = stage.New[llm.Request, llm.Reply]("llm", llm.Backend(generator, r.cfg.LLM),
		stage.PolicyFromConfig(r.cfg.LLM.Policy), sink, r.logger)

	endpoint, err = r.endpoint("tts", r.cfg.TTS.Endpoint, r.cfg.TTS.Service)
	if err != nil {
		return stages, err
	}
	synthesizer, err := tts.New(r.cfg.TTS, endpoint, r.logger)
	if err != nil {
		return stages, fmt.Errorf("build tts: %w", err)
	}
	stages.TTS = stage.New[tts.Request, tts.Audio]("tts", tts.Backend(synthesizer, r.cfg.TTS),
		stage.PolicyFromConfig(r.cfg.TTS.Policy), sink, r.logger)

	endpoint, err = r.endpoint("delivery", r.cfg.Delivery.Endpoint, r.cfg.Delivery.Service)
	if err != nil {
		return stages, err
	}
	deliverer, err := delivery.New(r.cfg.Delivery, endpoint, r.bus, r.logger)
	if err != nil {
		return stages, fmt.Errorf("build delivery: %w", err)
	}
	stages.Delivery = stage.New[delivery.Message, delivery.Receipt]("delivery", delivery.Backend(deliverer),
		stage.PolicyFromConfig(r.cfg.Delivery.Policy), sink, r.logger)

	return stages, nil
}

// endpoint resolves a stage's service name through the registry, falling
// back to its configured endpoint. Names are resolved once at startup.
func (r *Runtime) endpoint(stageName, configured, service string) (string, error) {
	if service == "" {
		return configured, nil
	}
	resolved, err := r.registry.Resolve(service)
	if err == nil {
		return resolved, nil
	}
	if configured != "" {
		r.logger.Warn("service not registered, using configured endpoint",
			slog.String("stage", stageName),
			slog.String("service", service),
			slog.String("endpoint", configured))
		return configured, nil
	}
	return "", fmt.Errorf("resolve %s service %q: %w", stageName, service, err)
}

// stopComponents tears down in reverse dependency order: no new segments,
// drain runs, then the shared stores and the bus.
func (r *Runtime) stopComponents(ctx context.Context) {
	if r.ingest != nil {
		r.ingest.Close()
	}
	if r.runner != nil {
		if err := r.runner.Shutdown(ctx); err != nil {
			r.logger.Warn("pipeline runs abandoned at shutdown", slog.String("error", err.Error()))
		}
	}
	if r.tracker != nil {
		r.tracker.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
}

func (r *Runtime) stopTelemetry(ctx context.Context) {
	if r.telemetry == nil {
		return
	}
	if err := r.telemetry.shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.ingest.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleCorrelations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.tracker.Live())
}

type correlationView struct {
	Context correlation.Context `json:"context"`
	Events  []events.Event      `json:"events"`
	// History is the persisted audit trail, present when the event store
	// is enabled.
	History []eventstore.Event `json:"history,omitempty"`
}

func (r *Runtime) handleCorrelation(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	snapshot, ok := r.tracker.Lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": correlation.ErrUnknownCorrelation.Error()})
		return
	}
	view := correlationView{
		Context: snapshot,
		Events:  r.recorder.Filter(func(e events.Event) bool { return e.CorrelationID == id }),
	}
	if r.store.Enabled() {
		history, err := r.store.ListRunEvents(req.Context(), id, 200)
		if err != nil {
			r.logger.Warn("failed to load run history", slog.String("correlation_id", id), slog.String("error", err.Error()))
		}
		view.History = history
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
