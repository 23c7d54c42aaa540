package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/services"
	httphandlers "roomcast/internal/handlers/http"
	"roomcast/internal/infrastructure/encoder"
	"roomcast/internal/infrastructure/middleware"
	"roomcast/internal/infrastructure/monitoring"
	"roomcast/internal/infrastructure/repositories"
	signalserver "roomcast/internal/infrastructure/signal"
	webrtcinfra "roomcast/internal/infrastructure/webrtc"
	"roomcast/pkg/config"
	"roomcast/pkg/logger"
	"roomcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// logger is not configured yet
		zap.NewExample().Sugar().Fatalw("failed to load config", "path", *configPath, "error", err)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to create logger", "error", err)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "roomcast",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewPrometheusCollector(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storeFactory := repositories.NewStoreFactory(ctx, cfg, log)
	store := storeFactory.SessionStore()

	engineCfg := webrtcinfra.Config{
		AnnouncedIPs:     cfg.WebRTC.AnnouncedIPs,
		NegotiateTimeout: cfg.WebRTC.NegotiateTimeout,
		TapHost:          cfg.WebRTC.TapHost,
		TapDir:           cfg.WebRTC.TapDir,
	}
	engineCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	engineCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	for _, s := range cfg.WebRTC.ICEServers {
		engineCfg.ICEServers = append(engineCfg.ICEServers, domain.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	engine, err := webrtcinfra.NewEngine(engineCfg, log.Named("engine"))
	if err != nil {
		log.Fatalw("failed to create media engine", "error", err)
	}

	rooms := services.NewRoomRegistry(cfg.Rooms.GraceWindow, metrics, log.Named("rooms"))
	presence := services.NewPresenceService(store, nil, metrics, cfg.Presence.StoreTimeout, log.Named("presence"))

	supervisor := encoder.NewSupervisor(
		services.NewRoomTaps(rooms, engine),
		encoder.ExecLauncher{StderrLines: cfg.Encoder.StderrLines},
		encoder.Templates{
			Binary:        cfg.Encoder.Binary,
			RecordingsDir: cfg.Encoder.RecordingsDir,
			RTMPBaseURL:   cfg.Encoder.RTMPBaseURL,
			VideoBitrate:  cfg.Encoder.VideoBitrate,
			AudioBitrate:  cfg.Encoder.AudioBitrate,
			Preset:        cfg.Encoder.Preset,
			KeyframeEvery: cfg.Encoder.KeyframeEvery,
		},
		cfg.Encoder.StopTimeout,
		metrics,
		log.Named("encoder"),
	)

	gateway := signalserver.NewServer(signalserver.Dependencies{
		Engine:   engine,
		Registry: rooms,
		Presence: presence,
		Encoders: supervisor,
		Store:    store,
		Metrics:  metrics,
		Logger:   log.Named("signal"),
	}, signalserver.Options{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		RequestTimeout:    cfg.Signal.RequestTimeout,
		StoreTimeout:      cfg.Presence.StoreTimeout,
		SendBuffer:        cfg.Signal.SendBuffer,
		AllowedOrigins:    cfg.Signal.AllowedOrigins,
		MessagesPerSecond: wsRate(cfg),
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	})
	presence.SetBroadcaster(gateway)
	rooms.SetEvictionHandler(gateway.HandleEviction)

	checker := monitoring.NewHealthChecker()
	checker.AddSessionStoreCheck(store, cfg.Presence.StoreTimeout)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)
	router.GET("/ws", gin.WrapF(gateway.HandleWebSocket))

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}
	httphandlers.NewHealthHandler(checker, gatherer).SetupRoutes(router)
	httphandlers.NewRoomHandler(rooms, presence, store, gateway, supervisor, cfg.Presence.StoreTimeout, log.Named("http")).SetupRoutes(router)
	httphandlers.NewEncoderHandler(supervisor, log.Named("http")).SetupRoutes(router)

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout is left unset: it would cut long-lived websocket connections.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting roomcast signaling server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down roomcast signaling server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return shutdown(shutdownCtx, log, srv, gateway, supervisor, rooms, engine, storeFactory, tp)
	})

	if err := g.Wait(); err != nil {
		log.Errorw("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("roomcast signaling server stopped")
}

func wsRate(cfg *config.Config) float64 {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.MessagesPerSecond
}

// shutdown stops accepting work first, then drains connections and encoder
// jobs in parallel, and releases the engine and store last.
func shutdown(
	ctx context.Context,
	log *zap.SugaredLogger,
	srv *http.Server,
	gateway *signalserver.Server,
	supervisor *encoder.Supervisor,
	rooms *services.RoomRegistry,
	engine *webrtcinfra.Engine,
	storeFactory *repositories.StoreFactory,
	tp *tracing.TracerProvider,
) error {
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("http server shutdown failed", "error", err)
		_ = srv.Close()
		errs = append(errs, err)
	}

	var g errgroup.Group
	g.Go(func() error { return gateway.Shutdown(ctx) })
	g.Go(func() error { return supervisor.Shutdown(ctx) })
	if err := g.Wait(); err != nil {
		log.Errorw("drain failed", "error", err)
		errs = append(errs, err)
	}

	rooms.Close()
	if err := engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := storeFactory.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := tp.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
