// conclaved is the realtime collaboration daemon: media rooms, audio
// transcription side-taps and the chat coordination surface, all behind one
// HTTP listener plus a metrics listener.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/conclave-rtc/conclave/internal/auth"
	"github.com/conclave-rtc/conclave/internal/chat"
	"github.com/conclave-rtc/conclave/internal/config"
	"github.com/conclave-rtc/conclave/internal/health"
	"github.com/conclave-rtc/conclave/internal/httpapi"
	"github.com/conclave-rtc/conclave/internal/jobsvc"
	"github.com/conclave-rtc/conclave/internal/locks"
	"github.com/conclave-rtc/conclave/internal/log"
	"github.com/conclave-rtc/conclave/internal/media"
	"github.com/conclave-rtc/conclave/internal/msgqueue"
	"github.com/conclave-rtc/conclave/internal/rtc"
	"github.com/conclave-rtc/conclave/internal/session"
	"github.com/conclave-rtc/conclave/internal/sidetap"
	"github.com/conclave-rtc/conclave/internal/store"
	"github.com/conclave-rtc/conclave/internal/telemetry"
	"github.com/conclave-rtc/conclave/internal/transcribe"
	"github.com/conclave-rtc/conclave/internal/workers"
	"github.com/conclave-rtc/conclave/internal/ws"
)

var (
	version   = "v1.3.0"
	commit    = "none"
	buildDate = "unknown"
)

// redisPinger adapts the redis client to the health checker's Pinger.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Configure logger with safe defaults until config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "conclave",
		Version: version,
	})

	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Determine config path:
	// - Explicit via --config
	// - Otherwise auto-load ${CONCLAVE_DATA}/config.yaml if it exists
	explicitConfigPath := strings.TrimSpace(*configPath)
	effectiveConfigPath := explicitConfigPath
	if effectiveConfigPath == "" {
		if dataDir := strings.TrimSpace(os.Getenv("CONCLAVE_DATA")); dataDir != "" {
			autoPath := filepath.Join(dataDir, "config.yaml")
			if _, err := os.Stat(autoPath); err == nil {
				effectiveConfigPath = autoPath
			}
		}
	}

	// Load configuration with precedence: ENV > File > Defaults.
	cfg, err := config.Load(effectiveConfigPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
	}

	// Re-configure logger with the loaded level.
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "conclave",
		Version: version,
	})

	if explicitConfigPath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", explicitConfigPath).
			Msg("loaded configuration from file")
	} else if effectiveConfigPath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file(auto)").
			Str("path", effectiveConfigPath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("Startup checks failed. Please verify configuration and permissions.")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.Listen).
		Msg("starting conclave")

	// Log key configuration
	logger.Info().Msgf("→ Redis: %s (db %d)", cfg.RedisAddr(), cfg.RedisDB)
	logger.Info().Msgf("→ Media workers: %d × %s (rtc ports %d-%d)", cfg.WorkerCount, cfg.WorkerBin, cfg.RTCMinPort, cfg.RTCMaxPort)
	logger.Info().Msgf("→ Messaging lock mode: %s", cfg.MessagingLockMode)
	if cfg.TranscriberBin != "" {
		logger.Info().Msgf("→ Transcription: %s (model: %s, device: %s, %ds segments)",
			cfg.TranscriberBin, cfg.TranscriberModel, cfg.TranscriberDevice, cfg.SegmentSeconds)
	} else {
		logger.Info().Msg("→ Transcription: disabled (no transcriber binary configured)")
	}
	if cfg.JobsServiceURL != "" {
		logger.Info().Msgf("→ Jobs service: %s", cfg.JobsServiceURL)
	} else {
		logger.Warn().Msg("→ Jobs service: NOT configured. Chat sockets cannot auto-join their rooms.")
	}
	if cfg.OTelEnabled {
		logger.Info().Msgf("→ Tracing: %s via %s", cfg.OTelEndpoint, cfg.OTelExporter)
	}
	logger.Info().Msgf("→ Temp dir: %s", cfg.TempDir)

	if err := run(ctx, logger, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.failed").
			Msg("daemon failed")
	}

	logger.Info().Msg("server exiting")
}

// run wires every component and blocks until the context is cancelled or a
// server fails. Shutdown order is the reverse of construction: HTTP drains
// first, then rooms, the side-tap, the worker pool, queues, the cluster
// adapter and finally redis and telemetry.
func run(ctx context.Context, logger zerolog.Logger, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    "conclave",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		ExporterType:   cfg.OTelExporter,
		Endpoint:       cfg.OTelEndpoint,
		SamplingRate:   cfg.OTelSampleRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer provider shutdown failed")
		}
	}()

	rdb, err := store.Connect(ctx, store.Config{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log.WithComponent("redis"))
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("redis close failed")
		}
	}()

	// Cluster adapter and the two socket namespaces.
	adapter := ws.NewAdapter(rdb)
	chatHub := ws.NewHub(ws.Options{Namespace: "chat", Adapter: adapter})
	mediaHub := ws.NewHub(ws.Options{Namespace: "media", Adapter: adapter})
	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("cluster adapter: %w", err)
	}
	defer adapter.Close()

	lockSvc := locks.New(rdb, log.WithComponent("locks"), locks.Options{})
	sessions := session.NewRegistry(rdb, log.WithComponent("session"))
	queue := msgqueue.NewManager(log.WithComponent("msgqueue"), msgqueue.Options{})
	defer queue.Destroy()
	durable := msgqueue.NewDurable(rdb, log.WithComponent("msgqueue"))

	// Media worker pool. Every slot spawns the same subprocess settings; the
	// pool owns respawn and load sampling.
	workerLog := log.WithComponent("rtc")
	spawn := func(ctx context.Context, slot int) (rtc.Worker, error) {
		return rtc.Spawn(ctx, rtc.Settings{
			Bin:        cfg.WorkerBin,
			LogLevel:   cfg.WorkerLogLevel,
			RTCMinPort: cfg.RTCMinPort,
			RTCMaxPort: cfg.RTCMaxPort,
		}, workerLog.With().Int("slot", slot).Logger())
	}
	pool, err := workers.New(ctx, log.WithComponent("workers"), spawn, workers.Options{
		Count:          cfg.WorkerCount,
		SampleInterval: cfg.SampleInterval,
		DiedPolicy:     cfg.WorkerDiedPolicy,
		OnExit: func(err error) {
			logger.Error().Err(err).Str("event", "worker.exit_policy").Msg("media worker died, shutting down")
			cancel()
		},
	})
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	defer pool.Close()

	// Transcription side-tap. Optional: without a transcriber binary the
	// media gateway runs with the tap disabled.
	var transcriber sidetap.Transcriber
	var transcribePool *transcribe.Pool
	if cfg.TranscriberBin != "" {
		topts := transcribe.Options{
			Bin:      cfg.TranscriberBin,
			Model:    cfg.TranscriberModel,
			Device:   cfg.TranscriberDevice,
			Compute:  cfg.TranscriberCompute,
			Language: cfg.TranscriberLanguage,
		}
		if cfg.TranscriberPool > 0 {
			transcribePool = transcribe.NewPool(topts, cfg.TranscriberPool)
			transcribePool.Start(ctx)
			transcriber = transcribePool
		} else {
			transcriber = transcribe.NewRunner(topts)
		}
	}
	if transcribePool != nil {
		defer transcribePool.Close()
	}

	var tap *sidetap.Manager
	if transcriber != nil {
		tap = sidetap.NewManager(sidetap.Options{
			TempDir:        cfg.TempDir,
			SegmenterBin:   cfg.SegmenterBin,
			SegmentSeconds: cfg.SegmentSeconds,
			PortMin:        cfg.TapPortMin,
			PortMax:        cfg.TapPortMax,
		}, mediaHub, transcriber)
		defer tap.Close()
	}

	// Media room plumbing: speaker engine, dominant-speaker handler, rooms.
	mediaLog := log.WithComponent("media")
	engine := media.NewSpeakerEngine(log.WithComponent("speakers"), mediaHub, lockSvc, cfg.MaxActiveSpeakers)
	dominant := media.NewDominantHandler(mediaLog, engine)
	rooms := media.NewRooms(mediaLog, pool, media.RoomOptions{
		OnDominant: dominant.Handle,
		OnRefresh: func(room *media.Room) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := engine.Run(ctx, room, "refresh"); err != nil {
					mediaLog.Warn().
						Err(err).
						Str("event", "media.refresh_failed").
						Str("room_id", room.ID).
						Msg("periodic speaker refresh failed")
				}
			}()
		},
	})
	defer rooms.CloseAll()

	mediaSvc := media.NewService(mediaLog, pool, media.ServiceConfig{
		PublicIP:           cfg.PublicIP,
		InitialBitrate:     cfg.InitialBitrate,
		MaxIncomingBitrate: cfg.MaxIncomingBitrate,
	})

	gwDeps := media.GatewayDeps{
		Hub:      mediaHub,
		Rooms:    rooms,
		Media:    mediaSvc,
		Engine:   engine,
		Locks:    lockSvc,
		Selector: pool,
	}
	if tap != nil {
		gwDeps.Tap = tap
	}
	mediaGw := media.NewGateway(mediaLog, gwDeps)
	for event, handler := range mediaGw.Routes() {
		mediaHub.Handle(event, func(ctx context.Context, s *ws.Socket, data json.RawMessage) (any, error) {
			return handler(ctx, s, data)
		})
	}
	mediaHub.OnConnect(func(s *ws.Socket) {
		s.OnClose(func() { mediaGw.OnDisconnect(s.ID()) })
	})

	// Chat surface: token validation, session registry, the auth supervisor
	// and the messaging gateway.
	validator, err := auth.NewValidator(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	chatLog := log.WithComponent("chat")
	sup := chat.NewSupervisor(chatLog, chat.SupervisorDeps{
		Hub:         chatHub,
		Tokens:      validator,
		Sessions:    sessions,
		Jobs:        jobsvc.New(cfg.JobsServiceURL),
		AuthTimeout: cfg.AuthTimeout,
	})
	chatGw := chat.NewGateway(chatLog, chat.GatewayDeps{
		Hub:      chatHub,
		Locks:    lockSvc,
		Queue:    queue,
		Durable:  durable,
		LockMode: cfg.MessagingLockMode,
	})
	chatHub.OnConnect(func(s *ws.Socket) { sup.HandleConnect(s) })
	for event, handler := range sup.Routes() {
		chatHub.Handle(event, func(ctx context.Context, s *ws.Socket, data json.RawMessage) (any, error) {
			return handler(ctx, s, data)
		})
	}
	for event, handler := range chatGw.Routes() {
		chatHub.Handle(event, func(ctx context.Context, s *ws.Socket, data json.RawMessage) (any, error) {
			return handler(ctx, s, data)
		})
	}

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewRedisChecker(redisPinger{rdb}))
	hm.RegisterChecker(health.NewWorkerPoolChecker(cfg.WorkerCount, pool.LiveCount))

	tracingService := ""
	if cfg.OTelEnabled {
		tracingService = "conclave"
	}
	router := httpapi.NewRouter(httpapi.Options{
		Health:         hm,
		ChatWS:         chatHub.Accept,
		MediaWS:        mediaHub.Accept,
		Notifier:       chatGw,
		TracingService: tracingService,
	})

	apiSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsListen,
		Handler:           httpapi.MetricsRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("event", "api.listen").Str("addr", cfg.Listen).Msg("API server listening")
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("event", "metrics.listen").Str("addr", cfg.MetricsListen).Msg("metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Str("event", "shutdown.begin").Msg("draining HTTP servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("api server shutdown failed")
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown failed")
		}
		return nil
	})

	return g.Wait()
}
