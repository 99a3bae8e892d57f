package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/joho/godotenv"

	"smart-energy-console/console/internal/activity"
	"smart-energy-console/console/internal/apiclient"
	"smart-energy-console/console/internal/authgate"
	"smart-energy-console/console/internal/chat"
	"smart-energy-console/console/internal/middleware"
	"smart-energy-console/console/internal/pages"
	"smart-energy-console/console/internal/poll"
	"smart-energy-console/console/internal/session"
	"smart-energy-console/console/internal/storage"
	"smart-energy-console/console/internal/telemetry"
	"smart-energy-console/shared/cachex"
	"smart-energy-console/shared/config"
	"smart-energy-console/shared/dbx"
	"smart-energy-console/shared/events"
	"smart-energy-console/shared/httpx"
	"smart-energy-console/shared/influxx"
	"smart-energy-console/shared/lockx"
	"smart-energy-console/shared/logx"
	"smart-energy-console/shared/metricsx"
	"smart-energy-console/shared/mqx"
	"smart-energy-console/shared/observability"
	"smart-energy-console/shared/tokenx"
)

const sweepInterval = time.Hour

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	dotenvErr := godotenv.Load()
	cfg, readyProblems := config.Load("console", 3000)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()
	ctx := context.Background()

	if dotenvErr != nil && !errors.Is(dotenvErr, fs.ErrNotExist) {
		logger.Warn(ctx, "dotenv_load_failed", "failed to read .env", logx.Err("FAILED_PRECONDITION", dotenvErr)...)
	}

	var shutdownTracer func(context.Context) error
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(ctx, observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Error(ctx, "otel_init_failed", "otel init failed", logx.Err("FAILED_PRECONDITION", err)...)
		}
	}

	var redisClient *cachex.Client
	if cfg.RedisAddr != "" {
		var err error
		redisClient, err = cachex.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: err.Error()})
		} else if err := redisClient.Ping(ctx); err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "redis unreachable: " + err.Error()})
		}
	}

	store, closeStore, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "STORAGE_BACKEND", Message: err.Error()})
		logger.Error(ctx, "storage_init_failed", "falling back to in-memory storage", logx.Err("STORAGE_ERROR", err)...)
		store = storage.Instrument(storage.NewMemoryStore(cfg.StorageTTL()), config.StorageMemory)
		closeStore = func() {}
	}

	var locker lockx.Locker = lockx.NewMemoryLocker()
	if redisClient != nil {
		locker = lockx.RedisLocker{Client: redisClient.Client(), Prefix: "console:lock:"}
	}

	var verifier session.TokenVerifier
	if cfg.AuthJWKSURL != "" {
		v, err := tokenx.NewVerifier(cfg.AuthJWKSURL, cfg.AuthJWKSTTLSec, cfg.AuthClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "AUTH_JWKS_URL", Message: err.Error()})
		} else {
			verifier = v
		}
	}

	api, err := apiclient.New(cfg, store,
		apiclient.WithLogger(logger),
		apiclient.WithUnauthorizedHook(func(ctx context.Context, endpoint string) {
			activity.Record(ctx, events.TypeSessionEvicted, activity.Actor{}, map[string]string{"endpoint": endpoint})
		}),
	)
	if err != nil {
		logger.Error(ctx, "api_client_init_failed", "api client init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}

	var publisher activity.Publisher = activity.LogPublisher{Logger: logger}
	var producer *mqx.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: err.Error()})
		} else {
			publisher = activity.KafkaPublisher{Producer: producer, Topic: cfg.KafkaTopic}
		}
	}

	var recorder telemetry.Recorder = telemetry.Nop{}
	var influx *influxx.Client
	if cfg.InfluxURL != "" {
		influx, err = influxx.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "INFLUX_URL", Message: err.Error()})
		} else {
			if err := influx.Ping(ctx); err != nil {
				logger.Warn(ctx, "influx_unreachable", "influxdb did not answer; trend data may be missing", logx.Err("UPSTREAM_ERROR", err)...)
			}
			recorder = telemetry.NewInflux(influx, cfg.ServiceName, logger)
		}
	}

	hashKey := cfg.CookieHashKey
	if hashKey == "" {
		// Browsers lose their storage on every restart without a fixed key.
		logger.Warn(ctx, "cookie_key_generated", "COOKIE_HASH_KEY not set; using a random key")
		hashKey = string(securecookie.GenerateRandomKey(64))
	}
	flash := pages.NewFlash([]byte(hashKey), []byte(cfg.CookieBlockKey), cfg.CookieSecure, logger)

	handlers, err := pages.New(pages.Deps{
		API: api,
		Transcripts: &chat.Transcript{
			Store:   store,
			API:     api,
			Locker:  locker,
			LockTTL: cfg.APITimeout() + 5*time.Second,
			Logger:  logger,
		},
		Telemetry:    recorder,
		Flash:        flash,
		Logger:       logger,
		PollInterval: cfg.ChatPollInterval(),
		BackendURL:   api.BaseURL(),
	})
	if err != nil {
		logger.Error(ctx, "templates_failed", "failed to load templates", logx.Err("INTERNAL_ERROR", err)...)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	handlers.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "page not found", nil)
	})
	infra := func(r *http.Request) bool {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			return true
		}
		return false
	}
	stream := func(r *http.Request) bool { return r.URL.Path == pages.NotificationsPath }

	gate := authgate.Gate{
		Sessions: &session.Manager{
			Store:            store,
			API:              api,
			Verifier:         verifier,
			Logger:           logger,
			HydrationTimeout: cfg.HydrationTimeout(),
		},
		VerifyTimeout: cfg.VerifyTimeout(),
		Logger:        logger,
		Placeholder:   handlers.Placeholder,
		Skip:          infra,
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = gate.Wrap(handler)
	handler = middleware.ActivityMiddleware{
		Publisher: publisher,
		Mux:       mux,
		Logger:    logger,
		Timeout:   5 * time.Second,
		Skip:      infra,
	}.Wrap(handler)
	handler = middleware.BrowserMiddleware{
		Codec:  middleware.NewBrowserCodec(hashKey, cfg.CookieBlockKey),
		Secure: cfg.CookieSecure,
		MaxAge: int(cfg.StorageTTL() / time.Second),
		Logger: logger,
		Skip:   infra,
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.LoginRateLimitRPS, cfg.LoginRateLimitBurst, 10*time.Minute),
		Skip:    middleware.CredentialPostsOnly,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, httpx.TimeoutOptions{Skip: stream}, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(mux, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = observability.Handler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	if sweeper, ok := store.(storage.Sweeper); ok {
		go func() {
			_ = poll.Every(sweepCtx, sweepInterval, func(ctx context.Context) error {
				n, err := sweeper.Sweep(ctx)
				if err != nil {
					logger.Warn(ctx, "storage_sweep_failed", "idle browser sweep failed", logx.Err("STORAGE_ERROR", err)...)
					return nil
				}
				if n > 0 {
					logger.Info(ctx, "storage_swept", "expired idle browsers", slog.Int64("browsers", n))
				}
				return nil
			})
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.String("api_base_url", api.BaseURL()),
			slog.String("storage_backend", cfg.StorageBackend),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server_failed", "server failed", logx.Err("INTERNAL_ERROR", err)...)
			os.Exit(1)
		}
	}

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown_failed", "shutdown failed", logx.Err("INTERNAL_ERROR", err)...)
	}
	if producer != nil {
		_ = producer.Close()
	}
	if influx != nil {
		influx.Close()
	}
	closeStore()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(ctx)
	}
	logger.Info(ctx, "service_stop", "service stopped")
}

// openStore builds the configured browser storage. The returned close func
// releases the backend's own connections; a shared redis client is closed
// by the caller.
func openStore(ctx context.Context, cfg config.Config, redisClient *cachex.Client) (storage.Store, func(), error) {
	switch cfg.StorageBackend {
	case config.StorageRedis:
		if redisClient == nil {
			return nil, nil, errors.New("STORAGE_BACKEND=redis requires REDIS_ADDR")
		}
		return storage.Instrument(storage.NewRedisStore(redisClient, cfg.StorageTTL()), config.StorageRedis), func() {}, nil
	case config.StoragePostgres:
		pool, err := dbx.NewPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := dbx.Ping(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		pg := storage.NewPostgresStore(pool, cfg.StorageTTL())
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return storage.Instrument(pg, config.StoragePostgres), pool.Close, nil
	default:
		return storage.Instrument(storage.NewMemoryStore(cfg.StorageTTL()), config.StorageMemory), func() {}, nil
	}
}
