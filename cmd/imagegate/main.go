// Command imagegate runs the image-generation gateway: control plane
// under /api, generation plane at /generate and /task, and the cached
// download proxy at /i/.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/imagegate/imagegate/pkg/api"
	"github.com/imagegate/imagegate/pkg/auth"
	"github.com/imagegate/imagegate/pkg/b2"
	"github.com/imagegate/imagegate/pkg/config"
	"github.com/imagegate/imagegate/pkg/gen"
	"github.com/imagegate/imagegate/pkg/metrics"
	"github.com/imagegate/imagegate/pkg/proxy"
	"github.com/imagegate/imagegate/pkg/store"
	"github.com/imagegate/imagegate/pkg/task"
	"github.com/imagegate/imagegate/pkg/vertex"
)

const shutdownGrace = 15 * time.Second

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, pool, err := store.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database connect failed")
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis connect failed")
	}
	tasks, err := task.NewStore(rdb, task.DefaultStoreConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("task store init failed")
	}

	objects := b2.NewClient(b2.Config{
		KeyID:      cfg.B2KeyID,
		AppKey:     cfg.B2AppKey,
		BucketName: cfg.B2BucketName,
		Logger:     log.With().Str("component", "b2").Logger(),
	})

	var tokenSource *vertex.TokenSource
	creds, err := vertex.CredentialsFromConfig(
		cfg.GCPServiceAccountJSON, cfg.GCPClientEmail, cfg.GCPPrivateKey, cfg.GCPTokenURI)
	if err != nil {
		log.Warn().Err(err).Msg("vertex credentials unavailable, generation disabled")
	} else {
		tokenSource = vertex.NewTokenSource(creds, nil)
	}
	model := vertex.NewClient(vertex.Config{
		ProjectIDs:   cfg.VertexProjectIDs,
		Location:     cfg.VertexLocation,
		Model:        cfg.VertexModel,
		EndpointMode: cfg.VertexEndpointMode,
		Logger:       log.With().Str("component", "vertex").Logger(),
	}, tokenSource)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	signer := auth.NewSigner(cfg.JWTSecret, cfg.TokenTTL)

	executor := &gen.Executor{
		Tasks:   tasks,
		Objects: objects,
		Model:   model,
		Norm: &gen.Normalizer{
			AllowHosts: cfg.AllowRefImageHosts,
			AllowHTTP:  cfg.AllowRefImageHTTP,
			MaxBytes:   cfg.MaxRefImageBytes,
		},
		ReturnBase: cfg.ImgReturnBase,
		KeyPrefix:  cfg.KeyPrefix,
		MaxImages:  cfg.MaxImagesPerResponse,
		Log:        log.With().Str("component", "executor").Logger(),
		Metrics:    m,
	}
	genHandler := &gen.Handler{
		Tasks:   tasks,
		Exec:    executor,
		Objects: objects,
		Model:   model,
		Quota:   db,
		Log:     log.With().Str("component", "gen").Logger(),
		Metrics: m,
	}
	apiHandler := &api.Handler{
		Store:      db,
		Signer:     signer,
		Objects:    objects,
		ReturnBase: cfg.ImgReturnBase,
		Log:        log.With().Str("component", "api").Logger(),
		Metrics:    m,
	}
	proxyHandler := &proxy.Handler{
		Objects: objects,
		Cache:   proxy.NewCache(proxy.DefaultCacheConfig()),
		Log:     log.With().Str("component", "proxy").Logger(),
		Metrics: m,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool { return true },
		AllowedMethods:  []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:  []string{"Authorization", "Content-Type", "Range"},
		ExposedHeaders:  []string{"Content-Length", "Content-Range", "Accept-Ranges"},
		MaxAge:          300,
	}))

	r.Route("/api", apiHandler.Routes)
	genHandler.Routes(r, signer.Middleware)
	r.Handle("/i/*", proxyHandler)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		log.Fatal().Err(err).Msg("server exited")
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}
