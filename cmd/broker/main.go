package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"tokenbroker.org/internal/broker"
	"tokenbroker.org/internal/config"
	"tokenbroker.org/internal/document"
	"tokenbroker.org/internal/httpapi"
	"tokenbroker.org/internal/identity"
	"tokenbroker.org/internal/obs"
	"tokenbroker.org/internal/resourcetoken"
	"tokenbroker.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// storeHandle is the slice of a store the process needs beyond the broker interfaces.
type storeHandle interface {
	broker.Store
	document.PermissionLookup
	httpapi.Pinger
}

func main() {
	flags := pflag.NewFlagSet("broker", pflag.ExitOnError)
	configFile := flags.String("config", "", "YAML configuration file (overrides BROKER_CONFIG_FILE)")
	dotenv := flags.StringSlice("env-file", []string{".env"}, ".env files to load before reading the environment")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(config.Options{File: *configFile, DotEnv: *dotenv})
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	signer, err := resourcetoken.NewSigner(cfg.Store.Key)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	var (
		store   storeHandle
		backend document.Backend
		closeFn = func() error { return nil }
	)
	if cfg.Store.IsMemory() {
		store = broker.NewInMemoryStore(cfg.Database, cfg.Collection, broker.WithMinter(signer))
		backend = document.NewMemoryBackend()
	} else {
		pgStore, err := pg.Open(cfg.Store.Endpoint, cfg.Database, cfg.Collection, signer,
			pg.WithRetryPolicy(pg.RetryPolicy{
				MaxRetries: cfg.StoreMaxRetries,
				MaxWait:    cfg.StoreMaxRetryWait,
				BaseDelay:  pg.DefaultRetryPolicy().BaseDelay,
			}))
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err = pgStore.EnsureCollection(ctx)
		cancel()
		if err != nil {
			log.Fatalf("ensure collection: %v", err)
		}
		store, backend, closeFn = pgStore, pgStore, pgStore.Close
	}

	resolver, err := identity.NewResolver(cfg.IdentityHost,
		identity.WithHeader(cfg.IdentityHeader),
		identity.WithTimeout(cfg.IdentityTimeout))
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	b, err := broker.New(resolver, store, cfg.Collection,
		broker.WithTTL(cfg.TokenTTL),
		broker.WithMode(broker.PermissionMode(cfg.PermissionMode)))
	if err != nil {
		log.Fatalf("broker: %v", err)
	}

	guard := document.NewGuard(signer, store, broker.CollectionLink(cfg.Database, cfg.Collection))
	docs := document.NewService(guard, backend)

	probe := httpapi.ReadyProbe{Store: store}
	api := httpapi.New(probe, version, b,
		httpapi.WithDocuments(docs),
		httpapi.WithCollection(cfg.Collection),
		httpapi.WithRequestTimeout(cfg.RequestTimeout),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithTokenTTL(cfg.TokenTTL),
		httpapi.WithCORSOrigins(cfg.CORSOrigins...),
		httpapi.WithTrustedProxies(cfg.Proxies...),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(probe)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen grpc %s: %v", cfg.GRPCAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go health.Run(ctx, 10*time.Second)
	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	obs.Info("broker_started", map[string]any{
		"version":    version,
		"http_addr":  srv.Addr,
		"grpc_addr":  cfg.GRPCAddr,
		"store":      cfg.Store.String(),
		"database":   cfg.Database,
		"collection": cfg.Collection,
		"token_ttl":  cfg.TokenTTL.String(),
		"mode":       cfg.PermissionMode,
	})

	<-ctx.Done()
	obs.Info("broker_stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("http_shutdown", err, nil)
	}
	grpcServer.GracefulStop()
	if err := closeFn(); err != nil {
		obs.Error("store_close", err, nil)
	}
	obs.Info("broker_stopped", nil)
}
