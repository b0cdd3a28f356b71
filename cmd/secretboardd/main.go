package main

import (
	"context"
	"encoding/base64"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"secretboard/cfg"
	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/confidential"
	"secretboard/pkg/kms"
	"secretboard/svc/api"
	"secretboard/svc/cache"
	"secretboard/svc/db"
	"secretboard/svc/events"
	"secretboard/svc/lim"
	"secretboard/svc/svc"
	"secretboard/svc/util"
)

func main() {
	if err := cfg.LoadDotEnv(".env"); err != nil {
		util.Fatal().Err(err).Msg("failed to load .env")
		os.Exit(1)
	}
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog("secretboardd", c.LogLevel, c.Environment == "development")
	util.Info().Str("board", c.BoardAddress.Hex()).Msg("starting secretboard node")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kmsAdapter, err := kms.NewAdapter(ctx, c.KMS)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
		os.Exit(1)
	}
	util.Info().Str("provider", kmsAdapter.Provider()).Msg("KMS adapter initialized")

	proofKey, err := loadProofKey(ctx, c, kmsAdapter)
	if err != nil {
		util.Fatal().Err(err).Msg("CRITICAL: proof key unavailable")
		os.Exit(1)
	}
	defer util.Wipe(proofKey)

	store, err := db.NewStoreFromCfg(c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer store.Close()
	util.Info().Str("driver", c.DatabaseDriver).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.IsProduction() {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}
	// interfaces must stay nil when Redis is absent
	var bus events.Bus
	var counter lim.Counter
	if rdb != nil {
		bus, counter = rdb, rdb
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}

	hub := events.NewHub(bus, events.DefaultBuffer)
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			util.Error().Err(err).Msg("event bridge stopped")
		}
	}()

	conf, err := confidential.NewService(kmsAdapter, store, c.BoardAddress, proofKey, c.RevealCacheTTL)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize confidential store")
		os.Exit(1)
	}
	boardSvc := svc.NewBoard(store, lruCache, conf, hub, c)
	util.Info().Int("lru_size", c.LRUCacheSize).Msg("board service initialized")

	hasher, err := lim.NewKeyHasher(boardcrypto.Keccak256([]byte("secretboard.ratelimit"), proofKey), c.IPHashRotation)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize client key hasher")
		os.Exit(1)
	}
	defer hasher.Stop()
	limiter := lim.New(lim.Opts{
		RPM:               c.RateLimit.RPM,
		Burst:             c.RateLimit.Burst,
		ConservativeLimit: c.RateLimit.ConservativeLimit,
		TrustedProxies:    c.TrustedProxies,
	}, counter, hasher)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, boardSvc, hub, limiter, store, rdb)

	quitWAL := make(chan struct{})
	walDone := make(chan struct{})
	go func() {
		defer close(walDone)
		store.StartWALMaintenance(quitWAL)
	}()

	if c.PprofAddr != "" {
		go func() {
			util.Info().Str("addr", c.PprofAddr).Msg("starting pprof server")
			if err := http.ListenAndServe(c.PprofAddr, nil); err != nil {
				util.Warn().Err(err).Msg("pprof server failed")
			}
		}()
	}

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	boardSvc.Shutdown()
	close(quitWAL)
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-time.After(6 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	cancel()
	util.Info().Msg("shutdown complete")
}

// loadProofKey returns the MAC key for seal proofs, from PROOF_KEY or, when
// configured, from the KMS secret store (base64).
func loadProofKey(ctx context.Context, c *cfg.Cfg, adapter *kms.Adapter) ([]byte, error) {
	if !c.ProofKeyFromKMS {
		return c.ProofKey.Bytes(), nil
	}
	encoded, err := adapter.GetSecret(ctx, "PROOF_KEY")
	if err != nil {
		return nil, errors.Wrap(err, "fetch PROOF_KEY")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "decode PROOF_KEY")
	}
	if len(key) < confidential.MinProofKeyLength {
		util.Wipe(key)
		return nil, errors.Errorf("PROOF_KEY from KMS must be at least %d bytes", confidential.MinProofKeyLength)
	}
	return key, nil
}

// healthCheck pings the configured database; used as a container health check.
func healthCheck() int {
	c, err := cfg.Load()
	if err != nil {
		return 1
	}
	store, err := db.NewStoreFromCfg(c)
	if err != nil {
		return 1
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
