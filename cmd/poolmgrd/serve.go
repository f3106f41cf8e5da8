package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/vbrowserpool/internal/api"
	"github.com/oriys/vbrowserpool/internal/cache"
	"github.com/oriys/vbrowserpool/internal/config"
	"github.com/oriys/vbrowserpool/internal/controller"
	"github.com/oriys/vbrowserpool/internal/logging"
	"github.com/oriys/vbrowserpool/internal/metrics"
	"github.com/oriys/vbrowserpool/internal/observability"
	"github.com/oriys/vbrowserpool/internal/provider"
	"github.com/oriys/vbrowserpool/internal/registry"
	"github.com/oriys/vbrowserpool/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		logLevel     string
		providerName string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pool controller daemon",
		Long:  "Start the state store connection, every configured pool's background loops, and the HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			if err := config.LoadFromEnv(cfg); err != nil {
				return fmt.Errorf("load env config: %w", err)
			}
			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logging.SetLevelFromString(cfg.Logging.Level)
			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)
			if cfg.Logging.AssignmentLogFile != "" {
				if err := logging.Default().SetOutput(cfg.Logging.AssignmentLogFile); err != nil {
					return fmt.Errorf("open assignment log: %w", err)
				}
			}

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    "otlp-http",
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: serviceName(cfg.Tracing.ServiceName),
				SampleRate:  1.0,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			metrics.InitPrometheus(cfg.Metrics.Namespace)

			probeDir := os.TempDir() + "/vbrowserpool-probes"
			if err := logging.InitProbeCaptureStore(probeDir, 4096, 3600); err != nil {
				return fmt.Errorf("init probe capture store: %w", err)
			}

			st, err := store.New(context.Background(), cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer st.Close()

			adapter, err := buildProvider(context.Background(), providerName, cfg)
			if err != nil {
				return err
			}

			descCache, invalidator := buildCache(cfg.Redis)

			var invIface controller.Invalidator
			if invalidator != nil {
				invIface = invalidator
			}
			reg := registry.New(st, adapter, descCache, invIface)

			var pools []*api.Pool
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if invalidator != nil {
				go invalidator.Start(ctx)
				defer invalidator.Close()
			}
			for _, p := range cfg.Pools {
				pool, err := reg.Add(ctx, p, cfg.Production())
				if err != nil {
					return fmt.Errorf("register pool: %w", err)
				}
				pools = append(pools, pool)
				logging.Op().Info("[SERVE] pool started", "pool", pool.ID)
			}

			server := api.NewServer(pools...)
			mux := http.NewServeMux()
			mux.Handle("/", server.Handler())
			mux.Handle("/stats", metrics.Global().JSONHandler())
			if h := metrics.Handler(); h != nil {
				mux.Handle("/metrics", h)
			}
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				if err := st.Ping(r.Context()); err != nil {
					http.Error(w, "store unreachable", http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			})
			mux.HandleFunc("/admin/update-snapshot", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
					return
				}
				imageID, err := adapter.UpdateSnapshot(r.Context())
				if err != nil {
					logging.Op().Warn("[SERVE] update snapshot failed", "err", err)
					http.Error(w, "update snapshot failed", http.StatusInternalServerError)
					return
				}
				logging.Op().Info("[SERVE] snapshot updated", "image_id", imageID)
				fmt.Fprintln(w, imageID)
			})

			httpServer := &http.Server{Addr: cfg.APIAddr, Handler: mux}
			go func() {
				logging.Op().Info("[SERVE] http listening", "addr", cfg.APIAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Warn("[SERVE] http server failed", "err", err)
				}
			}()

			logging.Op().Info("[SERVE] vbrowserpool controller started", "pools", len(pools))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("[SERVE] shutdown signal received")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			_ = httpServer.Shutdown(shutdownCtx)

			cancel()
			reg.Stop()
			logging.Default().Close()
			logging.Op().Info("[SERVE] shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&providerName, "provider", "simulated", "Provider adapter: simulated or ec2")

	return cmd
}

func serviceName(configured string) string {
	if configured == "" {
		return "poolmgrd"
	}
	return configured
}

func buildProvider(ctx context.Context, name string, cfg *config.Config) (provider.Adapter, error) {
	switch name {
	case "ec2":
		return provider.NewEC2Adapter(ctx, provider.EC2Config{
			Region:            cfg.Provider.Region,
			ImageID:           cfg.Provider.ImageID,
			InstanceType:      cfg.Provider.InstanceType,
			LargeInstanceType: cfg.Provider.LargeInstanceType,
			SecurityGroupIDs:  cfg.Provider.SecurityGroupIDs,
			SubnetID:          cfg.Provider.SubnetID,
			TagPrefix:         firstNonEmpty(cfg.Pools),
			Size:              cfg.Provider.Size,
			LargeSize:         cfg.Provider.LargeSize,
			MinRetries:        cfg.Provider.MinRetries,
		})
	case "simulated", "":
		return provider.NewSimulatedAdapter(2*time.Second, cfg.Provider.Size, cfg.Provider.LargeSize, cfg.Provider.MinRetries), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func firstNonEmpty(pools []config.PoolConfig) string {
	for _, p := range pools {
		if p.TagPrefix != "" {
			return p.TagPrefix
		}
	}
	return "vbrowserpool"
}

// buildCache wires a Redis-backed L2 cache tiered behind an in-memory
// L1 when Redis is configured; otherwise it falls back to in-memory
// only, which is still useful within a single controller process. When
// Redis is present it also returns a CacheInvalidator so resets and
// terminations evict the L1 cache on every replica, not just the one
// that made the change.
func buildCache(cfg config.RedisConfig) (cache.Cache, *cache.CacheInvalidator) {
	l1 := cache.NewInMemoryCache()
	if cfg.Addr == "" {
		return l1, nil
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "vbrowserpool:cache:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	l2 := cache.NewRedisCacheFromClient(client, prefix)
	tiered := cache.NewTieredCache(l1, l2, 10*time.Second)
	invalidator := cache.NewCacheInvalidator(l1, client)
	return tiered, invalidator
}
