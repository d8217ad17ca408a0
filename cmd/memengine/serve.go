package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	memengine "github.com/BaSui01/memengine"
	"github.com/BaSui01/memengine/api/handlers"
	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/internal/metrics"
	"github.com/BaSui01/memengine/internal/server"
	"github.com/BaSui01/memengine/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := initLogger(cfg.Log)
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting memengine",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	srv, err := NewServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	err = srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+cfg.Async.DrainTimeout)
	defer cancel()
	if cerr := srv.Close(shutdownCtx); cerr != nil {
		logger.Error("engine shutdown error", zap.Error(cerr))
	}
	if providers != nil {
		if perr := providers.Shutdown(shutdownCtx); perr != nil {
			logger.Warn("telemetry shutdown error", zap.Error(perr))
		}
	}
	logger.Info("memengine stopped")
	return err
}

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组合引擎、API 路由与 metrics 端点
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	engine    *memengine.Engine
	collector *metrics.Collector

	health *handlers.HealthHandler
	memory *handlers.MemoryHandler
}

// NewServer 创建引擎并装配 handler
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	collector := metrics.NewCollector("memengine", nil, logger)
	engine, err := memengine.New(ctx, cfg, memengine.WithLogger(logger), memengine.WithMetrics(collector))
	if err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	health := handlers.NewHealthHandler(logger)
	health.RegisterProbes(engine.Probes())

	return &Server{
		cfg:       cfg,
		logger:    logger,
		engine:    engine,
		collector: collector,
		health:    health,
		memory:    handlers.NewMemoryHandler(engine, logger),
	}, nil
}

// Router 构建 API 路由. rateCtx 结束时停止限流器的清理协程
func (s *Server) Router(rateCtx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
	)

	r.Get("/health", s.health.HandleHealth)
	r.Get("/ready", s.health.HandleReady)
	r.Get("/version", s.health.HandleVersion(Version, BuildTime, GitCommit))
	r.Handle("/metrics", s.collector.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimiter(rateCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
		s.memory.Routes(r)
	})
	return r
}

// Run 启动 API 与 metrics 服务器，阻塞到 ctx 结束或任一服务器失败
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	api := server.NewManager("api", s.Router(ctx), server.ConfigFor(s.cfg.Server, s.cfg.Server.HTTPPort), s.logger)
	g.Go(func() error { return api.Run(ctx) })

	if s.cfg.Server.MetricsPort > 0 && s.cfg.Server.MetricsPort != s.cfg.Server.HTTPPort {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.collector.Handler())
		ms := server.NewManager("metrics", mux, server.ConfigFor(s.cfg.Server, s.cfg.Server.MetricsPort), s.logger)
		g.Go(func() error { return ms.Run(ctx) })
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return g.Wait()
}

// Close 关闭引擎（排空评估队列并保存索引）
func (s *Server) Close(ctx context.Context) error {
	return s.engine.Close(ctx)
}

// =============================================================================
// 🔧 运维命令
// =============================================================================

// withEngine 打开一个不启动维护调度的引擎执行 fn
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *memengine.Engine) (any, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Maintenance.Enabled = false
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := memengine.New(ctx, cfg, memengine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cfg.Async.DrainTimeout+5*time.Second)
		defer cancel()
		if cerr := e.Close(cctx); cerr != nil {
			logger.Error("engine shutdown error", zap.Error(cerr))
		}
	}()

	out, err := fn(ctx, e)
	if err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func newRebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the vector index from stored vectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *memengine.Engine) (any, error) {
				return e.RebuildIndex(ctx)
			})
		},
	}
}

func newDecayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decay",
		Short: "Run association decay and checkpoint the vector index once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *memengine.Engine) (any, error) {
				return e.RunMaintenance(ctx)
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print engine statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *memengine.Engine) (any, error) {
				return e.GetStats(ctx)
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
