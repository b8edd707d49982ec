package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/app"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/connectors"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/delegation"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/engine"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/inventory"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/killswitch"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/metrics"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/policy"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/proposal"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/registry"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/risk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("gate: %v", err)
	}
}

func run() error {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// Контекст жизненного цикла: SIGINT/SIGTERM останавливает серверы и фоновые горутины
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Метрики
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// 3. Инфраструктура и хранилища
	rdb, err := app.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}
	stores, err := app.OpenStores(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	auditLog := app.NewAudit(stores.Audit, cfg.Audit, m, logger)
	ledger := auditLog.Ledger

	capabilities, err := registry.Load(cfg.Policy.CapabilitiesFile, logger)
	if err != nil {
		return err
	}
	validator, err := app.NewValidator(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	// 4. Control plane: делегации, kill-switch, исключения
	verifier := delegation.NewVerifier(stores.Delegations, ledger, logger)
	ks := killswitch.NewManager(stores.Policy, rdb, logger)
	if err := ks.Init(ctx); err != nil {
		return fmt.Errorf("kill-switch init: %w", err)
	}
	exemptions := killswitch.NewExemptions(stores.Policy, ledger, cfg.Policy.ExemptionMaxTTL, logger)

	// 5. Execution layer: коннекторы с Reliability (rate limit, breaker, retry)
	router, closeConns, err := buildConnectors(cfg, stores, m, logger)
	if err != nil {
		return err
	}
	defer closeConns()

	core := engine.NewCore(engine.Deps{
		Registry:  capabilities,
		Verifier:  verifier,
		Proposals: proposal.NewService(stores.Proposals, verifier, risk.NewAnalyzer(logger), ledger, logger),
		Evaluator: policy.NewEvaluator(cfg.Policy.QuotaWindow, m, logger),
		Policy: policy.Context{
			KillSwitch: ks,
			Exemptions: exemptions,
			Authority:  verifier,
		},
		Counters:    stores.Counters,
		Idempotency: stores.Idempotency,
		Ledger:      ledger,
		Connectors:  router,
		Metrics:     m,
		PermitTTL:   cfg.Policy.PermitTTL,
	}, logger)

	// 6. Серверы
	limiter := app.NewLimiter(cfg.RateLimit, rdb, ledger, m, logger)
	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      engine.NewGatewayServer(core, validator, limiter, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator, logger)))
	engine.NewGRPCGatewayServer(core).Register(grpcSrv)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	// 7. Запуск: фоновые задачи и серверы в одной группе
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { ks.StartListener(gctx); return nil })
	g.Go(func() error { ks.StartRefresher(gctx, cfg.Policy.KillSwitchRefresh); return nil })
	g.Go(func() error { exemptions.StartSweeper(gctx, cfg.Policy.ExemptionSweepInterval); return nil })
	g.Go(func() error { core.StartPermitSweeper(gctx, 0); return nil })
	g.Go(func() error { stores.StartJanitor(gctx, cfg.Idempotency.PurgeInterval, logger); return nil })

	g.Go(func() error {
		logger.Info("gate http server started", zap.String("addr", httpSrv.Addr))
		return serveHTTP(httpSrv)
	})
	g.Go(func() error {
		logger.Info("metrics server started", zap.String("addr", metricsSrv.Addr))
		return serveHTTP(metricsSrv)
	})
	if cfg.GRPC.Port > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("failed to listen gRPC: %w", err)
		}
		g.Go(func() error {
			logger.Info("gate grpc server started", zap.String("addr", lis.Addr().String()))
			return grpcSrv.Serve(lis)
		})
	}

	// 8. Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("gate stopping...")
		healthSrv.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := errors.Join(httpSrv.Shutdown(shutdownCtx), metricsSrv.Shutdown(shutdownCtx))
		grpcSrv.GracefulStop()
		return err
	})

	err = g.Wait()
	// буфер аудита сбрасывается, когда запросы уже не принимаются
	auditLog.Stop()
	logger.Info("gate exited", zap.Error(err))
	return err
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return nil
}

// buildConnectors: target из connectors.targets — gRPC коннектор, "inventory" — захват
// единиц внутри процесса, остальное уходит в MockConnector.
func buildConnectors(cfg *infra.Config, stores *app.Stores, m *metrics.Metrics, logger *zap.Logger) (*connectors.Router, func(), error) {
	router := connectors.NewRouter(&connectors.MockConnector{})
	router.Register("inventory", connectors.NewInventoryConnector(inventory.NewService(stores.Inventory)))

	var conns []*grpc.ClientConn
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	opts := engine.ReliabilityOptions{
		RateLimit:   cfg.Connectors.RateLimit,
		Burst:       cfg.Connectors.Burst,
		CallTimeout: cfg.Connectors.CallTimeout,
	}
	for target, addr := range cfg.Connectors.Targets {
		// В реальном проде адрес будет из Service Discovery
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connector %s (%s): %w", target, addr, err)
		}
		conns = append(conns, conn)
		adapter := connectors.NewGRPCAdapter(conn, cfg.Connectors.CallTimeout)
		router.Register(target, engine.NewReliabilityWrapper(target, adapter, opts, m, logger))
		logger.Info("connector registered", zap.String("target", target), zap.String("addr", addr))
	}
	return router, closeAll, nil
}
