package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/app"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/console/handler"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/console/server"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/console/service"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/delegation"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra/auth"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/killswitch"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/metrics"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/proposal"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/risk"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("console: %v", err)
	}
}

func run() error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инициализация ресурсов
	m := metrics.New(prometheus.NewRegistry())
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

	// Консоль сама выпускает токены: нужен закрытый ключ
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("console requires auth.private_key_path: %w", err)
	}
	var validator auth.TokenValidator = auth.NewBaseValidator(&privateKey.PublicKey, cfg.Auth.Issuer)
	if cfg.Auth.JWKSURL != "" || len(cfg.Auth.PublicKey) > 0 {
		if validator, err = app.NewValidator(ctx, cfg.Auth); err != nil {
			return err
		}
	}

	// 2. Инициализация слоев (Dependency Injection)
	authService := service.NewAuthService(stores.Users, privateKey, service.AuthOptions{
		Issuer:     cfg.Auth.Issuer,
		TTL:        cfg.Auth.TokenTTL,
		BcryptCost: cfg.Auth.BcryptCost,
	}, logger)
	if cfg.Auth.BootstrapUsername != "" {
		if err := authService.Bootstrap(ctx, cfg.Auth.BootstrapUsername, cfg.Auth.BootstrapPassword, domain.ActorStaff, ""); err != nil {
			return err
		}
	}

	verifier := delegation.NewVerifier(stores.Delegations, ledger, logger)
	proposals := proposal.NewService(stores.Proposals, verifier, risk.NewAnalyzer(logger), ledger, logger)

	ks := killswitch.NewManager(stores.Policy, rdb, logger)
	if err := ks.Init(ctx); err != nil {
		return fmt.Errorf("kill-switch init: %w", err)
	}
	exemptions := killswitch.NewExemptions(stores.Policy, ledger, cfg.Policy.ExemptionMaxTTL, logger)
	auditService := service.NewAuditService(stores.Audit, logger)

	srv := server.NewConsoleServer(validator, app.NewLimiter(cfg.RateLimit, rdb, ledger, m, logger), server.Handlers{
		Auth:        handler.NewAuthHandler(authService),
		Approvals:   handler.NewApprovalHandler(proposals),
		Policy:      handler.NewPolicyHandler(service.NewPolicyService(ks, exemptions, ledger, logger)),
		Delegations: handler.NewDelegationHandler(service.NewDelegationService(stores.Delegations, ledger, cfg.Policy.DelegationMaxTTL, logger)),
		Audit:       handler.NewAuditHandler(auditService),
	}, logger)

	// 3. Запуск сервера
	httpSrv := &http.Server{
		Addr:         cfg.Console.Addr(),
		Handler:      srv,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { ks.StartListener(gctx); return nil })
	g.Go(func() error { ks.StartRefresher(gctx, cfg.Policy.KillSwitchRefresh); return nil })
	g.Go(func() error { exemptions.StartSweeper(gctx, cfg.Policy.ExemptionSweepInterval); return nil })
	g.Go(func() error { auditService.StartRetention(gctx, cfg.Audit.Retention, cfg.Audit.RetentionTick); return nil })
	g.Go(func() error {
		logger.Info("console api started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", httpSrv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Console.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	auditLog.Stop()
	logger.Info("console exited", zap.Error(err))
	return err
}
