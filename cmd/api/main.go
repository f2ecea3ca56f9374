package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/camellia-shop/api/internal/di"
	"github.com/camellia-shop/api/internal/handlers"
	"github.com/camellia-shop/api/internal/platform/config"
	"github.com/camellia-shop/api/internal/platform/observability"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load()
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("configuration is incomplete", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to assemble dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}()

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup
	startIdempotencyCleanup(backgroundCtx, &backgroundWG, container, logger.Named("idempotency"))
	startCartPurge(backgroundCtx, &backgroundWG, container, logger.Named("cart"))

	router := buildRouter(cfg, container, logger)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("camellia shop api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	backgroundCancel()
	backgroundWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildRouter(cfg config.Config, container *di.Container, logger *zap.Logger) http.Handler {
	projectID := cfg.Firestore.ProjectID

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		handlers.CallerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(container.Services.System),
	)
	cartHandlers := handlers.NewCartHandlers(container.Services.Cart)
	checkoutHandlers := handlers.NewCheckoutHandlers(container.Services.Checkout, container.Services.Reconciler)
	orderHandlers := handlers.NewOrderHandlers(container.Services.Orders, container.Services.Spending)
	invoiceHandlers := handlers.NewInvoiceHandlers(container.Services.Invoices, cfg.Features.EnableBatchInvoices)
	webhookHandlers := handlers.NewWebhookHandlers(handlers.WebhookHandlersDeps{
		Verifier:   container.Stripe,
		Reconciler: container.Services.Reconciler,
		Store:      container.Idempotency,
		TTL:        cfg.Idempotency.TTL,
		Logger:     zapEventLogger(logger.Named("webhooks")),
	})

	return handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInvoiceRoutes(invoiceHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)
}

func startIdempotencyCleanup(ctx context.Context, wg *sync.WaitGroup, container *di.Container, logger *zap.Logger) {
	interval := container.Config.Idempotency.CleanupInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, time.Minute)
				removed, err := container.Idempotency.CleanupExpired(runCtx, time.Now().UTC(), container.Config.Idempotency.CleanupBatchSize)
				cancel()
				if err != nil {
					logger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func startCartPurge(ctx context.Context, wg *sync.WaitGroup, container *di.Container, logger *zap.Logger) {
	ttl := container.Config.Cart.InactiveTTL
	if ttl <= 0 {
		return
	}

	// Idle carts age out daily rather than on every request.
	ticker := time.NewTicker(24 * time.Hour)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
				purged, err := container.Services.Cart.PurgeExpired(runCtx, time.Now().UTC())
				cancel()
				if err != nil {
					logger.Error("cart purge error", zap.Error(err))
					continue
				}
				if purged > 0 {
					logger.Info("cart purge removed idle carts", zap.Int("count", purged))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
