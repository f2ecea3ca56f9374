package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/camellia-shop/api/internal/payments"
	"github.com/camellia-shop/api/internal/platform/config"
	pfirestore "github.com/camellia-shop/api/internal/platform/firestore"
	"github.com/camellia-shop/api/internal/platform/idempotency"
	"github.com/camellia-shop/api/internal/platform/jobs"
	"github.com/camellia-shop/api/internal/repositories"
	fsrepo "github.com/camellia-shop/api/internal/repositories/firestore"
	"github.com/camellia-shop/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Cart       services.CartService
	Orders     services.OrderService
	Reconciler services.PaymentReconciler
	Spending   services.SpendingGuard
	Invoices   services.InvoiceService
	Checkout   services.CheckoutService
	System     services.SystemService
}

// Container wires configuration, storage, external providers, and services for
// runtime use.
type Container struct {
	Config      config.Config
	Logger      *zap.Logger
	Firestore   *pfirestore.Provider
	Registry    repositories.Registry
	Pubsub      *pubsub.Client
	Stripe      *payments.StripeProvider
	Idempotency idempotency.Store
	Services    Services
}

// NewContainer constructs the runtime dependencies from configuration.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	provider := pfirestore.NewProvider(cfg.Firestore)
	client, err := provider.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect firestore: %w", err)
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.Stripe.APIKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
	})
	if err != nil {
		_ = provider.Close(ctx)
		return nil, fmt.Errorf("build stripe provider: %w", err)
	}

	var pubsubClient *pubsub.Client
	var publisher services.EventPublisher
	if cfg.Features.EnableNotifications {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Notifications.ProjectID)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		topic := pubsubClient.Topic(cfg.Notifications.Topic)
		publisher, err = jobs.NewPubSubEventPublisher(topic, jobs.WithPublishTimeout(cfg.Notifications.PublishTimeout))
		if err != nil {
			pubsubClient.Close()
			_ = provider.Close(ctx)
			return nil, fmt.Errorf("build event publisher: %w", err)
		}
	}

	healthRepo, err := buildHealthRepository(cfg, client, pubsubClient)
	if err != nil {
		closeClients(ctx, provider, pubsubClient)
		return nil, fmt.Errorf("build health repository: %w", err)
	}

	registry, err := fsrepo.NewRegistry(fsrepo.RegistryConfig{
		Provider: provider,
		Health:   healthRepo,
	})
	if err != nil {
		closeClients(ctx, provider, pubsubClient)
		return nil, fmt.Errorf("build repository registry: %w", err)
	}

	svc, err := buildServices(registry, cfg, stripeProvider, publisher, logger)
	if err != nil {
		closeClients(ctx, provider, pubsubClient)
		return nil, err
	}

	return &Container{
		Config:      cfg,
		Logger:      logger,
		Firestore:   provider,
		Registry:    registry,
		Pubsub:      pubsubClient,
		Stripe:      stripeProvider,
		Idempotency: idempotency.NewFirestoreStore(client),
		Services:    svc,
	}, nil
}

// Close releases the Firestore and Pub/Sub clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Pubsub != nil {
		if err := c.Pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Registry != nil {
		if err := c.Registry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildServices(reg repositories.Registry, cfg config.Config, stripeProvider *payments.StripeProvider, publisher services.EventPublisher, logger *zap.Logger) (Services, error) {
	var svc Services
	eventLog := zapEventLogger(logger)

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:           reg.Carts(),
		Products:        reg.Products(),
		Clock:           time.Now,
		DefaultCurrency: cfg.Billing.Currency,
		InactiveTTL:     cfg.Cart.InactiveTTL,
		Logger:          eventLog,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Counters:   reg.Counters(),
		UnitOfWork: reg,
		Payments:   stripeProvider,
		Clock:      time.Now,
		Events:     publisher,
		Logger:     eventLog,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	reconciler, err := services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Orders:      orderSvc,
		OrderLookup: reg.Orders(),
		Carts:       cartSvc,
		Payments:    stripeProvider,
		Events:      publisher,
		Clock:       time.Now,
		Logger:      eventLog,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment reconciler: %w", err)
	}
	svc.Reconciler = reconciler

	spending, err := services.NewSpendingGuard(services.SpendingGuardDeps{
		Accounts: reg.Accounts(),
		Orders:   reg.Orders(),
		Ledger:   orderSvc,
		Carts:    cartSvc,
		Clock:    time.Now,
		Logger:   eventLog,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build spending guard: %w", err)
	}
	svc.Spending = spending

	invoiceSvc, err := services.NewInvoiceService(services.InvoiceServiceDeps{
		Invoices: reg.Invoices(),
		Orders:   reg.Orders(),
		Accounts: reg.Accounts(),
		Counters: reg.Counters(),
		Clock:    time.Now,
		Events:   publisher,
		Logger:   eventLog,
		VATRate:  cfg.Billing.VATRate,
		DueDays:  cfg.Billing.InvoiceDueDays,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build invoice service: %w", err)
	}
	svc.Invoices = invoiceSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:    cartSvc,
		Provider: stripeProvider,
		Clock:    time.Now,
		IDGenerator: func() string {
			return ulid.Make().String()
		},
		SuccessURL: cfg.Stripe.SuccessURL,
		CancelURL:  cfg.Stripe.CancelURL,
		Logger:     eventLog,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            time.Now,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	return svc, nil
}

func buildHealthRepository(cfg config.Config, client *firestore.Client, pubsubClient *pubsub.Client) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				iter := client.Collections(ctx)
				if _, err := iter.Next(); err != nil && err != iterator.Done {
					return err
				}
				return nil
			},
		},
		{
			Name: "stripe",
			Check: func(context.Context) error {
				if cfg.Stripe.APIKey == "" {
					return errors.New("stripe api key is not configured")
				}
				return nil
			},
		},
	}

	if pubsubClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := pubsubClient.Topic(cfg.Notifications.Topic).Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", cfg.Notifications.Topic)
				}
				return nil
			},
		})
	}

	return repositories.NewDependencyHealthRepository(checks)
}

func closeClients(ctx context.Context, provider *pfirestore.Provider, pubsubClient *pubsub.Client) {
	if pubsubClient != nil {
		pubsubClient.Close()
	}
	if provider != nil {
		_ = provider.Close(ctx)
	}
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
