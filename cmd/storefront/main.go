package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tobira-shop/storefront/internal/address"
	"github.com/tobira-shop/storefront/internal/handlers"
	"github.com/tobira-shop/storefront/internal/mail"
	"github.com/tobira-shop/storefront/internal/platform/config"
	"github.com/tobira-shop/storefront/internal/platform/observability"
	"github.com/tobira-shop/storefront/internal/platform/session"
	"github.com/tobira-shop/storefront/internal/services"
	"github.com/tobira-shop/storefront/internal/shipping"
	"github.com/tobira-shop/storefront/internal/stripeapi"
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

	logger := baseLogger.Named("storefront")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load()
	if err != nil {
		if config.IsValidation(err) {
			logger.Fatal("invalid configuration", zap.Error(err))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	stripeClient, err := stripeapi.NewClient(stripeapi.Config{
		APIKey:                  cfg.Stripe.APIKey,
		Logger:                  observability.EventLogger(logger.Named("stripe")),
		MaxTaxRates:             cfg.Stripe.MaxTaxRates,
		CustomerSearchPageLimit: cfg.Stripe.CustomerSearchPageLimit,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment client", zap.Error(err))
	}

	mailer, err := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
	if err != nil {
		logger.Fatal("failed to initialise mail sender", zap.Error(err))
	}
	notifier := &mail.OperatorNotifier{
		Sender:     mailer,
		Recipients: cfg.Shop.OperatorRecipients,
		ShopName:   cfg.Shop.Name,
	}

	verifier, err := address.NewUSPSVerifier(address.USPSConfig{
		UserID:  cfg.USPS.UserID,
		BaseURL: cfg.USPS.BaseURL,
		Timeout: cfg.USPS.Timeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise address verifier", zap.Error(err))
	}
	normalizer, err := address.NewNormalizer(address.NormalizerDeps{
		Verifier:        verifier,
		DomesticCountry: cfg.Shop.DomesticCountry,
		Logger:          observability.EventLogger(logger.Named("address")),
	})
	if err != nil {
		logger.Fatal("failed to initialise address normalizer", zap.Error(err))
	}

	registry, err := buildShippingRegistry(cfg, stripeClient, notifier, logger)
	if err != nil {
		logger.Fatal("failed to initialise shipping backends", zap.Error(err))
	}

	store, cleanup, err := buildSessionStore(cfg.Session)
	if err != nil {
		logger.Fatal("failed to initialise session store", zap.Error(err))
	}
	defer cleanup()
	sessions, err := session.NewManager(session.ManagerConfig{
		Store:      store,
		TTL:        cfg.Session.TTL,
		CookieName: cfg.Session.CookieName,
		Secure:     cfg.Session.Secure,
	})
	if err != nil {
		logger.Fatal("failed to initialise session manager", zap.Error(err))
	}

	shopBase := strings.TrimSuffix(cfg.Server.BaseURL, "/") + cfg.Server.PathPrefix

	catalogService, err := services.NewCatalogService(services.CatalogDeps{
		API:    stripeClient,
		Logger: observability.EventLogger(logger.Named("catalog")),
	})
	if err != nil {
		logger.Fatal("failed to initialise catalog service", zap.Error(err))
	}
	cartService, err := services.NewCartService(services.CartDeps{
		API:    stripeClient,
		Logger: observability.EventLogger(logger.Named("cart")),
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}
	checkoutService, err := services.NewCheckoutService(services.CheckoutDeps{
		API:        stripeClient,
		Normalizer: normalizer,
		Shippers:   registry,
		Config: services.CheckoutConfig{
			Currency:              cfg.Shop.Currency,
			DomesticCountry:       cfg.Shop.DomesticCountry,
			InternationalShipping: cfg.Shop.InternationalShipping,
			SuccessURL:            shopBase + "/checkout/success",
			CancelURL:             shopBase + "/checkout/cancel",
		},
		Logger: observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}
	subscriptionService, err := services.NewSubscriptionService(services.SubscriptionDeps{
		API:        stripeClient,
		Normalizer: normalizer,
		Shippers:   registry,
		Config: services.SubscriptionConfig{
			Currency:              cfg.Shop.Currency,
			DomesticCountry:       cfg.Shop.DomesticCountry,
			InternationalShipping: cfg.Shop.InternationalShipping,
			ShippingPerCycle:      cfg.Shop.ShippingPerCycle,
			SuccessURL:            shopBase + "/checkout/success",
			CancelURL:             shopBase + "/checkout/cancel",
		},
		Logger: observability.EventLogger(logger.Named("subscription")),
	})
	if err != nil {
		logger.Fatal("failed to initialise subscription service", zap.Error(err))
	}
	fulfillmentService, err := services.NewFulfillmentService(services.FulfillmentDeps{
		API:      stripeClient,
		Shippers: registry,
		Mailer:   mailer,
		Config: services.FulfillmentConfig{
			ShopName:           cfg.Shop.Name,
			Currency:           cfg.Shop.Currency,
			OperatorRecipients: cfg.Shop.OperatorRecipients,
			ReplyTo:            cfg.Shop.ReplyTo,
			ManageURL:          shopBase + "/billing/manage",
			ShippingPerCycle:   cfg.Shop.ShippingPerCycle,
		},
		Logger: observability.EventLogger(logger.Named("fulfillment")),
	})
	if err != nil {
		logger.Fatal("failed to initialise fulfillment service", zap.Error(err))
	}
	billingService, err := services.NewBillingService(services.BillingDeps{
		API:    stripeClient,
		Mailer: mailer,
		Config: services.BillingConfig{
			ShopName:    cfg.Shop.Name,
			TokenSecret: cfg.Billing.TokenSecret,
			TokenTTL:    cfg.Billing.TokenTTL,
			ManageURL:   shopBase + "/billing/manage",
			ReturnURL:   shopBase,
			ReplyTo:     cfg.Shop.ReplyTo,
		},
		Logger: observability.EventLogger(logger.Named("billing")),
	})
	if err != nil {
		logger.Fatal("failed to initialise billing service", zap.Error(err))
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Logger:          logger.Named("http"),
		Sessions:        sessions,
		Catalog:         catalogService,
		Carts:           cartService,
		Checkout:        checkoutService,
		Subscriptions:   subscriptionService,
		Billing:         billingService,
		Fulfillment:     fulfillmentService,
		WebhookVerifier: stripeClient,
		WebhookSecrets: handlers.WebhookSecrets{
			CheckoutCompleted: cfg.Stripe.CheckoutWebhookSecret,
			InvoiceCreated:    cfg.Stripe.InvoiceWebhookSecret,
		},
		PathPrefix: cfg.Server.PathPrefix,
	})

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
		serverLogger.Info("storefront listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildShippingRegistry registers every backend with configured credentials.
// At least one backend must come up; the default must be among them.
func buildShippingRegistry(cfg config.Config, stripeClient *stripeapi.Client, notifier shipping.Notifier, logger *zap.Logger) (*shipping.Registry, error) {
	prices := &services.ProductPriceSource{API: stripeClient}
	var backends []shipping.Backend

	if strings.TrimSpace(cfg.EasyPost.APIKey) != "" {
		easypost, err := shipping.NewEasyPostBackend(shipping.EasyPostDeps{
			Config: shipping.EasyPostConfig{
				APIKey:              cfg.EasyPost.APIKey,
				BaseURL:             cfg.EasyPost.BaseURL,
				Timeout:             cfg.EasyPost.Timeout,
				ShipFrom:            cfg.Shipping.FromAddress(),
				CustomsContentsType: cfg.Shipping.CustomsContentsType,
				CustomsSigner:       cfg.Shipping.CustomsSigner,
				CustomsCertify:      cfg.Shipping.CustomsCertify,
			},
			Prices:   prices,
			Notifier: notifier,
			Logger:   observability.EventLogger(logger.Named("shipping")),
		})
		if err != nil {
			return nil, err
		}
		backends = append(backends, easypost)
	}
	if strings.TrimSpace(cfg.ShipBob.Token) != "" {
		shipbob, err := shipping.NewShipBobBackend(shipping.ShipBobDeps{
			Config: shipping.ShipBobConfig{
				Token:     cfg.ShipBob.Token,
				ChannelID: cfg.ShipBob.ChannelID,
				BaseURL:   cfg.ShipBob.BaseURL,
				Timeout:   cfg.ShipBob.Timeout,
			},
			Logger: observability.EventLogger(logger.Named("shipping")),
		})
		if err != nil {
			return nil, err
		}
		backends = append(backends, shipbob)
	}
	if strings.TrimSpace(cfg.PrintAPI.APIKey) != "" {
		printapi, err := shipping.NewPrintAPIBackend(shipping.PrintAPIDeps{
			Config: shipping.PrintAPIConfig{
				APIKey:          cfg.PrintAPI.APIKey,
				BaseURL:         cfg.PrintAPI.BaseURL,
				Timeout:         cfg.PrintAPI.Timeout,
				DomesticCountry: cfg.Shop.DomesticCountry,
			},
			Notifier: notifier,
			Logger:   observability.EventLogger(logger.Named("shipping")),
		})
		if err != nil {
			return nil, err
		}
		backends = append(backends, printapi)
	}

	return shipping.NewRegistry(cfg.Shipping.DefaultBackend, backends...)
}

// buildSessionStore selects the configured session persistence driver.
func buildSessionStore(cfg config.SessionConfig) (session.Store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return session.NewMemoryStore(), func() {}, nil
	case "sqlite":
		store, err := session.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown session driver %q", cfg.Driver)
	}
}
