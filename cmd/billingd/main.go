package main

import (
	"context"

	"github.com/trainerdesk/billing/internal/auth"
	"github.com/trainerdesk/billing/internal/config"
	"github.com/trainerdesk/billing/internal/database"
	"github.com/trainerdesk/billing/internal/handlers"
	"github.com/trainerdesk/billing/internal/invoices"
	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/mailer"
	"github.com/trainerdesk/billing/internal/monitoring"
	"github.com/trainerdesk/billing/internal/prepaid"
	"github.com/trainerdesk/billing/internal/redis"
	"github.com/trainerdesk/billing/internal/server"
	"github.com/trainerdesk/billing/internal/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("billingd")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting billingd (Trainer Billing API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database and apply schema
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("billingd", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("billingd", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Optional Redis cache for trainer summaries
	var summaryCache prepaid.SummaryCache
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		redisClient, err := redis.NewClientFromURL(context.Background(), redisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, summary caching disabled")
		} else {
			defer redisClient.Close()
			summaryCache = prepaid.NewRedisSummaryCache(redisClient, logger)
			healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
		}
	}

	// Create custom billing metrics
	metrics := &handlers.BillingMetrics{
		Deductions:        metricsCollector.NewCounter("deductions_total", "Session deductions processed", []string{"outcome"}),
		Credits:           metricsCollector.NewCounter("credits_total", "Prepaid credits applied", []string{"outcome"}),
		InvoiceOperations: metricsCollector.NewCounter("invoice_operations_total", "Invoice operations", []string{"kind", "operation"}),
		EmailSends:        metricsCollector.NewCounter("email_sends_total", "Invoice and reminder emails", []string{"kind", "outcome"}),
	}
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Wire the billing engine
	emailService := mailer.NewEmailService(logger)
	delivery := invoices.NewDelivery(db, logger, emailService)
	delivery.Sends = metrics.EmailSends
	ledger := prepaid.NewService(db, logger, prepaid.NewRateResolver(db, logger), summaryCache)
	invoiceService := invoices.NewService(db, logger, ledger, delivery)

	handlers.Init(db, logger, metrics, ledger, invoiceService)

	// Start background billing jobs
	jobManager := handlers.NewJobManager(db, logger, ledger, invoiceService, delivery)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - background billing jobs active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "billingd", healthChecker, metricsCollector)

	{
		// Trainer-facing endpoints (JWT)
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.POST("/clients/:client_id/credit", handlers.AddCredit)
			protected.POST("/clients/:client_id/topup-invoice", handlers.GenerateTopUpInvoice)
			protected.POST("/clients/:client_id/topup-check", handlers.CheckTopUp)
			protected.POST("/clients/:client_id/switch-per-session", handlers.SwitchToPerSession)
			protected.GET("/clients/:client_id/transactions", handlers.GetTransactions)
			protected.GET("/prepaid/summary", handlers.GetPrepaidSummary)
			protected.GET("/invoices", handlers.GetInvoices)
			protected.GET("/invoices/:invoice_id", handlers.GetInvoice)
			protected.POST("/invoices/:invoice_id/void-switch", handlers.VoidInvoiceAndSwitch)
			protected.POST("/invoices/:invoice_id/mark-paid", handlers.MarkInvoicePaid)
		}

		// Scheduling-side endpoints (service-to-service)
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/sessions/:appointment_id/deduct", handlers.DeductSession)
			serviceAPI.POST("/sessions/:appointment_id/invoice", handlers.GeneratePerSessionInvoice)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("billingd", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
