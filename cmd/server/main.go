package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/techvisa/expert-marketplace-backend/internal/config"
	"github.com/techvisa/expert-marketplace-backend/internal/database"
	"github.com/techvisa/expert-marketplace-backend/internal/handlers"
	"github.com/techvisa/expert-marketplace-backend/internal/middleware"
	"github.com/techvisa/expert-marketplace-backend/internal/services"
	"github.com/techvisa/expert-marketplace-backend/pkg/jwt"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting Expert Marketplace Backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// All slot and conflict arithmetic happens in the business timezone
	location, err := time.LoadLocation(cfg.Booking.Timezone)
	if err != nil {
		logger.Fatalf("Invalid timezone %q: %v", cfg.Booking.Timezone, err)
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	if err := db.Ping(); err != nil {
		logger.Fatalf("Failed to ping database: %v", err)
	}

	// The payment audit repository needs the underlying sqlx handle
	sqlxDB, ok := db.(*database.PostgresDB)
	if !ok {
		logger.Fatal("Failed to cast database connection to PostgresDB")
	}

	// Initialize repositories
	expertRepo := database.NewExpertRepository(db)
	bookingRepo := database.NewBookingRepository(db)
	earningRepo := database.NewEarningRepository(db)
	disputeRepo := database.NewDisputeRepository(db)
	auditRepo := database.NewPaymentAuditRepository(sqlxDB.DB, logger)

	// Initialize services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(
		cfg.JWT.Secret,
		cfg.JWT.RefreshSecret,
		cfg.JWT.AccessTokenExpiry,
		cfg.JWT.RefreshTokenExpiry,
	)

	stripeService := services.NewStripeService(&cfg.Stripe, logger)
	notifier := services.NewLogNotifier(logger)

	assignmentService := services.NewAssignmentService(expertRepo, bookingRepo, location, logger)
	earningsService := services.NewEarningsService(earningRepo, expertRepo, bookingRepo, auditRepo, stripeService, &cfg.Payout, logger)
	paymentService := services.NewPaymentService(bookingRepo, auditRepo, stripeService, earningsService, logger)
	bookingService := services.NewBookingService(bookingRepo, expertRepo, assignmentService, paymentService, earningsService, notifier, &cfg.Booking, location, logger)
	disputeService := services.NewDisputeService(disputeRepo, bookingRepo, paymentService, earningsService, notifier, &cfg.Booking, location, logger)
	auditService := services.NewAuditService(db)
	expertAuthService := services.NewExpertAuthService(expertRepo, jwtService, logger)

	// Initialize and start cron service
	cronService := services.NewCronService(bookingRepo, bookingService, disputeService, earningsService, location)
	if err := cronService.Start(); err != nil {
		logger.Fatalf("Failed to start cron service: %v", err)
	}
	logger.Info("✓ Cron service started - Auto-completion, dispute resolution and payouts enabled")

	logger.Info("Services initialized")

	// Initialize handlers
	bookingHandler := handlers.NewBookingHandler(bookingService, bookingRepo, logger)
	expertHandler := handlers.NewExpertHandler(
		expertAuthService,
		bookingService,
		earningsService,
		auditService,
		expertRepo,
		bookingRepo,
		earningRepo,
		location,
		logger,
	)
	disputeHandler := handlers.NewDisputeHandler(disputeService, auditService, logger)
	webhookHandler := handlers.NewWebhookHandler(bookingService, stripeService, auditRepo, bookingRepo, &cfg.Stripe, logger)

	// Initialize Gin router
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	// CORS configuration
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Client booking routes (public, keyed by booking ID)
		bookings := v1.Group("/bookings")
		{
			bookings.POST("", bookingHandler.CreateBooking)
			bookings.GET("", bookingHandler.ListClientBookings)
			bookings.GET("/:id", bookingHandler.GetBooking)
			bookings.POST("/:id/cancel", bookingHandler.CancelBooking)
			bookings.POST("/:id/reschedule", bookingHandler.RequestReschedule)
			bookings.POST("/:id/confirm-time", bookingHandler.ConfirmReassignment)
			bookings.POST("/:id/rate", bookingHandler.RateBooking)
			bookings.POST("/:id/disputes", disputeHandler.FileDispute)
		}

		// Expert portal routes
		experts := v1.Group("/experts")
		{
			experts.POST("/login", expertHandler.Login)
			experts.POST("/refresh", expertHandler.RefreshToken)

			// Protected routes (require JWT authentication)
			me := experts.Group("/me")
			me.Use(middleware.AuthMiddleware(jwtService))
			{
				me.GET("", expertHandler.GetProfile)
				me.GET("/availability", expertHandler.GetAvailability)
				me.PUT("/availability", expertHandler.UpdateAvailability)
				me.GET("/bookings", expertHandler.ListBookings)
				me.POST("/bookings/:id/cancel", expertHandler.CancelBooking)
				me.POST("/bookings/:id/complete", expertHandler.CompleteBooking)
				me.GET("/earnings", expertHandler.ListEarnings)
				me.POST("/payouts/instant", expertHandler.RequestInstantPayout)
			}
		}

		// Dispute routes
		disputes := v1.Group("/disputes")
		{
			disputes.POST("/:id/respond", disputeHandler.RespondToDispute)
		}

		// Payment provider webhooks (signature-verified, no JWT)
		v1.POST("/webhooks/stripe", webhookHandler.HandleStripeWebhook)

		// Staff routes
		admin := v1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtService))
		admin.Use(middleware.RequireRole(middleware.RoleStaff))
		{
			admin.POST("/disputes/:id/resolve", disputeHandler.ResolveDispute)

			admin.POST("/cron/auto-complete", func(c *gin.Context) {
				count, err := cronService.AutoCompleteBookings(c.Request.Context(), time.Now())
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
					return
				}
				c.JSON(http.StatusOK, gin.H{"message": "Auto-completion triggered", "completed": count})
			})

			admin.POST("/cron/reconcile-payments", func(c *gin.Context) {
				count, err := cronService.ReconcileStuckPayments(c.Request.Context(), time.Now())
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
					return
				}
				c.JSON(http.StatusOK, gin.H{"message": "Payment reconciliation triggered", "reconciled": count})
			})

			admin.GET("/cron/status", func(c *gin.Context) {
				c.JSON(http.StatusOK, cronService.GetJobStatus())
			})
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Stop cron service
	logger.Info("Stopping cron service...")
	cronService.Stop()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited successfully")
}

// requestLogger middleware for logging HTTP requests
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		fields := logrus.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"query":      query,
			"ip":         c.ClientIP(),
			"latency_ms": latency.Milliseconds(),
			"user_agent": c.Request.UserAgent(),
		}

		entry := logger.WithFields(fields)

		if len(c.Errors) > 0 {
			for i, err := range c.Errors {
				entry = entry.WithField(fmt.Sprintf("error_%d", i), err.Error())
			}
			entry.Error("Request failed with errors")
		} else {
			status := c.Writer.Status()
			if status >= 500 {
				entry.Error("Request completed with server error")
			} else if status >= 400 {
				entry.Warn("Request completed with client error")
			} else {
				entry.Info("Request completed successfully")
			}
		}
	}
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db database.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		dbStatus := "healthy"
		if err := db.Ping(); err != nil {
			dbStatus = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": dbStatus,
				"error":    err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  dbStatus,
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}
