package cmd

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticket-gate/config"
	"ticket-gate/internal/handlers"
	"ticket-gate/internal/secureqr"
	"ticket-gate/internal/services"
	"ticket-gate/internal/store"
	_ "ticket-gate/migrations"
	"ticket-gate/monitoring"
	"ticket-gate/security"
	"ticket-gate/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"
)

// scanRequestsPerMinute caps scan calls per client IP.
const scanRequestsPerMinute = 600

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()
	slog.Info("Configuration loaded", "config", cfg)

	signer, err := secureqr.NewSigner(cfg.SigningSecret)
	if err != nil {
		return err
	}

	// Initialize Redis
	redisClient, err := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// Initialize PubNub
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	pn := pubnub.NewPubNub(pnConfig)
	gate := services.NewPubNubGate(pn)

	var monitor *monitoring.Monitor
	if cfg.EnableMetrics {
		monitor = monitoring.NewMonitor()
	}

	st := store.NewRedisStore(redisClient, cfg.StoreTxMaxRetries)
	limiter := security.NewRateLimiter(redisClient, cfg.ManualEntryLimit, cfg.ManualEntryWindow)
	overrides := security.NewOverrideAuthorizer(cfg.OverridePINHash)
	breaker := utils.NewCircuitBreaker("ticket-lookup", cfg.LookupBreakerTimeout)
	edge := services.NewEdgeValidator(st, cfg.EdgeMaxAge)

	inventoryService := services.NewInventoryService(st, monitor)
	issuanceService := services.NewIssuanceService(st, signer, monitor)
	checkoutService := services.NewCheckoutService(st, inventoryService, issuanceService)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	go handleShutdown(cancel)

	var jobs *services.Jobs

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		audit := services.NewDBAuditSink(app.DB())

		checkinService := services.NewCheckInService(services.CheckInDeps{
			Store:         st,
			Signer:        signer,
			Breaker:       breaker,
			Edge:          edge,
			Audit:         audit,
			Gate:          gate,
			Feed:          gate,
			Limiter:       limiter,
			Overrides:     overrides,
			Monitor:       monitor,
			NotifyTimeout: cfg.GateCommandTimeout,
		})
		refundService := services.NewRefundService(st, inventoryService, audit, monitor)

		jobs, err = services.NewJobs(services.JobsConfig{
			RefundResumeInterval: cfg.RefundResumeInterval,
			MetricsInterval:      cfg.MetricsInterval,
			EdgeRefreshInterval:  cfg.EdgeRefreshInterval,
		}, refundService, inventoryService, edge, monitor)
		if err != nil {
			return err
		}
		jobs.Start()

		go warmEdgeSnapshots(ctx, edge)

		scanners := services.NewScannerRegistry(checkinService, cfg.ScanProcessingTimeout)

		checkinHandler := handlers.NewCheckInHandler(checkinService, scanners)
		ticketHandler := handlers.NewTicketHandler(checkinService)
		inventoryHandler := handlers.NewInventoryHandler(inventoryService)
		checkoutHandler := handlers.NewCheckoutHandler(checkoutService)
		refundHandler := handlers.NewRefundHandler(refundService)

		v1 := e.Router.Group("/api/v1")
		v1.Bind(apis.RequireAuth())

		// Check-in endpoints
		v1.POST("/checkin/scan", checkinHandler.Scan).BindFunc(limiter.AntiBot(scanRequestsPerMinute))
		v1.POST("/checkin/override", checkinHandler.Override)
		v1.POST("/checkin/devices/{deviceId}/session", checkinHandler.OpenSession)
		v1.GET("/checkin/devices/{deviceId}/session", checkinHandler.GetSession)
		v1.POST("/checkin/devices/{deviceId}/session/{action}", checkinHandler.SessionAction)
		v1.DELETE("/checkin/devices/{deviceId}/session", checkinHandler.CloseSession)

		// Ticket endpoints
		v1.GET("/tickets/{ticketId}", ticketHandler.GetTicket)
		v1.GET("/tickets/{ticketId}/qr.png", ticketHandler.QRImage)
		v1.POST("/tickets/{ticketId}/regenerate", ticketHandler.Regenerate)

		// Inventory endpoints
		v1.POST("/events/{eventId}/availability", inventoryHandler.CheckAvailability)

		// Checkout endpoints
		v1.POST("/checkout", checkoutHandler.Create)
		v1.POST("/checkout/{bookingId}/confirm", checkoutHandler.Confirm)
		v1.POST("/checkout/{bookingId}/cancel", checkoutHandler.Cancel)

		// Refund endpoints
		v1.GET("/bookings/{bookingId}/refund-eligibility", refundHandler.Eligibility)
		v1.POST("/bookings/{bookingId}/refund", refundHandler.Refund)
		v1.GET("/bookings/{bookingId}/integrity", checkoutHandler.Integrity)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]any{
				"status":         "healthy",
				"lookup_breaker": breaker.State().String(),
			})
		})

		if cfg.EnableMetrics {
			e.Router.GET("/metrics", apis.WrapStdHandler(promhttp.Handler()))
		}

		log.Println("Server routes registered")

		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		if jobs != nil {
			if err := jobs.Shutdown(); err != nil {
				slog.Error("Failed to stop scheduler", "error", err)
			}
		}
		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

// warmEdgeSnapshots loads offline snapshots for active events at boot.
func warmEdgeSnapshots(ctx context.Context, edge *services.EdgeValidator) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if err := edge.RefreshActive(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Failed to warm edge snapshots", "error", err)
		return
	}
	log.Println("Edge snapshots warmed")
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
