package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/winvest/trading-core/internal/auth"
	"github.com/winvest/trading-core/internal/broker"
	"github.com/winvest/trading-core/internal/config"
	"github.com/winvest/trading-core/internal/database"
	"github.com/winvest/trading-core/internal/events"
	"github.com/winvest/trading-core/internal/ledger"
	"github.com/winvest/trading-core/internal/market"
	"github.com/winvest/trading-core/internal/metrics"
	"github.com/winvest/trading-core/internal/notification"
	"github.com/winvest/trading-core/internal/order"
	"github.com/winvest/trading-core/internal/outbox"
	"github.com/winvest/trading-core/internal/trade"
	"github.com/winvest/trading-core/internal/wallet"
	"github.com/winvest/trading-core/pkg/middleware"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the saga participants together: database, broker topology,
// outbox relay, consumers, schedulers and the HTTP API, then runs until a
// shutdown signal arrives.
func main() {
	cfg, err := config.Load(os.Getenv("TRADING_CONFIG"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	b, err := broker.Connect(cfg.Broker.URL)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to connect to broker")
	}
	defer b.Close()
	if err := b.DeclareTopology(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to declare broker topology")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared outbox writer; every service captures events through it.
	writer := outbox.NewWriter()
	relay := outbox.NewRelay(db, b, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, m)
	go relay.Start(ctx)

	// Services.
	authService := auth.NewService(cfg.HTTP.JWTSecret, db, writer)
	authHandlers := auth.NewGinHandlers(authService)

	walletService := wallet.NewService(db, writer, ledger.NewClient(cfg.Clients.LedgerBaseURL), m)
	walletHandlers := wallet.NewGinHandlers(walletService)
	walletListener := wallet.NewListener(walletService)

	orderService := order.NewService(db, writer, market.NewClient(cfg.Clients.MarketBaseURL), cfg.Trading, m)
	orderHandlers := order.NewGinHandlers(orderService)
	orderListener := order.NewListener(orderService)

	tradeService := trade.NewService(db, writer, cfg.Trading, m)
	tradeHandlers := trade.NewGinHandlers(tradeService)
	tradeListener := trade.NewListener(tradeService, trade.NewEngine(tradeService))

	hub := notification.NewHub()
	var fanout *notification.Fanout
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		fanout = notification.NewFanout(client, hub)
		go fanout.Subscribe(ctx)
	}
	tracker := notification.NewTracker(db, hub, fanout, cfg.Delivery, m)
	notificationHandlers := notification.NewGinHandlers(tracker)
	notificationListener := notification.NewListener(tracker)

	// Background processors.
	go order.NewExpiryProcessor(orderService, cfg.Trading.ExpirySweepInterval).Start(ctx)
	go notification.NewScheduler(tracker, cfg.Delivery.RetryInterval).Start(ctx)

	startConsumers(ctx, b, walletListener, orderListener, tradeListener, notificationListener)

	// HTTP API.
	router := gin.Default()
	router.Use(middleware.RateLimit())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	setupRoutes(router, cfg.HTTP.JWTSecret, authHandlers, orderHandlers, walletHandlers, tradeHandlers, notificationHandlers, hub)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop consumers and background loops before closing the listener.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// startConsumers binds every saga queue to its listener. Listeners that do
// not need the routing key take (ctx, body); the closures adapt them to the
// consumer signature.
func startConsumers(
	ctx context.Context,
	b *broker.Broker,
	walletListener *wallet.Listener,
	orderListener *order.Listener,
	tradeListener *trade.Listener,
	notificationListener *notification.Listener,
) {
	consumers := map[string]broker.HandlerFunc{
		events.OrderValidatedFundsQueue: func(ctx context.Context, _ string, body []byte) error {
			return walletListener.HandleOrderValidated(ctx, body)
		},
		events.OrderTerminalFundsQueue: func(ctx context.Context, _ string, body []byte) error {
			return walletListener.HandleOrderTerminal(ctx, body)
		},
		events.TradeExecutedFundsQueue: func(ctx context.Context, _ string, body []byte) error {
			return walletListener.HandleTradeExecuted(ctx, body)
		},
		events.UserCreatedFundsQueue: func(ctx context.Context, _ string, body []byte) error {
			return walletListener.HandleUserCreated(ctx, body)
		},
		events.PaymentFundsQueue: walletListener.HandlePayment,
		events.FundsLockedOrderQueue: func(ctx context.Context, _ string, body []byte) error {
			return orderListener.HandleFundsLocked(ctx, body)
		},
		events.OrderRejectedOrderQueue: func(ctx context.Context, _ string, body []byte) error {
			return orderListener.HandleOrderRejected(ctx, body)
		},
		events.TradeExecutedOrderQueue: func(ctx context.Context, _ string, body []byte) error {
			return orderListener.HandleTradeExecuted(ctx, body)
		},
		events.FundsLockedTradeQueue: func(ctx context.Context, _ string, body []byte) error {
			return tradeListener.HandleFundsLocked(ctx, body)
		},
		events.OrderValidatedTradeQueue: func(ctx context.Context, _ string, body []byte) error {
			return tradeListener.HandleOrderValidated(ctx, body)
		},
		events.TradePlacedExecutionQueue: func(ctx context.Context, _ string, body []byte) error {
			return tradeListener.HandleTradePlaced(ctx, body)
		},
		events.NotificationQueue: notificationListener.Handle,
	}

	for queue, handler := range consumers {
		if err := b.Consume(ctx, queue, handler); err != nil {
			zlog.Fatal().Err(err).Str("queue", queue).Msg("Failed to start consumer")
		}
	}
}

// setupRoutes configures all API endpoints and their handlers.
// Auth routes are public; everything else requires a JWT.
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	orderHandlers *order.GinHandlers,
	walletHandlers *wallet.GinHandlers,
	tradeHandlers *trade.GinHandlers,
	notificationHandlers *notification.GinHandlers,
	hub *notification.Hub,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", authHandlers.RegisterHandler())
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", orderHandlers.CreateOrderHandler())
			orders.GET("", orderHandlers.ListOrdersHandler())
			orders.GET("/:order_id", orderHandlers.GetOrderHandler())
			orders.POST("/:order_id/cancel", orderHandlers.CancelOrderHandler())
		}

		// Wallet routes
		wallets := v1.Group("/wallets")
		wallets.Use(middleware.JWTAuth(jwtSecret))
		{
			wallets.GET("", walletHandlers.GetWalletHandler())
			wallets.GET("/transactions", walletHandlers.GetTransactionsHandler())
			wallets.GET("/locks", walletHandlers.GetLocksHandler())
			wallets.POST("/deposit", walletHandlers.DepositHandler())
			wallets.POST("/deposit/confirm", walletHandlers.ConfirmDepositHandler())
			wallets.POST("/withdraw", walletHandlers.WithdrawHandler())
			wallets.POST("/withdraw/confirm", walletHandlers.ConfirmWithdrawalHandler())
			wallets.POST("/transactions/cancel", walletHandlers.CancelTransactionHandler())
		}

		// Trade routes
		trades := v1.Group("/trades")
		trades.Use(middleware.JWTAuth(jwtSecret))
		{
			trades.GET("", tradeHandlers.ListTradesHandler())
			trades.GET("/:trade_id", tradeHandlers.GetTradeHandler())
		}

		// Notification routes
		notifications := v1.Group("/notifications")
		notifications.Use(middleware.JWTAuth(jwtSecret))
		{
			notifications.GET("", notificationHandlers.ListNotificationsHandler())
			notifications.POST("/:notification_id/read", notificationHandlers.MarkReadHandler())
			notifications.GET("/preferences", notificationHandlers.GetPreferencesHandler())
			notifications.PUT("/preferences", notificationHandlers.SavePreferenceHandler())
		}

		// Websocket stream for live notifications
		ws := v1.Group("/ws")
		ws.Use(middleware.JWTAuth(jwtSecret))
		{
			ws.GET("/notifications", hub.ServeWS())
		}
	}
}
