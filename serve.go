package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"chat-core/internal/auth"
	"chat-core/internal/config"
	"chat-core/internal/db"
	"chat-core/internal/dispatch"
	"chat-core/internal/handlers"
	"chat-core/internal/middleware"
	"chat-core/internal/observability"
	"chat-core/internal/push"
	"chat-core/internal/rabbitmq"
	"chat-core/internal/repositories"
	"chat-core/internal/telemetry"
	"chat-core/internal/ws"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Run the websocket endpoint (/ws), history REST endpoints, Prometheus
metrics (/metrics) and the gRPC health service until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, serviceName, cfg.Environment, cfg.OTel.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	database, err := db.Connect(cfg.DB.DSN, logger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer database.Close()
	users := repositories.NewUserRepo(database)

	messages, closeStore, err := openMessageStore(ctx, cfg, database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
	defer publisher.Close()
	logger.Info("event publisher ready",
		slog.String("mode", rabbitmq.PublisherMode(publisher)),
		slog.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)))
	observability.SetPublisher(publisher)

	audit := telemetry.NewAuditEmitter(publisher, cfg.AMQP.AuditRoutingKey, serviceName, cfg.Environment, logger)
	notifier := push.NewNotifier(publisher, cfg.AMQP.PushRoutingKey)

	authenticator := auth.New(cfg.Auth.JWTSecret)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty, trusting X-User-ID on handshake and REST")
	}

	registry := ws.NewRegistry(logger)
	dispatcher := dispatch.New(registry, messages, users, notifier, audit, dispatch.Config{
		MaxContentLength: cfg.Limits.MaxMessageLength,
	}, logger)
	wsHandler := ws.NewHandler(registry, dispatcher, authenticator, ws.Options{
		IdleTimeout:  cfg.WS.IdleTimeout,
		PingInterval: cfg.WS.PingInterval,
		WriteTimeout: cfg.WS.WriteTimeout,
		SendBuffer:   cfg.WS.SendBuffer,
	}, logger)
	history := handlers.NewHistoryHandler(messages, users, cfg.History.PageSize, config.MaxHistoryPageSize)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(routerDeps{
		ws:          wsHandler,
		history:     history,
		auth:        authenticator,
		audit:       audit,
		rooms:       registry,
		debugRoutes: cfg.DebugRoutes,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer, health := observability.NewOpsServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info("grpc ops server listening", slog.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		health.Shutdown()
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Hijacked websocket connections outlive http.Server.Shutdown, so the
		// sessions are closed explicitly before pushes are drained.
		err := httpServer.Shutdown(shutdownCtx)
		if wsErr := wsHandler.Shutdown(shutdownCtx); wsErr != nil {
			logger.Warn("websocket sessions did not close in time", slog.Any("error", wsErr))
		}
		dispatcher.Close()
		return err
	})
	return g.Wait()
}

// openMessageStore picks the message store by store.driver. The user
// directory always lives in Postgres.
func openMessageStore(ctx context.Context, cfg *config.Config, database *sqlx.DB, logger *slog.Logger) (repositories.MessageRepository, func(), error) {
	if cfg.Store.Driver != config.DriverMongo {
		logger.Info("message store ready", slog.String("driver", config.DriverPostgres))
		return repositories.NewMessageRepo(database), func() {}, nil
	}

	client, mdb, err := db.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	repo := repositories.NewMongoMessageRepo(mdb)
	if err := repo.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo indexes: %w", err)
	}
	logger.Info("message store ready", slog.String("driver", config.DriverMongo))
	return repo, func() {
		if err := client.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect failed", slog.Any("error", err))
		}
	}, nil
}

type routerDeps struct {
	ws          *ws.Handler
	history     *handlers.HistoryHandler
	auth        auth.Authenticator
	audit       *telemetry.AuditEmitter
	rooms       handlers.RoomInspector
	debugRoutes bool
}

func newRouter(deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", deps.ws.Handle)

	authed := router.Group("/", middleware.AuthMiddleware(deps.auth))
	authed.GET("/rooms/:room_id/messages", deps.history.GetRoomMessages)
	authed.GET("/direct/:user_id/messages", deps.history.GetDirectMessages)
	authed.GET("/messages/:message_id", deps.history.GetMessage)
	handlers.RegisterDebugRoutes(authed, deps.audit, deps.rooms, deps.debugRoutes)

	return router
}
