package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"dm-service/internal/app"
	"dm-service/internal/config"
	"dm-service/internal/handlers"
	"dm-service/internal/middleware"
	"dm-service/internal/obs"
	"dm-service/internal/observability"
	"dm-service/internal/queue"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/telemetry"
	"dm-service/internal/ws"
)

const serviceName = "dm-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.NewLogger("prod").Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, serviceName, cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(tctx)
	}()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", serviceName, cfg.Env, logger)
	logger.Info("event publisher ready", "mode", rabbitmq.PublisherMode(publisher), "noop_reason", rabbitmq.PublisherNoopReason(publisher))

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("app build failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	var repairs handlers.RepairQueue
	if cfg.QueueEnabled {
		client, err := queue.NewClient(cfg.RedisURL)
		if err != nil {
			logger.Error("queue client failed", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		repairs = client
	}

	hub := ws.NewHub()
	chatHandler := handlers.NewChatHandler(a.Service, repairs, audit)
	chatWS := ws.NewChatWebSocketHandler(hub, a.Service, logger)
	chatListWS := ws.NewChatListWebSocketHandler(hub, a.Service, logger)

	if !cfg.Dev() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestIDMiddleware())
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterHealthRoutes(router, a.Checks)
	handlers.RegisterDebugRoutes(router, audit, cfg.Dev())

	authMiddleware := middleware.AuthMiddleware(a.Directory)

	router.POST("/chats/initiate", authMiddleware, chatHandler.InitiateChat)
	router.POST("/chats/:counterpart_id/messages", authMiddleware, chatHandler.PostChatMessage)
	router.POST("/conversations/:conversation_key/read", authMiddleware, chatHandler.MarkConversationRead)
	router.POST("/conversations/:conversation_key/repair", authMiddleware, chatHandler.RepairConversation)

	router.GET("/ws/chats/:counterpart_id", authMiddleware, chatWS.Handle)
	router.GET("/ws/chat-list", authMiddleware, chatListWS.Handle)

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("grpc listen failed", "addr", cfg.GRPCAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("grpc server started", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	healthServer.Shutdown()
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	grpcServer.GracefulStop()
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowHeaders = append(c.AllowHeaders, "Authorization", "X-User-ID", "X-Request-ID", "X-Device-ID")
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	return c
}
