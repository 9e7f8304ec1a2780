package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	api "equipment-rental-backend/internal/api/grpc"
	"equipment-rental-backend/internal/api/grpc/interceptor"
	httpapi "equipment-rental-backend/internal/api/http"
	"equipment-rental-backend/internal/config"
	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/events"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/repository"
	"equipment-rental-backend/internal/repository/memory"
	"equipment-rental-backend/internal/repository/postgres"
	"equipment-rental-backend/internal/security"
	"equipment-rental-backend/internal/service"

	_ "github.com/lib/pq"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config/config.dev.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	logger.SetExpectedErrorClassifier(domain.IsExpected)
	logger.Info("Starting Equipment Rental Engine...", "log_level", cfg.Log.Level, "log_format", cfg.Log.Format)
	logger.Info("Server configuration", "http_address", cfg.GetServerAddress(), "grpc_address", cfg.GetGRPCAddress())

	store, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	// Initialize Services
	svc := service.New(store, &cfg.Finance, events.NewLogPublisher(), service.Options{
		MaxRetries:          cfg.Engine.MaxRetries,
		RetryBackoff:        cfg.RetryBackoff(),
		InvoiceDueDays:      cfg.Finance.InvoiceDueDays,
		LateReturnGraceDays: cfg.Finance.LateReturnGraceDays,
	})

	// Initialize Security
	tokenManager := security.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer, time.Duration(cfg.JWT.AccessTokenExpiry)*time.Minute)

	// Set up HTTP server
	httpServer := &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           httpapi.NewRouter(svc, tokenManager),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			log.Fatalf("Failed to serve HTTP: %v", err)
		}
	}()

	// Set up gRPC server
	var grpcServer *grpc.Server
	if addr := cfg.GetGRPCAddress(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Error("Failed to listen", "error", err, "address", addr)
			log.Fatalf("Failed to listen: %v", err)
		}

		authInterceptor := interceptor.NewAuthInterceptor(tokenManager)
		grpcServer = grpc.NewServer(
			grpc.ChainUnaryInterceptor(interceptor.RequestLog(), authInterceptor.Unary()),
		)
		api.RegisterEngineServiceServer(grpcServer, api.NewEngineHandler(svc))
		healthpb.RegisterHealthServer(grpcServer, health.NewServer())

		go func() {
			logger.Info("gRPC server listening", "address", addr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("Failed to serve gRPC", "error", err)
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	logger.Info("Server stopped")
}

// openStore connects the configured repository backend.
func openStore(cfg *config.Config) (*repository.Store, func(), error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory store; data is lost on exit")
		return memory.NewStore(memory.New(cfg.LockTimeout())), func() {}, nil
	}

	logger.Info("Database configuration", "host", cfg.Database.Host, "port", cfg.Database.Port, "database", cfg.Database.Database, "user", cfg.Database.User)
	db, err := sql.Open("postgres", cfg.GetDatabaseConnectionString())
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	// Test database connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("Database connection established")
	return postgres.NewStore(db, cfg.LockTimeout()), func() { db.Close() }, nil
}
