package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/lib/pq"

	"equipment-rental-backend/internal/config"
	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/events"
	"equipment-rental-backend/internal/jobs"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/repository/postgres"
	"equipment-rental-backend/internal/scheduler"
	"equipment-rental-backend/internal/service"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config/config.dev.yaml", "Path to configuration file")
	runOnce := flag.String("run-once", "", "Run a specific job once and exit ("+strings.Join(jobs.JobNames(), ", ")+")")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	logger.SetExpectedErrorClassifier(domain.IsExpected)
	logger.Info("Starting Equipment Rental Cronjob Runner...", "log_level", cfg.Log.Level)

	// Jobs only make sense against shared state
	if cfg.Database.Driver != "postgres" {
		log.Fatalf("Cronjob runner needs the postgres driver, got %q", cfg.Database.Driver)
	}

	// Initialize Database
	logger.Info("Connecting to database...", "host", cfg.Database.Host, "port", cfg.Database.Port)
	db, err := sql.Open("postgres", cfg.GetDatabaseConnectionString())
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Test database connection
	if err := db.Ping(); err != nil {
		logger.Error("Failed to ping database", "error", err)
		log.Fatalf("Failed to ping database: %v", err)
	}
	logger.Info("Database connection established")

	// Initialize Repositories and Services
	store := postgres.NewStore(db, cfg.LockTimeout())
	svc := service.New(store, &cfg.Finance, events.NewLogPublisher(), service.Options{
		MaxRetries:          cfg.Engine.MaxRetries,
		RetryBackoff:        cfg.RetryBackoff(),
		InvoiceDueDays:      cfg.Finance.InvoiceDueDays,
		LateReturnGraceDays: cfg.Finance.LateReturnGraceDays,
	})

	// Initialize Job Runner
	jobRunner := jobs.NewJobRunner(store, svc, cfg)

	// Check if running a single job
	if *runOnce != "" {
		logger.Info("Running job once", "job", *runOnce)
		if err := jobRunner.Run(*runOnce); err != nil {
			logger.Error("Unknown job name", "job", *runOnce)
			fmt.Printf("Available jobs:\n")
			for _, name := range jobs.JobNames() {
				fmt.Printf("  - %s\n", name)
			}
			os.Exit(1)
		}
		logger.Info("Job execution completed", "job", *runOnce)
		return
	}

	// Initialize Scheduler
	cronScheduler, err := scheduler.NewScheduler(jobRunner)
	if err != nil {
		log.Fatalf("Failed to register jobs: %v", err)
	}

	// Start scheduler
	cronScheduler.Start()
	logger.Info("Cronjob scheduler is running. Press Ctrl+C to stop.", "jobs", cronScheduler.Entries())

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	// Graceful shutdown
	logger.Info("Shutting down cronjob scheduler...")
	cronScheduler.Stop()
	logger.Info("Cronjob scheduler stopped. Goodbye!")
}
