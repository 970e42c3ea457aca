package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kobo_connect/internal/api"
	"kobo_connect/internal/config"
	"kobo_connect/internal/kobo"
	"kobo_connect/internal/ledger"
	"kobo_connect/internal/payload"
	"kobo_connect/internal/repository"
	"kobo_connect/internal/service"
	"kobo_connect/internal/target"
	"kobo_connect/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Initialize logger
	if err := logger.Init(logger.Options{
		Level:      cfg.LogLevel,
		Directory:  cfg.LogDir,
		MaxAgeDays: cfg.LogFileMaxAge,
	}); err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	logger.Infof("Starting kobo-connect (env %s, ledger %s, events %s)", cfg.Environment, cfg.LedgerBackend, cfg.EventsBackend)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize databases
	var mongoDB *config.MongoDatabase
	if cfg.NeedsMongo() {
		mongoDB, err = config.InitMongo(cfg)
		if err != nil {
			log.Fatal("Failed to initialize MongoDB:", err)
		}
		defer mongoDB.Close()
	}

	store, closeStore, err := openLedger(ctx, cfg, mongoDB)
	if err != nil {
		log.Fatal("Failed to initialize ledger:", err)
	}
	defer closeStore()

	events, closeEvents, err := openEvents(cfg, mongoDB)
	if err != nil {
		log.Fatal("Failed to initialize event store:", err)
	}
	defer closeEvents()

	// Initialize services
	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	koboClient := kobo.NewClient(kobo.Options{
		BaseURL:      cfg.KoboURL,
		MediaURL:     cfg.KoboMediaURL,
		LookupDelay:  cfg.AttachmentLookupDelay,
		MinBytes:     cfg.AttachmentMinBytes,
		PollInterval: cfg.AttachmentPollInterval,
		MaxWait:      cfg.AttachmentMaxWait,
		Strict:       cfg.AttachmentStrict,
		HTTPClient:   hc,
	})
	sessions := service.NewSessionCache(cfg.SessionRefreshMargin, 10*time.Minute)

	opts121 := target.Program121Options{
		HTTPClient:  hc,
		Sessions:    sessions,
		Attachments: payload.AttachmentMode(cfg.RegistrationAttachmentMode),
	}
	registry := target.Registry{
		"espocrm":    target.EspoFactory(hc),
		"bitrix24":   target.BitrixFactory(hc),
		"generic":    target.GenericFactory(hc),
		"121":        target.Program121Factory(opts121),
		"update-121": target.Program121UpdateFactory(opts121),
	}

	var batch *service.BatchWriter
	if events.Type() != "none" {
		batch = service.NewBatchWriter(events, cfg.BatchSize, time.Duration(cfg.FlushInterval)*time.Millisecond)
	}

	svc := service.NewService(service.Options{
		Environment: cfg.Environment,
		PublicURL:   cfg.PublicURL,
		Registry:    registry,
		Ledger:      ledger.New(store),
		Kobo:        koboClient,
		Events:      events,
		Batch:       batch,
		Sessions:    sessions,
	})
	defer svc.Close()
	svc.StartReporter(ctx, time.Minute)

	// Setup HTTP server
	router := setupRouter(svc, koboHost(cfg.KoboURL))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Server starting on port %d", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server error:", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced shutdown: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

// openLedger selects the ledger store for LEDGER_BACKEND.
func openLedger(ctx context.Context, cfg *config.Config, mongoDB *config.MongoDatabase) (ledger.Store, func(), error) {
	nop := func() {}
	switch cfg.LedgerBackend {
	case "mongo":
		store, err := ledger.NewMongoStore(ctx, mongoDB.Database, cfg.MongoLedgerCollection)
		return store, nop, err
	case "dynamodb":
		db, err := config.InitDynamo(ctx, cfg)
		if err != nil {
			return nil, nop, err
		}
		return ledger.NewDynamoStore(db.Client, db.Table), func() { db.Close() }, nil
	case "postgres":
		db, err := config.InitPostgres(cfg)
		if err != nil {
			return nil, nop, err
		}
		store, err := ledger.NewPostgresStore(ctx, db.DB)
		if err != nil {
			db.Close()
			return nil, nop, err
		}
		return store, func() { db.Close() }, nil
	default:
		logger.Warn("Using in-memory ledger: submissions are not deduplicated across restarts")
		return ledger.NewMemoryStore(), nop, nil
	}
}

// openEvents selects the delivery event repository for EVENTS_BACKEND.
func openEvents(cfg *config.Config, mongoDB *config.MongoDatabase) (repository.EventRepository, func(), error) {
	switch cfg.EventsBackend {
	case "mongo":
		return repository.NewMongoRepo(mongoDB, cfg.MongoEventsCollection), func() {}, nil
	case "influx":
		db, err := config.InitInflux(cfg)
		if err != nil {
			return nil, func() {}, err
		}
		return repository.NewInfluxRepo(db), func() { db.Close() }, nil
	default:
		return repository.NopRepo{}, func() {}, nil
	}
}

func koboHost(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}

func setupRouter(svc *service.Service, koboHost string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(api.Logger())
	r.Use(api.CORS())

	// Routes
	api.SetupRoutes(r, svc, koboHost)

	return r
}
