package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "loanpipe/api/swagger" // swagger docs
	"loanpipe/internal/database"
	"loanpipe/internal/handler"
	"loanpipe/internal/middleware"
	"loanpipe/internal/model"
	"loanpipe/internal/notify"
	"loanpipe/internal/remote"
	"loanpipe/internal/repository"
	"loanpipe/internal/scheduler"
	"loanpipe/internal/service"
	"loanpipe/internal/websocket"
	"loanpipe/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// @title           Loan Submission Pipeline API
// @version         1.0
// @description     Offline-resilient loan submission pipeline: durable work records, scheduled orchestration and document upload.
// @host            localhost:8080
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := godotenv.Load("configs/.env"); err != nil {
		log.Println("No configs/.env file found or error loading it")
	}

	logger.Init(&logger.Config{
		Level:  getenv("LOG_LEVEL", "info"),
		Format: getenv("LOG_FORMAT", "text"),
	})

	dsn := "postgres://" + getenv("DB_USER", "postgres") + ":" + getenv("DB_PASSWORD", "postgres") +
		"@" + getenv("DB_HOST", "localhost") + ":" + getenv("DB_PORT", "5432") +
		"/" + getenv("DB_NAME", "postgres") + "?sslmode=" + getenv("DB_SSLMODE", "disable")

	db, err := database.NewConnection(dsn)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	log.Println("Connected to PostgreSQL successfully.")

	// Set up WebSocket Hub
	wsHub := websocket.NewHub()
	go wsHub.Run()

	// Set up dependencies (Repository -> Service -> Handler)
	subRepo := repository.NewSubmissionRepository(db)
	docRepo := repository.NewDocumentRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	txManager := repository.NewTransactionManager(db)

	remoteBase := getenv("LOAN_API_BASE_URL", "http://localhost:9090")
	apiClient := remote.NewClient(remoteBase, os.Getenv("LOAN_API_KEY"), 30*time.Second)

	// Documents go either through presigned URLs or straight to the object
	// store, depending on deployment.
	var transferrer remote.Transferrer
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		transferrer, err = remote.NewObjectTransferrer(&remote.ObjectStoreConfig{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
		})
		if err != nil {
			log.Fatalf("Object store setup failed: %v", err)
		}
	} else {
		transferrer = remote.NewPresignTransferrer(2 * time.Minute)
	}

	var notifier service.Notifier
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kafkaNotifier := notify.NewKafkaNotifier(strings.Split(brokers, ","), getenv("KAFKA_TOPIC", "loan-submission-events"))
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	} else {
		notifier = notify.LogNotifier{}
	}

	policy := service.NewRetryPolicy(service.DefaultRetryConfig())
	documentService := service.NewDocumentService(docRepo, auditRepo, apiClient, transferrer, service.DefaultDocumentConfig())

	probe := scheduler.NewHTTPProbe(remoteBase+"/health", 15*time.Second)
	sched := scheduler.New(taskRepo, probe, scheduler.Config{})

	orchestrator := service.NewSubmissionOrchestrator(
		subRepo, docRepo, auditRepo, apiClient, documentService, policy, notifier, sched)
	sched.Register(model.TaskKindSubmission, orchestrator.HandleTask)
	sched.Register(model.TaskKindDocuments, orchestrator.HandleDocumentsTask)
	sched.Register(model.TaskKindSweep, orchestrator.HandleSweepTask)

	facade := service.NewSubmissionFacade(subRepo, docRepo, auditRepo, txManager, sched, policy)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sched.Run(ctx)

	// Periodic artifact sweep; UniqueKeep makes the enqueue idempotent across
	// restarts.
	if err := sched.Enqueue(ctx, "sweep", model.TaskKindSweep, nil, scheduler.Options{
		Uniqueness: repository.UniqueKeep,
	}); err != nil {
		log.Printf("Failed to enqueue sweep task: %v", err)
	}

	// Bridge submission change events into the websocket hub.
	events, cancelWatch := subRepo.Watch(64)
	defer cancelWatch()
	go func() {
		for event := range events {
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			wsHub.Broadcast <- payload
		}
	}()

	// Initialize Handlers
	submissionHandler := handler.NewSubmissionHandler(facade)
	auditHandler := handler.NewAuditHandler(facade)
	authHandler := handler.NewAuthHandler(24 * time.Hour)

	// Set up Gin Router
	router := gin.Default()

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173", "http://localhost:5174"} // Frontend URL
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	// Swagger route
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		if sqlDB, dbErr := db.DB(); dbErr != nil || sqlDB.Ping() != nil {
			c.JSON(503, gin.H{"status": "DEGRADED"})
			return
		}
		c.JSON(200, gin.H{"status": "OK"})
	})

	// WebSocket endpoint for the live pending view
	router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(wsHub, c, middleware.GetJWTSecret())
	})

	// Register API Routes
	authHandler.RegisterRoutes(router.Group(""))
	submissionHandler.RegisterRoutes(router.Group(""))
	auditHandler.RegisterRoutes(router.Group(""))

	port := getenv("PORT", "8080")

	log.Printf("Server listening on :%s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
