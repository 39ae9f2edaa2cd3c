package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/matthewsabia/autopen-notify/internal/gateway"
	"github.com/matthewsabia/autopen-notify/internal/gateway/middleware"
	"github.com/matthewsabia/autopen-notify/internal/modules/notification"
	"github.com/matthewsabia/autopen-notify/internal/shared/infrastructure/config"
	"github.com/matthewsabia/autopen-notify/internal/shared/infrastructure/database"
)

func main() {
	// Optional local overrides; real deployments set env directly.
	_ = godotenv.Load()

	cfg := config.Load()

	log.Println("Connecting to DB...")
	db, err := database.NewPostgresDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := runMigrations(cfg, logger); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}

	redisClient, err := database.NewRedis(cfg.Redis)
	if err != nil {
		// Redis only backs the unread-count cache; the service degrades
		// to direct queries without it.
		log.Printf("Redis unavailable, unread-count caching disabled: %v", err)
		redisClient = nil
	}

	notificationModule := notification.NewModule(db, redisClient)

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	internalMiddleware := middleware.NewInternalKeyMiddleware(cfg.Internal.APIKey)

	mux := gateway.SetupRoutes(gateway.RouterConfig{
		AuthMiddleware:      authMiddleware,
		InternalMiddleware:  internalMiddleware,
		NotificationHandler: notificationModule.HTTPHandler(),
	})

	var handler http.Handler = mux
	handler = middleware.PrometheusMiddleware(handler)
	handler = middleware.CORSMiddleware(handler, cfg.Server.AllowedOrigins)

	server := gateway.NewServer(cfg.Server.Port, handler, notificationModule.Shutdown)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
