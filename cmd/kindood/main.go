// Command kindood is the kindoo backend: auth, conversation directory,
// message history and the realtime fan-out hub.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kindoo/internal/chat"
	"kindoo/internal/db"
	"kindoo/internal/middleware"
	"kindoo/internal/server"
	"kindoo/internal/user"
)

func main() {
	addr := flag.String("addr", ":8080", "http service address")
	flag.Parse()

	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		logger.Fatal("DB_DSN is not set")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		logger.Fatal("JWT_SECRET is not set")
	}
	redisAddr := os.Getenv("REDIS_ADDR")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDatabase(dsn)
	if err != nil {
		logger.Fatal("connecting to postgres failed", zap.Error(err))
	}
	if err := database.AutoMigrate(); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to postgres")

	// Redis is optional: without it the hub fans out in-process only, which
	// is fine for a single instance.
	var redisClient *redis.Client
	if redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("connecting to redis failed", zap.Error(err))
		}
		logger.Info("connected to redis", zap.String("addr", redisAddr))
	}

	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, jwtSecret)
	userHandler := user.NewHandler(userService)

	chatRepo := chat.NewRepository(database.Conn)
	hub := chat.NewHub(redisClient, logger)
	go hub.Run(ctx)
	if redisClient != nil {
		go hub.SubscribeToRedis(ctx)
	}
	chatHandler := chat.NewHandler(hub, chatRepo, logger)

	auth := middleware.NewAuthMiddleware(userService)
	router := server.NewRouter(userHandler, chatHandler, auth)

	srv := &http.Server{Addr: *addr, Handler: router}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Info("kindood listening", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
