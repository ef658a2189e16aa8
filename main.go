package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/image-labels/internal/auth"
	"github.com/example/image-labels/internal/detector"
	"github.com/example/image-labels/internal/handlers"
	"github.com/example/image-labels/internal/logging"
	"github.com/example/image-labels/internal/repository"
	"github.com/example/image-labels/internal/usecase"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	db := initDatabase(ctx, logger)
	repo := repository.NewAnalysisRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	cache := initCache(redisCtx, logger)

	det, err := initDetector(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialize label detector", zap.Error(err))
	}
	defer det.Close() //nolint:errcheck

	uc := usecase.NewAnalysisUseCase(repo, cache, det, logger)

	if getEnv("GIN_MODE", "") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := handlers.NewRouter(logger)

	var authMiddleware gin.HandlerFunc
	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		authMiddleware = auth.JWTMiddleware(jwtSecret, os.Getenv("JWT_AUDIENCE"))
		logger.Info("JWT authentication enabled for /api")
	}

	handlers.RegisterRoutes(r, uc, logger, authMiddleware)

	addr := getEnv("HTTP_ADDR", ":5000")
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownTimeout := getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second, logger)
	logger.Info("image labels API listening", zap.String("addr", addr))
	if err := serveHTTPServer(server, shutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, zapLogger *zap.Logger) *gorm.DB {
	dsn := getEnv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=imagelabels port=5432 sslmode=disable")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

// initCache connects to Redis when REDIS_ADDR is set. Without it results are
// not cached.
func initCache(ctx context.Context, zapLogger *zap.Logger) usecase.Cache {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		zapLogger.Warn("REDIS_ADDR not set, label cache disabled")
		return usecase.NopCache{}
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return usecase.NewRedisCache(client)
}

func initDetector(ctx context.Context, logger *zap.Logger) (detector.Client, error) {
	backend := strings.ToLower(getEnv("DETECTOR_BACKEND", "grpc"))
	switch backend {
	case "grpc":
		addr := getEnv("DETECTOR_ADDR", "localhost:50051")
		timeout := getEnvDuration("DETECTOR_TIMEOUT", 30*time.Second, logger)
		return detector.DialGRPC(ctx, addr, timeout, logger)
	case "onnx":
		return detector.NewONNXDetector(
			getEnv("ONNX_MODEL_PATH", "models/labels.onnx"),
			getEnv("ONNX_METADATA_PATH", "models/labels_metadata.json"),
			os.Getenv("ONNXRUNTIME_LIB"),
			logger,
		)
	default:
		return nil, fmt.Errorf("unknown DETECTOR_BACKEND %q (want grpc or onnx)", backend)
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration, logger *zap.Logger) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("ignoring invalid duration", zap.String("key", key), zap.String("value", raw))
		return fallback
	}
	return d
}
