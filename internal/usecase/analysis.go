package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/image-labels/internal/detector"
	"github.com/example/image-labels/internal/labels"
	"github.com/example/image-labels/internal/logging"
	"github.com/example/image-labels/internal/repository"
)

// AnalysisRepository defines the persistence operations needed by the use case.
type AnalysisRepository interface {
	SaveLog(ctx context.Context, log *repository.AnalysisLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.AnalysisLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// AnalysisUseCase encapsulates business logic for the analysis flow.
type AnalysisUseCase struct {
	repo           AnalysisRepository
	cache          Cache
	detector       detector.Client
	logger         *zap.Logger
	maxLabels      int
	cacheTTL       time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Analysis is the outcome of one analyze request.
type Analysis struct {
	RequestID string
	Labels    []labels.Label
	CacheHit  bool
	CreatedAt time.Time
}

// NewAnalysisUseCase constructs a new use case instance.
func NewAnalysisUseCase(repo AnalysisRepository, cache Cache, det detector.Client, logger *zap.Logger) *AnalysisUseCase {
	return &AnalysisUseCase{
		repo:           repo,
		cache:          cache,
		detector:       det,
		logger:         logger.Named("analysis_usecase"),
		maxLabels:      detector.DefaultMaxLabels,
		cacheTTL:       10 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func cacheKey(hash string, minConfidence float64) string {
	return fmt.Sprintf("labels:%s:%s", hash, strconv.FormatFloat(minConfidence, 'f', -1, 64))
}

// Analyze detects labels in image. Identical images analyzed with the same
// confidence floor are served from the cache. Every call is persisted,
// including rejected ones.
func (uc *AnalysisUseCase) Analyze(ctx context.Context, subject string, image []byte, minConfidence float64) (*Analysis, error) {
	started := time.Now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze", requestID)

	sum := sha1.Sum(image)
	hash := hex.EncodeToString(sum[:])
	key := cacheKey(hash, minConfidence)

	found, cacheHit := uc.readCache(ctx, requestID, key)
	if !cacheHit {
		var result *detector.Result
		err := uc.withRetry(ctx, requestID, "detector.detect_labels", func() error {
			var err error
			result, err = uc.detector.DetectLabels(ctx, image, detector.Options{
				MinConfidence: minConfidence,
				MaxLabels:     uc.maxLabels,
			})
			return err
		})
		if err != nil {
			var detectErr *detector.DetectError
			if errors.As(err, &detectErr) {
				opLogger.Info("detector rejected image", zap.String("error_code", detectErr.Code))
				uc.saveFailure(ctx, opLogger, &repository.AnalysisLog{
					RequestID:     requestID,
					Subject:       subject,
					ImageSHA1:     hash,
					MinConfidence: minConfidence,
					ErrorCode:     detectErr.Code,
					LatencyMs:     time.Since(started).Milliseconds(),
					CreatedAt:     time.Now().UTC(),
				})
				return nil, detectErr
			}
			opLogger.Error("label detection failed", zap.Error(err))
			return nil, err
		}
		found = result.Labels
	}
	if found == nil {
		found = []labels.Label{}
	}

	serialized, err := json.Marshal(found)
	if err != nil {
		opLogger.Error("failed to serialize labels", zap.Error(err))
		return nil, err
	}

	log := &repository.AnalysisLog{
		RequestID:     requestID,
		Subject:       subject,
		ImageSHA1:     hash,
		MinConfidence: minConfidence,
		LabelCount:    len(found),
		Labels:        string(serialized),
		Success:       true,
		CacheHit:      cacheHit,
		LatencyMs:     time.Since(started).Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist analysis log", zap.Error(wrapped))
		return nil, wrapped
	}

	if !cacheHit {
		if err := uc.withRetry(ctx, requestID, "cache.set.labels", func() error {
			return uc.cache.Set(ctx, key, string(serialized), uc.cacheTTL)
		}); err != nil {
			opLogger.Warn("failed to cache labels", zap.Error(err))
		}
	}

	opLogger.Info("analysis completed",
		zap.Int("label_count", len(found)),
		zap.Bool("cache_hit", cacheHit),
		zap.Int64("latency_ms", log.LatencyMs))

	return &Analysis{
		RequestID: requestID,
		Labels:    found,
		CacheHit:  cacheHit,
		CreatedAt: log.CreatedAt,
	}, nil
}

func (uc *AnalysisUseCase) readCache(ctx context.Context, requestID, key string) ([]labels.Label, bool) {
	opLogger := logging.WithOperation(uc.logger, "cache.get.labels", requestID)

	var cached string
	err := uc.withRetry(ctx, requestID, "cache.get.labels", func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var found []labels.Label
	if err := json.Unmarshal([]byte(cached), &found); err != nil {
		opLogger.Warn("failed to decode cached labels", zap.Error(err))
		return nil, false
	}
	return found, true
}

func (uc *AnalysisUseCase) saveFailure(ctx context.Context, opLogger *zap.Logger, log *repository.AnalysisLog) {
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist rejected analysis", zap.Error(err))
	}
}

// AnalysisRecord is a stored analysis as returned to API callers.
type AnalysisRecord struct {
	RequestID     string         `json:"request_id"`
	Subject       string         `json:"subject,omitempty"`
	ImageSHA1     string         `json:"image_sha1"`
	MinConfidence float64        `json:"min_confidence"`
	Success       bool           `json:"success"`
	ErrorCode     string         `json:"error_code,omitempty"`
	Labels        []labels.Label `json:"labels"`
	LabelCount    int            `json:"label_count"`
	CacheHit      bool           `json:"cache_hit"`
	LatencyMs     int64          `json:"latency_ms"`
	CreatedAt     time.Time      `json:"created_at"`
}

// GetResult loads a stored analysis.
func (uc *AnalysisUseCase) GetResult(ctx context.Context, requestID string) (*AnalysisRecord, error) {
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	found := []labels.Label{}
	if log.Labels != "" {
		if err := json.Unmarshal([]byte(log.Labels), &found); err != nil {
			return nil, logging.NewOperationError("usecase.decode_labels", requestID, err)
		}
	}

	return &AnalysisRecord{
		RequestID:     log.RequestID,
		Subject:       log.Subject,
		ImageSHA1:     log.ImageSHA1,
		MinConfidence: log.MinConfidence,
		Success:       log.Success,
		ErrorCode:     log.ErrorCode,
		Labels:        found,
		LabelCount:    log.LabelCount,
		CacheHit:      log.CacheHit,
		LatencyMs:     log.LatencyMs,
		CreatedAt:     log.CreatedAt,
	}, nil
}

func (uc *AnalysisUseCase) withRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return fn()
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) {
			return err
		}
		if attempt == uc.retryAttempts-1 {
			opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// isTransientError extends the repository notion of transient with gRPC
// statuses that signal a busy or restarting detector.
func isTransientError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var detectErr *detector.DetectError
	if errors.As(err, &detectErr) {
		return false
	}
	return repository.IsTransientError(err) || IsUnavailable(err)
}

// IsUnavailable reports whether err means the detector could not be reached
// after retries.
func IsUnavailable(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := status.FromError(e); ok && st.Code() == codes.Unavailable {
			return true
		}
	}
	return false
}
