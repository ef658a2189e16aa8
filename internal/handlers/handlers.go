package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/image-labels/internal/auth"
	"github.com/example/image-labels/internal/detector"
	"github.com/example/image-labels/internal/logging"
	"github.com/example/image-labels/internal/repository"
	"github.com/example/image-labels/internal/usecase"
)

const (
	// MaxImageSize is the largest decoded image accepted.
	MaxImageSize = 5 * 1024 * 1024
	// MaxRequestBytes bounds the JSON body: a base64 image of MaxImageSize
	// plus room for the data URL prefix and other fields.
	MaxRequestBytes = (MaxImageSize+2)/3*4 + 64<<10

	// DefaultMinConfidence applies when the request omits min_confidence.
	DefaultMinConfidence = 80

	ServiceName    = "Image Labels Generator"
	ServiceVersion = "1.0.0"
)

const (
	msgNoData       = "No data sent"
	msgInvalid      = "Invalid request"
	msgNoImage      = "Image not provided"
	msgBadImage     = "Failed to process image. Check the format."
	msgTooLarge     = "Image too large. Maximum size: 5MB"
	msgNotFound     = "Result not found"
	msgInternal     = "Internal server error"
	msgRouteMissing = "Resource not found"
)

// Analyzer is the use case surface the handlers need.
type Analyzer interface {
	Analyze(ctx context.Context, subject string, image []byte, minConfidence float64) (*usecase.Analysis, error)
	GetResult(ctx context.Context, requestID string) (*usecase.AnalysisRecord, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type analyzeRequest struct {
	Image         string   `json:"image"`
	MinConfidence *float64 `json:"min_confidence"`
}

func failure(message string) gin.H {
	return gin.H{"success": false, "error": message}
}

// NewRouter builds a gin engine with the API middleware stack.
func NewRouter(logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(logger), RequestLogger(logger), CORS())
	r.HandleMethodNotAllowed = true
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, failure(msgRouteMissing))
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, failure("Method not allowed"))
	})
	return r
}

// RegisterRoutes wires the HTTP handlers to the Gin router. A nil
// authMiddleware leaves the API open.
func RegisterRoutes(router *gin.Engine, svc Analyzer, logger *zap.Logger, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": ServiceName,
			"version": ServiceVersion,
		})
	})

	api := router.Group("/api")
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}

	api.POST("/analyze", func(c *gin.Context) {
		handleAnalyze(c, svc, logger)
	})

	api.GET("/result/:id", func(c *gin.Context) {
		requestID := strings.TrimSpace(c.Param("id"))
		if requestID == "" {
			c.JSON(http.StatusBadRequest, failure("id is required"))
			return
		}

		record, err := svc.GetResult(c.Request.Context(), requestID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				c.JSON(http.StatusNotFound, failure(msgNotFound))
				return
			}
			logger.Error("failed to load result",
				zap.Error(err),
				zap.String("operation", logging.OperationOf(err)),
				zap.String("request_id", requestID))
			c.JSON(http.StatusInternalServerError, failure(msgInternal))
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "result": record})
	})

	api.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			logger.Error("failed to aggregate metrics",
				zap.Error(err),
				zap.String("operation", logging.OperationOf(err)))
			c.JSON(http.StatusInternalServerError, failure(msgInternal))
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "metrics": summary})
	})
}

func handleAnalyze(c *gin.Context, svc Analyzer, logger *zap.Logger) {
	if c.ContentType() != gin.MIMEJSON {
		c.JSON(http.StatusBadRequest, failure(msgNoData))
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBytes)

	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, failure(msgTooLarge))
		case errors.Is(err, io.EOF):
			c.JSON(http.StatusBadRequest, failure(msgNoData))
		default:
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msgInvalid, "details": err.Error()})
		}
		return
	}

	if strings.TrimSpace(req.Image) == "" {
		c.JSON(http.StatusBadRequest, failure(msgNoImage))
		return
	}

	minConfidence := float64(DefaultMinConfidence)
	if req.MinConfidence != nil {
		minConfidence = *req.MinConfidence
	}
	if minConfidence < 0 || minConfidence > 100 {
		detectErr := detector.NewDetectError(detector.CodeInvalidParameter, nil)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": detectErr.Message, "error_code": detectErr.Code})
		return
	}

	image, err := DecodeBase64Image(req.Image)
	if err != nil {
		logger.Warn("failed to decode image", zap.Error(err))
		c.JSON(http.StatusBadRequest, failure(msgBadImage))
		return
	}
	if len(image) > MaxImageSize {
		c.JSON(http.StatusBadRequest, failure(msgTooLarge))
		return
	}

	subject, _ := auth.GetSubject(c.Request.Context())
	analysis, err := svc.Analyze(c.Request.Context(), subject, image, minConfidence)
	if err != nil {
		var detectErr *detector.DetectError
		switch {
		case errors.As(err, &detectErr):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": detectErr.Message, "error_code": detectErr.Code})
		case usecase.IsUnavailable(err):
			unavailable := detector.NewDetectError(detector.CodeServiceUnavailable, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": unavailable.Message, "error_code": unavailable.Code})
		default:
			_ = c.Error(err)
			logger.Error("analysis failed",
				zap.Error(err),
				zap.String("operation", logging.OperationOf(err)),
				zap.String("subject", subject))
			c.JSON(http.StatusInternalServerError, failure(msgInternal))
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"request_id":  analysis.RequestID,
		"labels":      analysis.Labels,
		"label_count": len(analysis.Labels),
		"cache_hit":   analysis.CacheHit,
	})
}

// DecodeBase64Image decodes a bare base64 string or a data URL; everything up
// to the first comma is treated as the data URL header.
func DecodeBase64Image(encoded string) ([]byte, error) {
	if i := strings.IndexByte(encoded, ','); i >= 0 {
		encoded = encoded[i+1:]
	}
	encoded = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, encoded)

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if rawErr != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	return data, nil
}
