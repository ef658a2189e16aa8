// Package detector defines the label detection backend used by the API and
// its implementations.
package detector

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/example/image-labels/internal/labels"
)

// DefaultMaxLabels caps the number of labels a backend returns.
const DefaultMaxLabels = 10

// Options controls a detection call.
type Options struct {
	MinConfidence float64
	MaxLabels     int
}

// Result contains the labels a backend detected.
type Result struct {
	Labels []labels.Label
}

// Client exposes the label detection used by the analysis flow.
type Client interface {
	DetectLabels(ctx context.Context, image []byte, opts Options) (*Result, error)
	Close() error
}

// Error codes reported to API callers.
const (
	CodeInvalidImageFormat = "InvalidImageFormatException"
	CodeImageTooLarge      = "ImageTooLargeException"
	CodeInvalidParameter   = "InvalidParameterException"
	CodeAccessDenied       = "AccessDeniedException"
	CodeThroughputExceeded = "ProvisionedThroughputExceededException"
	CodeServiceUnavailable = "ServiceUnavailableException"
)

var codeMessages = map[string]string{
	CodeInvalidImageFormat: "Invalid image format. Use JPG or PNG.",
	CodeImageTooLarge:      "Image too large. Maximum size: 5MB.",
	CodeInvalidParameter:   "Invalid parameters in the request.",
	CodeAccessDenied:       "Access denied. Check the detector credentials.",
	CodeThroughputExceeded: "Request limit exceeded. Try again.",
	CodeServiceUnavailable: "Label detection is temporarily unavailable. Try again.",
}

// DetectError is a failure the backend attributes to the request rather than
// to itself. Message is suitable for API callers.
type DetectError struct {
	Code    string
	Message string
	Err     error
}

// NewDetectError builds a DetectError with the user message for code.
func NewDetectError(code string, err error) *DetectError {
	msg, ok := codeMessages[code]
	if !ok {
		detail := "unknown error"
		if err != nil {
			detail = err.Error()
		}
		msg = "Failed to process image: " + detail
	}
	return &DetectError{Code: code, Message: msg, Err: err}
}

func (e *DetectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DetectError) Unwrap() error { return e.Err }

// Finalize drops labels below the confidence floor, sorts the rest by
// descending confidence, caps the count and rounds confidences to two
// decimals.
func Finalize(in []labels.Label, opts Options) []labels.Label {
	maxLabels := opts.MaxLabels
	if maxLabels <= 0 {
		maxLabels = DefaultMaxLabels
	}
	out := make([]labels.Label, 0, len(in))
	for _, l := range in {
		if l.Confidence < opts.MinConfidence {
			continue
		}
		l.Confidence = math.Round(l.Confidence*100) / 100
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > maxLabels {
		out = out[:maxLabels]
	}
	return out
}
