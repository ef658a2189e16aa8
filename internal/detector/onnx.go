package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/image-labels/internal/labels"
)

// ONNXMetadata describes a classification model exported to ONNX.
type ONNXMetadata struct {
	InputShape  []int64    `json:"input_shape"`
	OutputShape []int64    `json:"output_shape"`
	Classes     []string   `json:"classes"`
	Parents     [][]string `json:"parents,omitempty"`
	ImageSize   int        `json:"image_size"`
	InputName   string     `json:"input_name,omitempty"`
	OutputName  string     `json:"output_name,omitempty"`
	Mean        [3]float32 `json:"mean"`
	Std         [3]float32 `json:"std"`

	// Probabilities is set when the model already ends in a softmax layer.
	Probabilities bool `json:"probabilities"`
}

// LoadONNXMetadata reads and checks a metadata file.
func LoadONNXMetadata(path string) (*ONNXMetadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta ONNXMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if meta.ImageSize <= 0 {
		return nil, errors.New("metadata: image_size must be positive")
	}
	if len(meta.Classes) == 0 {
		return nil, errors.New("metadata: classes must not be empty")
	}
	if len(meta.InputShape) == 0 {
		meta.InputShape = []int64{1, 3, int64(meta.ImageSize), int64(meta.ImageSize)}
	}
	if len(meta.OutputShape) == 0 {
		meta.OutputShape = []int64{1, int64(len(meta.Classes))}
	}
	if meta.InputName == "" {
		meta.InputName = "input"
	}
	if meta.OutputName == "" {
		meta.OutputName = "output"
	}
	return &meta, nil
}

// ONNXDetector runs a local image classifier through onnxruntime. The session
// has fixed input and output tensors, so calls are serialized.
type ONNXDetector struct {
	mu      sync.Mutex
	meta    *ONNXMetadata
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	logger  *zap.Logger
}

// NewONNXDetector loads the model at modelPath. libraryPath points at the
// onnxruntime shared library; empty uses the loader default.
func NewONNXDetector(modelPath, metadataPath, libraryPath string, logger *zap.Logger) (*ONNXDetector, error) {
	meta, err := LoadONNXMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		input.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	logger.Info("onnx detector loaded",
		zap.String("model", modelPath),
		zap.Int("classes", len(meta.Classes)),
		zap.Int("image_size", meta.ImageSize))

	return &ONNXDetector{
		meta:    meta,
		session: session,
		input:   input,
		output:  output,
		logger:  logger.Named("onnx_detector"),
	}, nil
}

// DetectLabels implements Client.
func (d *ONNXDetector) DetectLabels(ctx context.Context, image []byte, opts Options) (*Result, error) {
	img, format, err := decodeImage(image)
	if err != nil {
		return nil, NewDetectError(CodeInvalidImageFormat, err)
	}
	if format != "jpeg" && format != "png" {
		return nil, NewDetectError(CodeInvalidImageFormat, fmt.Errorf("unsupported format %q", format))
	}

	inputData := toCHW(img, d.meta.ImageSize, d.meta.Mean, d.meta.Std)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if len(d.input.GetData()) != len(inputData) {
		d.mu.Unlock()
		return nil, fmt.Errorf("onnx input expects %d values, got %d", len(d.input.GetData()), len(inputData))
	}
	copy(d.input.GetData(), inputData)
	if err := d.session.Run(); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	scores := append([]float32(nil), d.output.GetData()...)
	d.mu.Unlock()

	return &Result{Labels: Finalize(scoresToLabels(d.meta, scores), opts)}, nil
}

func scoresToLabels(meta *ONNXMetadata, scores []float32) []labels.Label {
	n := len(meta.Classes)
	if len(scores) < n {
		n = len(scores)
	}
	var probs []float64
	if meta.Probabilities {
		probs = make([]float64, n)
		for i := 0; i < n; i++ {
			probs[i] = float64(scores[i])
		}
	} else {
		probs = softmax(scores[:n])
	}

	out := make([]labels.Label, 0, n)
	for i := 0; i < n; i++ {
		l := labels.Label{Name: meta.Classes[i], Confidence: probs[i] * 100}
		if i < len(meta.Parents) {
			l.Parents = meta.Parents[i]
		}
		out = append(out, l)
	}
	return out
}

// Close releases the session, tensors and the runtime environment.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	return ort.DestroyEnvironment()
}
