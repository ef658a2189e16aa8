package detector

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func solidPNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	if _, _, err := decodeImage(nil); err == nil {
		t.Fatal("expected error for empty data")
	}
	if _, _, err := decodeImage([]byte("not an image")); err == nil {
		t.Fatal("expected error for garbage")
	}
	_, format, err := decodeImage(solidPNG(t, color.White))
	if err != nil || format != "png" {
		t.Fatalf("unexpected decode result %q %v", format, err)
	}
}

func TestToCHWLayout(t *testing.T) {
	img, _, err := decodeImage(solidPNG(t, color.RGBA{R: 255, G: 0, B: 255, A: 255}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out := toCHW(img, 4, [3]float32{}, [3]float32{1, 1, 1})
	if len(out) != 3*4*4 {
		t.Fatalf("expected 48 values, got %d", len(out))
	}
	plane := 16
	if math.Abs(float64(out[0]-1)) > 0.01 {
		t.Fatalf("expected red plane near 1, got %v", out[0])
	}
	if math.Abs(float64(out[plane])) > 0.01 {
		t.Fatalf("expected green plane near 0, got %v", out[plane])
	}
	if math.Abs(float64(out[2*plane]-1)) > 0.01 {
		t.Fatalf("expected blue plane near 1, got %v", out[2*plane])
	}
}

func TestSoftmax(t *testing.T) {
	probs := softmax([]float32{1, 2, 3})
	var sum float64
	for _, p := range probs {
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("expected probabilities to sum to 1, got %v", sum)
	}
	if !(probs[2] > probs[1] && probs[1] > probs[0]) {
		t.Fatalf("expected monotonic probabilities, got %v", probs)
	}
	if softmax(nil) != nil {
		t.Fatal("expected nil for empty input")
	}
}

func TestScoresToLabels(t *testing.T) {
	meta := &ONNXMetadata{
		Classes:       []string{"cat", "dog"},
		Parents:       [][]string{{"animal"}},
		Probabilities: true,
	}
	got := scoresToLabels(meta, []float32{0.25, 0.75, 0.5})
	if len(got) != 2 {
		t.Fatalf("expected 2 labels, got %d", len(got))
	}
	if got[0].Name != "cat" || got[0].Confidence != 25 || len(got[0].Parents) != 1 {
		t.Fatalf("unexpected first label %+v", got[0])
	}
	if got[1].Name != "dog" || got[1].Confidence != 75 || got[1].Parents != nil {
		t.Fatalf("unexpected second label %+v", got[1])
	}
}

func TestScoresToLabelsAppliesSoftmaxToLogits(t *testing.T) {
	meta := &ONNXMetadata{Classes: []string{"cat", "dog"}}
	got := scoresToLabels(meta, []float32{0.9, 0.1})
	if len(got) != 2 {
		t.Fatalf("expected 2 labels, got %d", len(got))
	}
	// softmax of [0.9, 0.1] is about [0.69, 0.31], not the raw scores
	if math.Abs(got[0].Confidence-68.997) > 0.01 || math.Abs(got[1].Confidence-31.003) > 0.01 {
		t.Fatalf("unexpected confidences %+v", got)
	}
}

func TestLoadONNXMetadataDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	if err := os.WriteFile(path, []byte(`{"classes":["a","b","c"],"image_size":224}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	meta, err := LoadONNXMetadata(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(meta.InputShape) != 4 || meta.InputShape[2] != 224 {
		t.Fatalf("unexpected input shape %v", meta.InputShape)
	}
	if len(meta.OutputShape) != 2 || meta.OutputShape[1] != 3 {
		t.Fatalf("unexpected output shape %v", meta.OutputShape)
	}
	if meta.InputName != "input" || meta.OutputName != "output" {
		t.Fatalf("unexpected tensor names %q %q", meta.InputName, meta.OutputName)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(bad, []byte(`{"classes":[],"image_size":224}`), 0o600)
	if _, err := LoadONNXMetadata(bad); err == nil {
		t.Fatal("expected error for empty classes")
	}
}
