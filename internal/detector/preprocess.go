package detector

import (
	"bytes"
	"errors"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"math"

	"github.com/nfnt/resize"
)

// decodeImage decodes JPEG or PNG data.
func decodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", errors.New("empty image")
	}
	return image.Decode(bytes.NewReader(data))
}

// toCHW resizes img to size x size and lays out its RGB channels plane by
// plane, normalized to 0..1 and then by mean/std when given.
func toCHW(img image.Image, size int, mean, std [3]float32) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	out := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*width + x
			out[idx] = normalize(float32(r)/65535.0, mean[0], std[0])
			out[plane+idx] = normalize(float32(g)/65535.0, mean[1], std[1])
			out[2*plane+idx] = normalize(float32(b)/65535.0, mean[2], std[2])
		}
	}
	return out
}

func normalize(v, mean, std float32) float32 {
	if std == 0 {
		return v - mean
	}
	return (v - mean) / std
}

// softmax converts raw logits to probabilities. Models that already emit
// probabilities must skip it (ONNXMetadata.Probabilities).
func softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
