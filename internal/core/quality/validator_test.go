package quality

import (
	"image"
	"image/color"
	"testing"

	"face-sentry-go/config"
	"face-sentry-go/internal/core/models"
)

func testRuntime() *config.Runtime {
	return config.NewRuntime(config.RecognitionConfig{
		EmbeddingDim:           512,
		MinFaceWidth:           40,
		MinFaceHeight:          40,
		MinFaceAreaRatio:       0.001,
		MinDetectionConfidence: 0.5,
		MinBrightness:          60,
		MaxBrightness:          200,
		MinSharpness:           50,
	})
}

// uniformCrop returns a crop with every pixel at the given luminance.
func uniformCrop(w, h int, lum uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = lum
	}
	return img
}

// patternCrop returns a striped crop with mean brightness near 128 and a
// Laplacian variance well above any sane sharpness minimum.
func patternCrop(w, h int) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			lum := uint8(64)
			if x%2 == 0 {
				lum = 192
			}
			img.SetGray(x, y, color.Gray{Y: lum})
		}
	}
	return img
}

// darkPatternCrop returns a textured crop whose mean brightness sits near the
// given base value, below any reasonable minimum brightness.
func darkPatternCrop(w, h int, base uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			lum := base
			if x%2 == 0 {
				lum += 20
			}
			img.SetGray(x, y, color.Gray{Y: lum})
		}
	}
	return img
}

func TestValidateGoodCrop(t *testing.T) {
	v := NewValidator(testRuntime())
	crop := patternCrop(64, 64)
	bbox := models.BoundingBox{X: 100, Y: 100, Width: 64, Height: 64}

	score, ok := v.Validate(crop, bbox, 640, 480, 0.9)
	if !ok {
		t.Fatal("expected a sharp, well-lit crop to pass validation")
	}
	if score <= 0 || score > 1 {
		t.Errorf("score out of range: %v", score)
	}
}

func TestValidateGates(t *testing.T) {
	v := NewValidator(testRuntime())
	goodBBox := models.BoundingBox{Width: 64, Height: 64}

	tests := []struct {
		name       string
		crop       image.Image
		bbox       models.BoundingBox
		frameW     int
		frameH     int
		confidence float64
	}{
		{
			name:       "too dark",
			crop:       darkPatternCrop(64, 64, 20),
			bbox:       goodBBox,
			frameW:     640,
			frameH:     480,
			confidence: 0.9,
		},
		{
			name:       "too blurry",
			crop:       uniformCrop(64, 64, 128),
			bbox:       goodBBox,
			frameW:     640,
			frameH:     480,
			confidence: 0.9,
		},
		{
			name:       "bbox below minimum size",
			crop:       patternCrop(20, 20),
			bbox:       models.BoundingBox{Width: 20, Height: 20},
			frameW:     640,
			frameH:     480,
			confidence: 0.9,
		},
		{
			name:       "confidence below minimum",
			crop:       patternCrop(64, 64),
			bbox:       goodBBox,
			frameW:     640,
			frameH:     480,
			confidence: 0.3,
		},
		{
			name:       "face too small relative to frame",
			crop:       patternCrop(64, 64),
			bbox:       goodBBox,
			frameW:     4000,
			frameH:     4000,
			confidence: 0.9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := v.Validate(tt.crop, tt.bbox, tt.frameW, tt.frameH, tt.confidence); ok {
				t.Error("expected validation to fail")
			}
		})
	}
}

func TestValidateDegenerateInput(t *testing.T) {
	v := NewValidator(testRuntime())
	bbox := models.BoundingBox{Width: 64, Height: 64}

	tests := []struct {
		name string
		crop image.Image
	}{
		{"nil crop", nil},
		{"empty crop", image.NewGray(image.Rect(0, 0, 0, 0))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, ok := v.Validate(tt.crop, bbox, 640, 480, 0.9)
			if ok {
				t.Error("expected degenerate input to be invalid")
			}
			if score != 0 {
				t.Errorf("expected score 0 for degenerate input, got %v", score)
			}
		})
	}
}

func TestScoreMonotonicInConfidence(t *testing.T) {
	v := NewValidator(testRuntime())
	crop := patternCrop(64, 64)
	bbox := models.BoundingBox{Width: 64, Height: 64}

	low := v.Score(crop, bbox, 640, 480, 0.5)
	high := v.Score(crop, bbox, 640, 480, 0.9)
	if high <= low {
		t.Errorf("score should grow with confidence: %v vs %v", low, high)
	}
}

func TestMeasureBrightness(t *testing.T) {
	v := NewValidator(testRuntime())
	m, ok := v.Measure(uniformCrop(16, 16, 100))
	if !ok {
		t.Fatal("Measure failed on a valid crop")
	}
	if m.Brightness < 99 || m.Brightness > 101 {
		t.Errorf("Brightness = %v, want ~100", m.Brightness)
	}
	if m.Sharpness != 0 {
		t.Errorf("Sharpness = %v, want 0 for a uniform crop", m.Sharpness)
	}
}
