// Package quality scores cropped face regions for enrollment eligibility.
// Scoring is a pure function over the crop pixels, the detection geometry and
// the detector confidence; degenerate input scores 0 and never errors.
package quality

import (
	"image"
	"math"

	"face-sentry-go/config"
	"face-sentry-go/internal/core/models"
)

// Score weighting per component.
const (
	weightConfidence = 0.30
	weightSize       = 0.25
	weightSharpness  = 0.25
	weightBrightness = 0.20
)

// Reference values that map raw measurements onto [0,1]. A face covering 5%
// of the frame, or a Laplacian variance of 500, earns full marks for its
// component.
const (
	referenceAreaRatio = 0.05
	referenceSharpness = 500.0
)

// Validator gates face crops against the configured quality thresholds.
type Validator struct {
	rt *config.Runtime
}

// NewValidator creates a Validator reading live settings from rt.
func NewValidator(rt *config.Runtime) *Validator {
	return &Validator{rt: rt}
}

// Measurements are the raw values extracted from a crop, exposed for logging
// and tests.
type Measurements struct {
	Brightness float64 // mean luminance, 0..255
	Sharpness  float64 // variance of the Laplacian response
	AreaRatio  float64 // face area / frame area
}

// Score computes the weighted quality score in [0,1] for a face crop.
// It applies no thresholds; see Validate for the enrollment gate.
func (v *Validator) Score(crop image.Image, bbox models.BoundingBox, frameWidth, frameHeight int, confidence float64) float64 {
	score, _ := v.Validate(crop, bbox, frameWidth, frameHeight, confidence)
	return score
}

// Validate scores a crop and reports whether it passes every configured
// enrollment gate: minimum pixel size, minimum face-to-frame area ratio,
// minimum detection confidence, brightness window and minimum sharpness.
func (v *Validator) Validate(crop image.Image, bbox models.BoundingBox, frameWidth, frameHeight int, confidence float64) (float64, bool) {
	r := v.rt.Recognition()

	lum, ok := luminancePlane(crop)
	if !ok || frameWidth <= 0 || frameHeight <= 0 {
		return 0, false
	}

	m := Measurements{
		Brightness: meanOf(lum.values),
		Sharpness:  laplacianVariance(lum),
		AreaRatio:  float64(bbox.Area()) / float64(frameWidth*frameHeight),
	}

	score := v.score(m, confidence, r)

	switch {
	case bbox.Width < r.MinFaceWidth || bbox.Height < r.MinFaceHeight:
		return score, false
	case m.AreaRatio < r.MinFaceAreaRatio:
		return score, false
	case confidence < r.MinDetectionConfidence:
		return score, false
	case m.Brightness < r.MinBrightness || m.Brightness > r.MaxBrightness:
		return score, false
	case m.Sharpness < r.MinSharpness:
		return score, false
	}

	return score, true
}

// Measure extracts the raw crop measurements without applying any gate.
func (v *Validator) Measure(crop image.Image) (Measurements, bool) {
	lum, ok := luminancePlane(crop)
	if !ok {
		return Measurements{}, false
	}
	return Measurements{
		Brightness: meanOf(lum.values),
		Sharpness:  laplacianVariance(lum),
	}, true
}

func (v *Validator) score(m Measurements, confidence float64, r config.RecognitionConfig) float64 {
	sizeScore := clamp01(m.AreaRatio / referenceAreaRatio)
	sharpScore := clamp01(m.Sharpness / referenceSharpness)

	mid := (r.MinBrightness + r.MaxBrightness) / 2
	halfRange := (r.MaxBrightness - r.MinBrightness) / 2
	brightScore := 0.0
	if halfRange > 0 {
		brightScore = clamp01(1 - math.Abs(m.Brightness-mid)/halfRange)
	}

	return weightConfidence*clamp01(confidence) +
		weightSize*sizeScore +
		weightSharpness*sharpScore +
		weightBrightness*brightScore
}

// plane is a crop reduced to its luminance channel.
type plane struct {
	width, height int
	values        []float64 // row-major, 0..255
}

func (p plane) at(x, y int) float64 {
	return p.values[y*p.width+x]
}

func luminancePlane(crop image.Image) (plane, bool) {
	if crop == nil {
		return plane{}, false
	}
	bounds := crop.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return plane{}, false
	}

	p := plane{width: w, height: h, values: make([]float64, w*h)}
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := crop.At(x, y).RGBA()
			// ITU-R BT.601 luma, scaled from 16-bit channels to 0..255.
			p.values[i] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
			i++
		}
	}
	return p, true
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// laplacianVariance applies a 4-neighbor Laplacian kernel to the interior
// pixels and returns the variance of the responses. Crops smaller than 3x3
// have no interior and report 0.
func laplacianVariance(p plane) float64 {
	if p.width < 3 || p.height < 3 {
		return 0
	}

	responses := make([]float64, 0, (p.width-2)*(p.height-2))
	for y := 1; y < p.height-1; y++ {
		for x := 1; x < p.width-1; x++ {
			r := p.at(x-1, y) + p.at(x+1, y) + p.at(x, y-1) + p.at(x, y+1) - 4*p.at(x, y)
			responses = append(responses, r)
		}
	}

	mean := meanOf(responses)
	var variance float64
	for _, r := range responses {
		d := r - mean
		variance += d * d
	}
	return variance / float64(len(responses))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
