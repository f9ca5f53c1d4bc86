// Package adjust holds the per-stage color correction math: the sRGB
// transfer functions, luminance sampling, and the one-shot auto
// exposure/gamma estimate used when a stage has no saved adjustment.
package adjust

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/nfnt/resize"
)

// Adjustment bounds and defaults. The gamma suggestion is a fixed
// brightening constant rather than a histogram fit; gamma stays a manual
// control with a sensible starting point.
const (
	MinExposure = 0.5
	MaxExposure = 2.0

	// Middle-gray target in linear space for the exposure estimate.
	middleGrayTarget = 0.32

	// AutoGamma is the suggestion produced by auto-adjust.
	AutoGamma = 1.2

	// DefaultExposure and DefaultGamma apply to stages with no saved values
	// before any analysis has run.
	DefaultExposure = 1.0
	DefaultGamma    = 1.3

	// ResetExposure and ResetGamma are what the reset control restores.
	ResetExposure = 1.0
	ResetGamma    = 1.1

	// Images are downsampled to this width before luminance sampling.
	analysisWidth = 256
)

// Suggestion is a one-shot exposure/gamma recommendation for a stage.
type Suggestion struct {
	Exposure float64 `json:"exposure"`
	Gamma    float64 `json:"gamma"`
}

// SRGBToLinear applies the standard piecewise sRGB decode to one channel.
func SRGBToLinear(c float64) float64 {
	if c <= 0.04045 {
		return c / 12.92
	}
	return math.Pow((c+0.055)/1.055, 2.4)
}

// LinearToSRGB applies the standard piecewise sRGB encode to one channel.
func LinearToSRGB(c float64) float64 {
	if c <= 0.0031308 {
		return 12.92 * c
	}
	return 1.055*math.Pow(c, 1/2.4) - 0.055
}

// Luminance computes Rec.709 relative luminance from linear RGB.
func Luminance(r, g, b float64) float64 {
	return 0.2126*r + 0.7152*g + 0.0722*b
}

// ClampExposure limits an exposure value to the slider range.
func ClampExposure(v float64) float64 {
	return math.Min(MaxExposure, math.Max(MinExposure, v))
}

// Analyze estimates exposure and gamma for an image by averaging linear
// luminance over a downsampled copy. The exposure brings the mean toward
// middle gray, clamped to the slider range; the gamma is the fixed
// brightening default.
func Analyze(img image.Image) Suggestion {
	small := resize.Resize(analysisWidth, 0, img, resize.Bilinear)
	bounds := small.Bounds()

	var sum float64
	var samples int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := small.At(x, y).RGBA()
			rl := SRGBToLinear(float64(r) / 0xFFFF)
			gl := SRGBToLinear(float64(g) / 0xFFFF)
			bl := SRGBToLinear(float64(b) / 0xFFFF)
			sum += Luminance(rl, gl, bl)
			samples++
		}
	}

	mean := 0.0
	if samples > 0 {
		mean = sum / float64(samples)
	}
	exposure := ClampExposure(middleGrayTarget / math.Max(1e-6, mean))
	return Suggestion{Exposure: exposure, Gamma: AutoGamma}
}

// AnalyzeBytes decodes raw image bytes and analyzes them. Decode failures
// surface as errors so the caller can report a failed auto-adjust without
// touching current values.
func AnalyzeBytes(data []byte) (Suggestion, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Suggestion{}, fmt.Errorf("failed to decode image for analysis: %w", err)
	}
	return Analyze(img), nil
}
