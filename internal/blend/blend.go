// Package blend implements the crossfade between two panorama stages. The
// same math the display shader runs per fragment is implemented here on the
// CPU so snapshots and timelapse frames composite identically to what the
// user sees.
package blend

import (
	"image"
	"math"

	"github.com/nfnt/resize"

	"pano-desktop/internal/adjust"
)

// Uniforms are the per-frame inputs to the crossfade.
type Uniforms struct {
	// Mix is the blend factor between the two stages: 0 shows only the
	// first texture, 1 only the second.
	Mix float64
	// Exposure multiplies linear light before gamma.
	Exposure float64
	// Gamma is applied as pow(1/gamma) in linear space.
	Gamma float64
}

// Defaults returns uniforms that show a single stage unadjusted.
func Defaults() Uniforms {
	return Uniforms{
		Mix:      0,
		Exposure: adjust.DefaultExposure,
		Gamma:    adjust.DefaultGamma,
	}
}

// Compose crossfades two equirectangular frames. Panoramas are viewed from
// inside the sphere, so the horizontal axis is mirrored. Both inputs are
// decoded sRGB; mixing, exposure and gamma happen in linear light. b may be
// nil, in which case only a is rendered (with adjustments still applied).
// The output matches a's dimensions; b is resampled if its size differs.
func Compose(a, b image.Image, u Uniforms) *image.RGBA {
	bounds := a.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	if b != nil {
		bb := b.Bounds()
		if bb.Dx() != w || bb.Dy() != h {
			b = resize.Resize(uint(w), uint(h), b, resize.Bilinear)
		}
	}

	mix := clamp01(u.Mix)
	exposure := u.Exposure
	if exposure <= 0 {
		exposure = adjust.DefaultExposure
	}
	gamma := u.Gamma
	if gamma <= 0 {
		gamma = adjust.DefaultGamma
	}
	invGamma := 1.0 / gamma

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Inside-the-sphere view flips U.
			srcX := bounds.Min.X + (w - 1 - x)
			srcY := bounds.Min.Y + y

			r, g, bl := linearAt(a, srcX, srcY)
			if b != nil && mix > 0 {
				r2, g2, b2 := linearAt(b, b.Bounds().Min.X+(w-1-x), b.Bounds().Min.Y+y)
				r = lerp(r, r2, mix)
				g = lerp(g, g2, mix)
				bl = lerp(bl, b2, mix)
			}

			r = math.Pow(r*exposure, invGamma)
			g = math.Pow(g*exposure, invGamma)
			bl = math.Pow(bl*exposure, invGamma)

			i := out.PixOffset(x, y)
			out.Pix[i+0] = toByte(adjust.LinearToSRGB(r))
			out.Pix[i+1] = toByte(adjust.LinearToSRGB(g))
			out.Pix[i+2] = toByte(adjust.LinearToSRGB(bl))
			out.Pix[i+3] = 0xff
		}
	}

	return out
}

func linearAt(img image.Image, x, y int) (float64, float64, float64) {
	r, g, b, _ := img.At(x, y).RGBA()
	return adjust.SRGBToLinear(float64(r) / 65535.0),
		adjust.SRGBToLinear(float64(g) / 65535.0),
		adjust.SRGBToLinear(float64(b) / 65535.0)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
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

func toByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
