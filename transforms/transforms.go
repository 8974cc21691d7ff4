// Package transforms implements the preprocessing applied to every sample and
// the stochastic augmentation applied to training samples only.
//
// The deterministic stage is shared between training, validation, testing and
// inference: resize to the fixed input size, percentile contrast stretch,
// small median denoise, CHW layout. The stochastic stage applies spatial
// transforms with identical draws to the image and its mask so pixel
// correspondence is preserved; photometric jitter touches the image only.
package transforms

import (
	"fmt"
	"image"
	"math"
	"math/rand"
	"sort"

	xdraw "golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"

	"wms/tensor"
)

// MaskThreshold is the intensity cutoff that re-binarizes a mask after any
// resampling, expressed on the 0..255 scale.
const MaskThreshold = 127

// Preprocess is the deterministic stage.
type Preprocess struct {
	TargetSize  int
	StretchLow  float64 // lower contrast-stretch percentile
	StretchHigh float64 // upper contrast-stretch percentile
}

// DefaultPreprocess returns the stage used across the pipeline.
func DefaultPreprocess() *Preprocess {
	return &Preprocess{
		TargetSize:  512,
		StretchLow:  2,
		StretchHigh: 98,
	}
}

// Image resizes (bilinear), contrast-stretches, denoises and converts the
// image into a CHW tensor with values in [0, 1].
func (p *Preprocess) Image(img image.Image) (*tensor.Tensor, error) {
	size := p.TargetSize
	data := resizeBilinear(img, size)
	data = contrastStretch(data, p.StretchLow, p.StretchHigh)
	data = medianBlur3(data, size, size, 3)
	return hwcToCHW(data, size, size, 3)
}

// Mask resizes the mask with nearest-neighbor sampling and thresholds it into
// a 1×H×W binary tensor. Nearest-neighbor is mandatory: interpolation would
// invent fractional class values.
func (p *Preprocess) Mask(mask image.Image) (*tensor.Tensor, error) {
	size := p.TargetSize
	bounds := mask.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	out := make([]float32, size*size)
	for y := 0; y < size; y++ {
		srcY := y * srcH / size
		for x := 0; x < size; x++ {
			srcX := x * srcW / size
			if grayAt(mask, bounds.Min.X+srcX, bounds.Min.Y+srcY) >= MaskThreshold {
				out[y*size+x] = 1
			}
		}
	}
	return tensor.FromSlice(out, 1, size, size)
}

// AugmentConfig holds the per-transform Bernoulli gates and ranges.
type AugmentConfig struct {
	HorizontalFlipProb float64
	VerticalFlipProb   float64
	RotationDegrees    float64 // angle sampled uniformly from ±RotationDegrees
	RotationProb       float64
	BrightnessProb     float64
	BrightnessMin      float64
	BrightnessMax      float64
}

// DefaultAugmentConfig mirrors the training configuration defaults.
func DefaultAugmentConfig() AugmentConfig {
	return AugmentConfig{
		HorizontalFlipProb: 0.5,
		VerticalFlipProb:   0.3,
		RotationDegrees:    15,
		RotationProb:       0.5,
		BrightnessProb:     0.3,
		BrightnessMin:      0.8,
		BrightnessMax:      1.2,
	}
}

// Augmenter applies the stochastic training-split pipeline. It is not safe
// for concurrent use; each loader worker owns its own Augmenter.
type Augmenter struct {
	pre *Preprocess
	cfg AugmentConfig
	rng *rand.Rand
}

// NewAugmenter creates an augmenter seeded for reproducible runs.
func NewAugmenter(pre *Preprocess, cfg AugmentConfig, seed int64) *Augmenter {
	return &Augmenter{
		pre: pre,
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Apply transforms an (image, mask) pair into co-registered CHW tensors.
// Every spatial draw is shared between image and mask; the contrast stretch,
// denoise and brightness jitter apply to the image only. The mask is
// re-binarized after all resampling.
func (a *Augmenter) Apply(img, mask image.Image) (*tensor.Tensor, *tensor.Tensor, error) {
	size := a.pre.TargetSize
	imgData := resizeBilinear(img, size)
	maskT, err := a.pre.Mask(mask)
	if err != nil {
		return nil, nil, err
	}
	maskData := maskT.Data

	if a.rng.Float64() < a.cfg.HorizontalFlipProb {
		imgData = FlipHorizontal(imgData, size, size, 3)
		maskData = FlipHorizontal(maskData, size, size, 1)
	}
	if a.rng.Float64() < a.cfg.VerticalFlipProb {
		imgData = FlipVertical(imgData, size, size, 3)
		maskData = FlipVertical(maskData, size, size, 1)
	}
	if a.rng.Float64() < a.cfg.RotationProb {
		angle := (a.rng.Float64()*2 - 1) * a.cfg.RotationDegrees
		imgData = Rotate(imgData, size, size, 3, angle, true)
		maskData = Rotate(maskData, size, size, 1, angle, false)
	}

	imgData = contrastStretch(imgData, a.pre.StretchLow, a.pre.StretchHigh)
	imgData = medianBlur3(imgData, size, size, 3)

	if a.rng.Float64() < a.cfg.BrightnessProb {
		factor := a.cfg.BrightnessMin + a.rng.Float64()*(a.cfg.BrightnessMax-a.cfg.BrightnessMin)
		for i, v := range imgData {
			imgData[i] = clamp01(v * float32(factor))
		}
	}

	// Interpolation near mask edges can leave intermediate values.
	for i, v := range maskData {
		if v >= 0.5 {
			maskData[i] = 1
		} else {
			maskData[i] = 0
		}
	}

	imgT, err := hwcToCHW(imgData, size, size, 3)
	if err != nil {
		return nil, nil, err
	}
	outMask, err := tensor.FromSlice(maskData, 1, size, size)
	if err != nil {
		return nil, nil, err
	}
	return imgT, outMask, nil
}

// FlipHorizontal mirrors HWC data left-to-right.
func FlipHorizontal(data []float32, h, w, c int) []float32 {
	out := make([]float32, len(data))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				out[(y*w+x)*c+ch] = data[(y*w+(w-1-x))*c+ch]
			}
		}
	}
	return out
}

// FlipVertical mirrors HWC data top-to-bottom.
func FlipVertical(data []float32, h, w, c int) []float32 {
	out := make([]float32, len(data))
	for y := 0; y < h; y++ {
		copy(out[y*w*c:(y+1)*w*c], data[(h-1-y)*w*c:(h-y)*w*c])
	}
	return out
}

// Rotate rotates HWC data by angleDeg around the image center. Pixels sampled
// from outside the source are zero. bilinear selects smooth interpolation;
// masks must pass false to stay on the nearest-neighbor path.
func Rotate(data []float32, h, w, c int, angleDeg float64, bilinear bool) []float32 {
	out := make([]float32, len(data))
	rad := angleDeg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	cy, cx := float64(h-1)/2, float64(w-1)/2

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Inverse mapping: where in the source does this output pixel come from.
			dy, dx := float64(y)-cy, float64(x)-cx
			srcY := cy + dy*cos - dx*sin
			srcX := cx + dy*sin + dx*cos
			for ch := 0; ch < c; ch++ {
				var v float32
				if bilinear {
					v = sampleBilinear(data, h, w, c, srcY, srcX, ch)
				} else {
					v = sampleNearest(data, h, w, c, srcY, srcX, ch)
				}
				out[(y*w+x)*c+ch] = v
			}
		}
	}
	return out
}

func sampleNearest(data []float32, h, w, c int, y, x float64, ch int) float32 {
	iy := int(math.Round(y))
	ix := int(math.Round(x))
	if iy < 0 || iy >= h || ix < 0 || ix >= w {
		return 0
	}
	return data[(iy*w+ix)*c+ch]
}

func sampleBilinear(data []float32, h, w, c int, y, x float64, ch int) float32 {
	y0 := int(math.Floor(y))
	x0 := int(math.Floor(x))
	fy := float32(y - float64(y0))
	fx := float32(x - float64(x0))

	get := func(yy, xx int) float32 {
		if yy < 0 || yy >= h || xx < 0 || xx >= w {
			return 0
		}
		return data[(yy*w+xx)*c+ch]
	}
	top := get(y0, x0)*(1-fx) + get(y0, x0+1)*fx
	bottom := get(y0+1, x0)*(1-fx) + get(y0+1, x0+1)*fx
	return top*(1-fy) + bottom*fy
}

// resizeBilinear decodes the image into HWC float32 [0,1] at size×size.
func resizeBilinear(img image.Image, size int) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	out := make([]float32, size*size*3)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := dst.PixOffset(x, y)
			idx := (y*size + x) * 3
			out[idx] = float32(dst.Pix[off]) / 255.0
			out[idx+1] = float32(dst.Pix[off+1]) / 255.0
			out[idx+2] = float32(dst.Pix[off+2]) / 255.0
		}
	}
	return out
}

// contrastStretch clips intensities to the [low, high] percentile band and
// rescales to [0, 1].
func contrastStretch(data []float32, low, high float64) []float32 {
	sorted := make([]float64, len(data))
	for i, v := range data {
		sorted[i] = float64(v)
	}
	sort.Float64s(sorted)

	pLow := stat.Quantile(low/100, stat.LinInterp, sorted, nil)
	pHigh := stat.Quantile(high/100, stat.LinInterp, sorted, nil)
	scale := pHigh - pLow + 1e-6

	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = clamp01(float32((float64(v) - pLow) / scale))
	}
	return out
}

// medianBlur3 applies a 3×3 median filter per channel with edge clamping.
func medianBlur3(data []float32, h, w, c int) []float32 {
	out := make([]float32, len(data))
	var neighborhood [9]float32
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				n := 0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						yy := clampInt(y+dy, 0, h-1)
						xx := clampInt(x+dx, 0, w-1)
						neighborhood[n] = data[(yy*w+xx)*c+ch]
						n++
					}
				}
				out[(y*w+x)*c+ch] = median9(neighborhood)
			}
		}
	}
	return out
}

func median9(v [9]float32) float32 {
	s := v[:]
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s[4]
}

func hwcToCHW(data []float32, h, w, c int) (*tensor.Tensor, error) {
	if len(data) != h*w*c {
		return nil, fmt.Errorf("hwc data length %d does not match %dx%dx%d", len(data), h, w, c)
	}
	out := make([]float32, len(data))
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				out[ch*plane+y*w+x] = data[(y*w+x)*c+ch]
			}
		}
	}
	return tensor.FromSlice(out, c, h, w)
}

func grayAt(img image.Image, x, y int) uint8 {
	r, g, b, _ := img.At(x, y).RGBA()
	yv := (19595*r + 38470*g + 7471*b + 1<<15) >> 24
	return uint8(yv)
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
