package preprocessing

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math/rand/v2"
)

// ErrSize is returned when an image is smaller than the requested crop.
var ErrSize = errors.New("image smaller than crop size")

// ProcessedImage represents a preprocessed image ready for neural network input.
// Data is in CHW format (channels, height, width) normalized to [0, 1].
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// At returns the value of channel c at (x, y).
func (p *ProcessedImage) At(c, x, y int) float32 {
	return p.Data[c*p.Width*p.Height+y*p.Width+x]
}

// CropToCHW copies the size×size square at (x0, y0) of img into a 3-channel CHW
// tensor normalized to [0, 1]. The origin is relative to img.Bounds().Min.
func CropToCHW(img image.Image, x0, y0, size int) (*ProcessedImage, error) {
	b := img.Bounds()
	if x0 < 0 || y0 < 0 || x0+size > b.Dx() || y0+size > b.Dy() {
		return nil, fmt.Errorf("%w: crop %d at (%d,%d) exceeds %dx%d", ErrSize, size, x0, y0, b.Dx(), b.Dy())
	}

	plane := size * size
	data := make([]float32, 3*plane)

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < size; y++ {
			row := src.PixOffset(b.Min.X+x0, b.Min.Y+y0+y)
			for x := 0; x < size; x++ {
				o := row + 4*x
				idx := y*size + x
				data[idx] = float32(src.Pix[o]) / 255
				data[plane+idx] = float32(src.Pix[o+1]) / 255
				data[2*plane+idx] = float32(src.Pix[o+2]) / 255
			}
		}
	case *image.RGBA:
		for y := 0; y < size; y++ {
			row := src.PixOffset(b.Min.X+x0, b.Min.Y+y0+y)
			for x := 0; x < size; x++ {
				o := row + 4*x
				idx := y*size + x
				data[idx] = float32(src.Pix[o]) / 255
				data[plane+idx] = float32(src.Pix[o+1]) / 255
				data[2*plane+idx] = float32(src.Pix[o+2]) / 255
			}
		}
	default:
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				c := color.NRGBA64Model.Convert(img.At(b.Min.X+x0+x, b.Min.Y+y0+y)).(color.NRGBA64)
				idx := y*size + x
				data[idx] = float32(c.R) / 65535
				data[plane+idx] = float32(c.G) / 65535
				data[2*plane+idx] = float32(c.B) / 65535
			}
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    size,
		Height:   size,
		Channels: 3,
	}, nil
}

// SampleTransform turns a decoded (raw, rendered) pair into an aligned training
// sample: one random crop shared by both sides, then bounded uniform noise on the
// raw side only. It holds no mutable state and is safe for concurrent use.
type SampleTransform struct {
	CropSize int
	Epsilon  float32 // noise is drawn from U(-Epsilon, Epsilon)
}

// NewSampleTransform creates a transform for square crops of cropSize.
func NewSampleTransform(cropSize int, epsilon float32) *SampleTransform {
	if epsilon < 0 {
		epsilon = 0
	}
	return &SampleTransform{CropSize: cropSize, Epsilon: epsilon}
}

// SamplePair is a transformed pair. X and Y are the shared crop origin.
type SamplePair struct {
	Input  *ProcessedImage
	Target *ProcessedImage
	X, Y   int
}

// Apply crops and perturbs one pair. A nil rng draws from a freshly seeded source,
// so repeated calls see new crops and noise; pass a seeded rng for reproducibility.
func (t *SampleTransform) Apply(rng *rand.Rand, raw, rendered image.Image) (*SamplePair, error) {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	rb, tb := raw.Bounds(), rendered.Bounds()
	c := t.CropSize
	if rb.Dx() < c || rb.Dy() < c || tb.Dx() < c || tb.Dy() < c {
		return nil, fmt.Errorf("%w: crop %d, raw %dx%d, rendered %dx%d",
			ErrSize, c, rb.Dx(), rb.Dy(), tb.Dx(), tb.Dy())
	}
	if rb.Size() != tb.Size() {
		return nil, fmt.Errorf("raw %v and rendered %v differ in size", rb.Size(), tb.Size())
	}

	x := rng.IntN(rb.Dx() - c + 1)
	y := rng.IntN(rb.Dy() - c + 1)

	input, err := CropToCHW(raw, x, y, c)
	if err != nil {
		return nil, err
	}
	target, err := CropToCHW(rendered, x, y, c)
	if err != nil {
		return nil, err
	}

	if t.Epsilon > 0 {
		Perturb(rng, input.Data, t.Epsilon)
	}

	return &SamplePair{Input: input, Target: target, X: x, Y: y}, nil
}

// Perturb adds U(-eps, eps) noise to every element and clamps to [0, 1]. Clamping
// only moves values toward the original, so |out-in| <= eps holds element-wise.
func Perturb(rng *rand.Rand, data []float32, eps float32) {
	for i, v := range data {
		v += (rng.Float32()*2 - 1) * eps
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		data[i] = v
	}
}
