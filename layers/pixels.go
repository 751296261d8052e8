package layers

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// PixelMatrix reshapes an NCHW float32 buffer into a (n*h*w, c) matrix with one
// row per pixel.
func PixelMatrix(data []float32, n, c, h, w int) (*mat.Dense, error) {
	plane := h * w
	if n <= 0 || c <= 0 || plane <= 0 || len(data) != n*c*plane {
		return nil, fmt.Errorf("buffer of %d values does not match shape %dx%dx%dx%d", len(data), n, c, h, w)
	}
	m := mat.NewDense(n*plane, c, nil)
	for b := 0; b < n; b++ {
		base := b * c * plane
		for ch := 0; ch < c; ch++ {
			src := data[base+ch*plane : base+(ch+1)*plane]
			for p, v := range src {
				m.Set(b*plane+p, ch, float64(v))
			}
		}
	}
	return m, nil
}

// CHW is the inverse of PixelMatrix.
func CHW(m *mat.Dense, n, h, w int) ([]float32, error) {
	rows, c := m.Dims()
	plane := h * w
	if rows != n*plane {
		return nil, fmt.Errorf("matrix has %d rows, shape %dx%dx%d needs %d", rows, n, h, w, n*plane)
	}
	out := make([]float32, n*c*plane)
	for b := 0; b < n; b++ {
		base := b * c * plane
		for p := 0; p < plane; p++ {
			row := m.RawRowView(b*plane + p)
			for ch, v := range row {
				out[base+ch*plane+p] = float32(v)
			}
		}
	}
	return out, nil
}
