// Package testutil generates screenshot fixtures and packed stores for tests.
package testutil

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-rendermap/pairstore"
)

// RandomImage returns a w×h NRGBA image filled from seed.
func RandomImage(w, h int, seed uint64) *image.NRGBA {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.IntN(256))
	}
	// Opaque pixels so NRGBA and RGBA views agree exactly.
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

// Render applies a fixed per-channel curve, standing in for a display transform.
func Render(src *image.NRGBA) *image.NRGBA {
	dst := image.NewNRGBA(src.Bounds())
	b := src.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.NRGBAAt(x, y)
			dst.SetNRGBA(x, y, color.NRGBA{
				R: uint8(min(255, int(c.R)*9/10+12)),
				G: c.G,
				B: uint8(int(c.B) * 8 / 10),
				A: c.A,
			})
		}
	}
	return dst
}

// WritePNG encodes img to path.
func WritePNG(t testing.TB, path string, img image.Image) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create fixture dir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create fixture %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode fixture %s: %v", path, err)
	}
}

// WritePairs writes n (raw, rendered) PNG pairs per profile under dir and returns them
// as packaging sources, profiles in order.
func WritePairs(t testing.TB, dir string, profiles []string, n, w, h int) []pairstore.SourcePair {
	t.Helper()
	var sources []pairstore.SourcePair
	for pi, profile := range profiles {
		for i := 0; i < n; i++ {
			raw := RandomImage(w, h, uint64(pi*1000+i+1))
			rawPath := filepath.Join(dir, "raw", fmt.Sprintf("page%03d_%s_raw.png", i, profile))
			renderedPath := filepath.Join(dir, "rendered", fmt.Sprintf("page%03d_%s.png", i, profile))
			WritePNG(t, rawPath, raw)
			WritePNG(t, renderedPath, Render(raw))
			sources = append(sources, pairstore.SourcePair{
				ProfileID:    profile,
				RawPath:      rawPath,
				RenderedPath: renderedPath,
			})
		}
	}
	return sources
}

// BuildStore packs n pairs per profile into a fresh store and opens it.
func BuildStore(t testing.TB, profiles []string, n, w, h int) *pairstore.Store {
	t.Helper()
	dir := t.TempDir()
	sources := WritePairs(t, filepath.Join(dir, "src"), profiles, n, w, h)
	path := filepath.Join(dir, "pairs.db")
	if _, err := pairstore.Build(context.Background(), sources, path, pairstore.Options{Workers: 2}); err != nil {
		t.Fatalf("Failed to build store: %v", err)
	}
	store, err := pairstore.Open(path, pairstore.Options{})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
