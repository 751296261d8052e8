package dataloader

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tsawler/go-rendermap/vision/preprocessing"
)

// indexDataset fills sample i with the value i so batches reveal which samples
// they hold. When rng is non-nil the last element carries one draw from it.
type indexDataset struct {
	n     int
	size  int
	fail  int // index that returns an error, or -1
	calls atomic.Int64
}

func (d *indexDataset) Len() int { return d.n }

func (d *indexDataset) Sample(ctx context.Context, index int, rng *rand.Rand) (*preprocessing.SamplePair, error) {
	d.calls.Add(1)
	if index == d.fail {
		return nil, errors.New("decode failed")
	}
	plane := 3 * d.size * d.size
	in := make([]float32, plane)
	tg := make([]float32, plane)
	for i := range in {
		in[i] = float32(index)
		tg[i] = float32(index)
	}
	if rng != nil {
		in[plane-1] = rng.Float32()
	}
	mk := func(data []float32) *preprocessing.ProcessedImage {
		return &preprocessing.ProcessedImage{Data: data, Width: d.size, Height: d.size, Channels: 3}
	}
	return &preprocessing.SamplePair{Input: mk(in), Target: mk(tg)}, nil
}

func collect(t *testing.T, dl *DataLoader, epoch int) []*Batch {
	t.Helper()
	var batches []*Batch
	err := dl.Iterate(context.Background(), epoch, func(b *Batch) error {
		batches = append(batches, b)
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	return batches
}

func firstValues(b *Batch) []int {
	per := b.Channels * b.Height * b.Width
	out := make([]int, b.Size)
	for i := range out {
		out[i] = int(b.Targets[i*per])
	}
	return out
}

func TestNewDataLoaderValidation(t *testing.T) {
	if _, err := NewDataLoader(nil, Config{BatchSize: 4}); err == nil {
		t.Error("expected error for nil dataset")
	}
	if _, err := NewDataLoader(&indexDataset{n: 4, size: 2, fail: -1}, Config{}); err == nil {
		t.Error("expected error for zero batch size")
	}

	dl, err := NewDataLoader(&indexDataset{n: 4, size: 2, fail: -1}, Config{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	stats := dl.Stats()
	if stats.Workers != 2 || stats.PrefetchDepth != 3 {
		t.Errorf("expected defaults 2 workers / depth 3, got %+v", stats)
	}
}

func TestDataLoaderCoversEverySampleOnce(t *testing.T) {
	ds := &indexDataset{n: 10, size: 2, fail: -1}
	dl, err := NewDataLoader(ds, Config{BatchSize: 4, Shuffle: true, NumWorkers: 3, PrefetchDepth: 2, Seed: 9})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	if dl.NumBatches() != 3 {
		t.Fatalf("expected 3 batches, got %d", dl.NumBatches())
	}

	batches := collect(t, dl, 0)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if batches[2].Size != 2 {
		t.Errorf("expected partial last batch of 2, got %d", batches[2].Size)
	}

	seen := make(map[int]bool)
	for _, b := range batches {
		if len(b.Inputs) != b.Size*3*2*2 || len(b.Targets) != len(b.Inputs) {
			t.Fatalf("batch %d has wrong buffer lengths", b.Index)
		}
		for _, v := range firstValues(b) {
			if seen[v] {
				t.Fatalf("sample %d delivered twice", v)
			}
			seen[v] = true
		}
	}
	if len(seen) != 10 {
		t.Errorf("expected 10 distinct samples, got %d", len(seen))
	}
	if got := dl.Stats().BatchesProduced; got != 3 {
		t.Errorf("expected 3 batches produced, got %d", got)
	}
}

func TestDataLoaderDropLast(t *testing.T) {
	dl, _ := NewDataLoader(&indexDataset{n: 10, size: 1, fail: -1}, Config{BatchSize: 4, DropLast: true})
	if dl.NumBatches() != 2 {
		t.Fatalf("expected 2 batches, got %d", dl.NumBatches())
	}
	if got := len(collect(t, dl, 0)); got != 2 {
		t.Errorf("expected 2 batches, got %d", got)
	}
}

func TestDataLoaderSeededEpochsAreReproducible(t *testing.T) {
	ds := &indexDataset{n: 12, size: 2, fail: -1}
	a, _ := NewDataLoader(ds, Config{BatchSize: 5, Shuffle: true, NumWorkers: 4, Seed: 3})
	b, _ := NewDataLoader(ds, Config{BatchSize: 5, Shuffle: true, NumWorkers: 1, Seed: 3})

	ba, bb := collect(t, a, 2), collect(t, b, 2)
	for i := range ba {
		for j := range ba[i].Inputs {
			if ba[i].Inputs[j] != bb[i].Inputs[j] {
				t.Fatalf("batch %d element %d differs across worker counts", i, j)
			}
		}
	}

	if sameOrder(a.Order(0), a.Order(1)) {
		t.Error("expected different permutations for different epochs")
	}
	if !sameOrder(a.Order(5), b.Order(5)) {
		t.Error("expected identical permutations for the same seed and epoch")
	}
}

func sameOrder(x, y []int) bool {
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func TestDataLoaderWithoutShuffleIsSequential(t *testing.T) {
	dl, _ := NewDataLoader(&indexDataset{n: 6, size: 1, fail: -1}, Config{BatchSize: 3})
	batches := collect(t, dl, 0)
	if got := firstValues(batches[1]); got[0] != 3 || got[2] != 5 {
		t.Errorf("expected sequential second batch, got %v", got)
	}
}

func TestDataLoaderPropagatesSampleError(t *testing.T) {
	dl, _ := NewDataLoader(&indexDataset{n: 20, size: 1, fail: 7}, Config{BatchSize: 2, NumWorkers: 2})
	err := dl.Iterate(context.Background(), 0, func(*Batch) error { return nil })
	if err == nil || err.Error() != "data loader: decode failed" {
		t.Fatalf("expected wrapped decode error, got %v", err)
	}
}

func TestDataLoaderStopsOnConsumerError(t *testing.T) {
	ds := &indexDataset{n: 200, size: 1, fail: -1}
	dl, _ := NewDataLoader(ds, Config{BatchSize: 1, NumWorkers: 2, PrefetchDepth: 1})

	stop := errors.New("stop")
	calls := 0
	err := dl.Iterate(context.Background(), 0, func(*Batch) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected consumer error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected fn to be called once, got %d", calls)
	}
	if n := ds.calls.Load(); n >= 200 {
		t.Errorf("expected workers to stop early, sampled %d", n)
	}
}

func TestDataLoaderContextCancellation(t *testing.T) {
	ds := &indexDataset{n: 1000, size: 1, fail: -1}
	dl, _ := NewDataLoader(ds, Config{BatchSize: 1, NumWorkers: 2, PrefetchDepth: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- dl.Iterate(ctx, 0, func(*Batch) error {
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Iterate did not return after cancellation")
	}
}

// slowFirstDataset delays sample 0 so later batches finish first.
type slowFirstDataset struct{ indexDataset }

func (d *slowFirstDataset) Sample(ctx context.Context, index int, rng *rand.Rand) (*preprocessing.SamplePair, error) {
	if index == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	return d.indexDataset.Sample(ctx, index, rng)
}

func TestDataLoaderDeliversInIndexOrder(t *testing.T) {
	ds := &slowFirstDataset{indexDataset{n: 12, size: 2, fail: -1}}
	dl, err := NewDataLoader(ds, Config{BatchSize: 1, NumWorkers: 4, PrefetchDepth: 4})
	if err != nil {
		t.Fatal(err)
	}
	batches := collect(t, dl, 0)
	if len(batches) != 12 {
		t.Fatalf("got %d batches, want 12", len(batches))
	}
	for i, b := range batches {
		if b.Index != i {
			t.Fatalf("batch %d delivered at position %d", b.Index, i)
		}
		if got := firstValues(b)[0]; got != i {
			t.Errorf("batch %d holds sample %d", i, got)
		}
	}
}
