package dataloader

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-rendermap/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	Sample(ctx context.Context, index int, rng *rand.Rand) (*preprocessing.SamplePair, error)
}

// Batch is a contiguous block of samples in NCHW order.
type Batch struct {
	Index    int // position of the batch within its epoch
	Size     int
	Channels int
	Height   int
	Width    int
	Inputs   []float32
	Targets  []float32
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize     int
	Shuffle       bool
	DropLast      bool
	NumWorkers    int    // Number of parallel workers assembling batches (default: 2)
	PrefetchDepth int    // Batches buffered ahead of the consumer (default: 3)
	Seed          uint64 // 0 draws crops, noise and order from fresh entropy
}

// DataLoader streams shuffled batches from a dataset. Worker goroutines decode and
// transform samples while the caller consumes finished batches; at most
// PrefetchDepth batches wait in the queue.
type DataLoader struct {
	dataset       Dataset
	batchSize     int
	shuffle       bool
	dropLast      bool
	workers       int
	prefetchDepth int
	seed          uint64

	batchesProduced atomic.Uint64
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 2
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	return &DataLoader{
		dataset:       dataset,
		batchSize:     config.BatchSize,
		shuffle:       config.Shuffle,
		dropLast:      config.DropLast,
		workers:       config.NumWorkers,
		prefetchDepth: config.PrefetchDepth,
		seed:          config.Seed,
	}, nil
}

// NumBatches returns the number of batches one epoch yields.
func (dl *DataLoader) NumBatches() int {
	n := dl.dataset.Len()
	if dl.dropLast {
		return n / dl.batchSize
	}
	return (n + dl.batchSize - 1) / dl.batchSize
}

// Order returns the sample permutation used for epoch.
func (dl *DataLoader) Order(epoch int) []int {
	n := dl.dataset.Len()
	if !dl.shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	if dl.seed == 0 {
		return rand.Perm(n)
	}
	return rand.New(rand.NewPCG(dl.seed, uint64(epoch))).Perm(n)
}

// sampleRNG derives an independent stream per (epoch, sample) so results do not
// depend on which worker handled the sample.
func (dl *DataLoader) sampleRNG(epoch, index int) *rand.Rand {
	if dl.seed == 0 {
		return nil
	}
	return rand.New(rand.NewPCG(dl.seed^0x5851f42d4c957f2d, uint64(epoch)<<32|uint64(uint32(index))))
}

// pendingBatch is a batch slot handed to a worker. Slots are consumed in
// index order.
type pendingBatch struct {
	index int
	done  chan batchResult // buffered; the worker never blocks on it
}

type batchResult struct {
	batch *Batch
	err   error
}

// Iterate runs one epoch, calling fn on the caller's goroutine for every batch
// in index order. Workers assemble up to PrefetchDepth batches ahead of fn. An
// error from fn or from a worker stops the epoch and is returned; ctx
// cancellation returns ctx.Err().
func (dl *DataLoader) Iterate(ctx context.Context, epoch int, fn func(*Batch) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	order := dl.Order(epoch)
	numBatches := dl.NumBatches()

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan pendingBatch)
	queue := make(chan pendingBatch, dl.prefetchDepth)

	g.Go(func() error {
		defer close(queue)
		defer close(jobs)
		for b := 0; b < numBatches; b++ {
			p := pendingBatch{index: b, done: make(chan batchResult, 1)}
			select {
			case queue <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < dl.workers; w++ {
		g.Go(func() error {
			for p := range jobs {
				batch, err := dl.assemble(gctx, epoch, p.index, order)
				p.done <- batchResult{batch: batch, err: err}
				if err != nil {
					return err
				}
				dl.batchesProduced.Add(1)
			}
			return nil
		})
	}

	var consumeErr error
	stopped := false
	for p := range queue {
		if stopped {
			continue // drain so the producer can exit
		}
		select {
		case r := <-p.done:
			if r.err != nil {
				stopped = true
				continue
			}
			if err := fn(r.batch); err != nil {
				consumeErr = err
				stopped = true
				cancel()
			}
		case <-gctx.Done():
			stopped = true
		}
	}

	waitErr := g.Wait()
	if consumeErr != nil {
		return consumeErr
	}
	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && waitErr == ctxErr {
			return waitErr
		}
		return fmt.Errorf("data loader: %w", waitErr)
	}
	return nil
}

func (dl *DataLoader) assemble(ctx context.Context, epoch, b int, order []int) (*Batch, error) {
	start := b * dl.batchSize
	end := min(start+dl.batchSize, len(order))

	batch := &Batch{Index: b, Size: end - start}
	for i, idx := range order[start:end] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := dl.dataset.Sample(ctx, idx, dl.sampleRNG(epoch, idx))
		if err != nil {
			return nil, err
		}
		if i == 0 {
			batch.Channels, batch.Height, batch.Width = s.Input.Channels, s.Input.Height, s.Input.Width
			per := len(s.Input.Data)
			batch.Inputs = make([]float32, per*batch.Size)
			batch.Targets = make([]float32, per*batch.Size)
		}
		per := len(s.Input.Data)
		if per*batch.Size != len(batch.Inputs) || len(s.Target.Data) != per {
			return nil, fmt.Errorf("sample %d has shape %dx%dx%d, batch expects %dx%dx%d", idx,
				s.Input.Channels, s.Input.Height, s.Input.Width, batch.Channels, batch.Height, batch.Width)
		}
		copy(batch.Inputs[i*per:], s.Input.Data)
		copy(batch.Targets[i*per:], s.Target.Data)
	}
	return batch, nil
}

// LoaderStats provides statistics about the data loader
type LoaderStats struct {
	BatchesProduced uint64
	Workers         int
	PrefetchDepth   int
}

// Stats returns statistics about the data loader
func (dl *DataLoader) Stats() LoaderStats {
	return LoaderStats{
		BatchesProduced: dl.batchesProduced.Load(),
		Workers:         dl.workers,
		PrefetchDepth:   dl.prefetchDepth,
	}
}
