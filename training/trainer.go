package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tsawler/go-rendermap/checkpoints"
	"github.com/tsawler/go-rendermap/config"
	"github.com/tsawler/go-rendermap/layers"
	"github.com/tsawler/go-rendermap/optimizer"
	"github.com/tsawler/go-rendermap/vision/dataloader"
)

// ErrDiverged is returned when a batch loss is NaN or infinite. Such a model
// cannot be checkpointed and further epochs cannot recover it.
var ErrDiverged = errors.New("training diverged")

// imageChannels is the RGB depth of every sample.
const imageChannels = 3

// EpochMetrics holds metrics for a single epoch
type EpochMetrics struct {
	Epoch        int
	Loss         float64 // mean per-sample MSE
	MAE          float64
	LearningRate float64
	Batches      int
	Samples      int
	Duration     time.Duration
}

// Trainer owns one profile's network, optimizer and learning rate schedule.
// It is not safe for concurrent use.
type Trainer struct {
	profile   string
	network   *layers.Network
	optimizer optimizer.Optimizer
	scheduler LRScheduler
	criterion Loss
	baseLR    float64

	step     int
	bestLoss float64
}

// NewTrainer builds a freshly initialized model for profile. seed 0 draws the
// initial weights from fresh entropy.
func NewTrainer(profile string, tc config.TrainingConfig, seed uint64) (*Trainer, error) {
	spec, err := layers.EncoderDecoder(imageChannels, tc.HiddenUnits, tc.Bottleneck)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	network, err := layers.NewNetwork(spec, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model: %w", err)
	}
	opt, err := optimizer.New(tc.Optimizer, float32(tc.LearningRate), network.Parameters())
	if err != nil {
		return nil, err
	}
	scheduler, err := NewScheduler(tc.Scheduler, tc.Epochs, tc.MinLR)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		profile:   profile,
		network:   network,
		optimizer: opt,
		scheduler: scheduler,
		criterion: NewMSELoss("mean"),
		baseLR:    tc.LearningRate,
		bestLoss:  math.Inf(1),
	}, nil
}

// Network returns the model being trained.
func (t *Trainer) Network() *layers.Network {
	return t.network
}

// Optimizer returns the trainer's optimizer.
func (t *Trainer) Optimizer() optimizer.Optimizer {
	return t.optimizer
}

// Scheduler returns the learning rate schedule.
func (t *Trainer) Scheduler() LRScheduler {
	return t.scheduler
}

// Steps returns the number of optimizer steps taken so far.
func (t *Trainer) Steps() int {
	return t.step
}

// Restore loads weights, optimizer moments and scheduler state from ckpt.
func (t *Trainer) Restore(ckpt *checkpoints.Checkpoint) error {
	if ckpt.ProfileID != t.profile {
		return fmt.Errorf("checkpoint belongs to profile %q, not %q", ckpt.ProfileID, t.profile)
	}
	if !modelsCompatible(t.network.Spec(), ckpt.ModelSpec) {
		return fmt.Errorf("checkpoint model architecture incompatible with configured model")
	}
	if err := checkpoints.LoadWeights(ckpt.Weights, t.network); err != nil {
		return fmt.Errorf("failed to load weights: %w", err)
	}
	if ckpt.OptimizerState != nil {
		if err := t.optimizer.LoadState(ckpt.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	if ckpt.SchedulerState != nil {
		scheduler, err := SchedulerFromState(ckpt.SchedulerState)
		if err != nil {
			return fmt.Errorf("failed to restore scheduler state: %w", err)
		}
		t.scheduler = scheduler
	}
	t.step = ckpt.TrainingState.TotalSteps
	t.bestLoss = ckpt.TrainingState.BestLoss
	return nil
}

// LearningRate is the rate used for epoch.
func (t *Trainer) LearningRate(epoch int) float64 {
	return t.scheduler.GetLR(epoch, t.step, t.baseLR)
}

// TrainEpoch runs one pass over loader. onBatch, when set, is called after
// every optimizer step with the 1-based batch count and the batch loss.
func (t *Trainer) TrainEpoch(ctx context.Context, loader *dataloader.DataLoader, epoch int, onBatch func(batch int, loss float64)) (EpochMetrics, error) {
	start := time.Now()
	lr := t.LearningRate(epoch)
	t.optimizer.UpdateLearningRate(float32(lr))

	var totalLoss, totalMAE float64
	m := EpochMetrics{Epoch: epoch, LearningRate: lr}

	err := loader.Iterate(ctx, epoch, func(b *dataloader.Batch) error {
		loss, mae, err := t.trainBatch(b)
		if err != nil {
			return fmt.Errorf("batch %d: %w", b.Index, err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return fmt.Errorf("%w: batch %d loss %g at epoch %d", ErrDiverged, b.Index, loss, epoch)
		}
		totalLoss += loss * float64(b.Size)
		totalMAE += mae * float64(b.Size)
		m.Samples += b.Size
		m.Batches++
		if onBatch != nil {
			onBatch(m.Batches, loss)
		}
		return nil
	})
	if err != nil {
		return m, err
	}
	if m.Samples == 0 {
		return m, fmt.Errorf("epoch %d produced no samples", epoch)
	}

	m.Loss = totalLoss / float64(m.Samples)
	m.MAE = totalMAE / float64(m.Samples)
	m.Duration = time.Since(start)
	if m.Loss < t.bestLoss {
		t.bestLoss = m.Loss
	}
	if ms, ok := t.scheduler.(MetricScheduler); ok {
		ms.Step(m.Loss, lr)
	}
	return m, nil
}

// trainBatch runs forward, backward and one optimizer step.
func (t *Trainer) trainBatch(b *dataloader.Batch) (float64, float64, error) {
	x, err := layers.PixelMatrix(b.Inputs, b.Size, b.Channels, b.Height, b.Width)
	if err != nil {
		return 0, 0, fmt.Errorf("inputs: %w", err)
	}
	y, err := layers.PixelMatrix(b.Targets, b.Size, b.Channels, b.Height, b.Width)
	if err != nil {
		return 0, 0, fmt.Errorf("targets: %w", err)
	}

	t.network.ZeroGrad()
	out, err := t.network.Forward(x)
	if err != nil {
		return 0, 0, fmt.Errorf("forward pass failed: %w", err)
	}
	loss, err := t.criterion.Forward(out, y)
	if err != nil {
		return 0, 0, fmt.Errorf("loss computation failed: %w", err)
	}
	grad, err := t.criterion.Backward(out, y)
	if err != nil {
		return 0, 0, fmt.Errorf("loss gradient failed: %w", err)
	}
	if err := t.network.Backward(grad); err != nil {
		return 0, 0, fmt.Errorf("backward pass failed: %w", err)
	}
	if err := t.optimizer.Step(t.network.Parameters()); err != nil {
		return 0, 0, fmt.Errorf("optimizer step failed: %w", err)
	}
	t.step++

	predicted, err := layers.CHW(out, b.Size, b.Height, b.Width)
	if err != nil {
		return 0, 0, err
	}
	mae := CalculateRegressionMetrics(predicted, b.Targets, len(b.Targets)).MAE
	return loss, mae, nil
}

// Snapshot captures everything needed to resume after epoch.
func (t *Trainer) Snapshot(m EpochMetrics, runID string) (*checkpoints.Checkpoint, error) {
	optState, err := t.optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to capture optimizer state: %w", err)
	}
	return &checkpoints.Checkpoint{
		ProfileID: t.profile,
		ModelSpec: t.network.Spec(),
		Weights:   checkpoints.ExtractWeights(t.network),
		TrainingState: checkpoints.TrainingState{
			Epoch:        m.Epoch,
			Step:         m.Batches,
			LearningRate: float32(m.LearningRate),
			Loss:         m.Loss,
			BestLoss:     t.bestLoss,
			TotalSteps:   t.step,
		},
		OptimizerState: optState,
		SchedulerState: SchedulerState(t.scheduler),
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       runID,
			Description: fmt.Sprintf("%s after epoch %d", t.profile, m.Epoch+1),
			Tags:        []string{t.profile, fmt.Sprintf("epoch_%d", m.Epoch+1)},
		},
	}, nil
}
