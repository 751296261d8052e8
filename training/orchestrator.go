package training

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tsawler/go-rendermap/checkpoints"
	"github.com/tsawler/go-rendermap/config"
	"github.com/tsawler/go-rendermap/pairstore"
	"github.com/tsawler/go-rendermap/vision/dataloader"
	"github.com/tsawler/go-rendermap/vision/dataset"
	"github.com/tsawler/go-rendermap/vision/preprocessing"
)

const tracerName = "github.com/tsawler/go-rendermap/training"

// Outcome is how a profile's run ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeResumed     Outcome = "resumed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeInterrupted Outcome = "interrupted"
)

// ProfileResult summarizes one profile's run.
type ProfileResult struct {
	ProfileID    string
	Outcome      Outcome
	Phase        Phase // phase the profile was in when the run stopped
	ResumedFrom  int   // last epoch of the snapshot resumed from, -1 when fresh
	LastEpoch    int   // last completed epoch, -1 when none
	EpochsRun    int
	FinalLoss    float64
	SaveFailures int
	Duration     time.Duration
	Err          error
}

// Succeeded reports whether the profile ended in a usable state.
func (r ProfileResult) Succeeded() bool {
	return r.Outcome == OutcomeCompleted || r.Outcome == OutcomeResumed
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics records training progress in m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracerProvider overrides the global otel tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

// WithProgressOutput renders per-batch progress bars to w.
func WithProgressOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.progress = w }
}

// WithRunID fixes the run id stamped into checkpoints and the report.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// WithAfterEpoch registers a hook that runs after each epoch's save attempt.
func WithAfterEpoch(fn func(profile string, epoch int)) Option {
	return func(o *Orchestrator) { o.afterEpoch = fn }
}

// Orchestrator trains every configured profile in turn. Profiles share the
// read-only pair store and nothing else.
type Orchestrator struct {
	training    config.TrainingConfig
	profiles    []string
	saveEvery   int
	store       dataset.PairSource
	checkpoints *CheckpointManager

	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	progress   io.Writer
	runID      string
	afterEpoch func(profile string, epoch int)
}

// NewOrchestrator wires an orchestrator for cfg's profiles over store.
func NewOrchestrator(cfg config.Config, store dataset.PairSource, manager *CheckpointManager, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("pair store cannot be nil")
	}
	if manager == nil {
		return nil, fmt.Errorf("checkpoint manager cannot be nil")
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("no profiles configured")
	}

	o := &Orchestrator{
		training:    cfg.Training,
		saveEvery:   max(cfg.Checkpoint.SaveInterval, 1),
		store:       store,
		checkpoints: manager,
		tracer:      otel.Tracer(tracerName),
	}
	for _, p := range cfg.Profiles {
		o.profiles = append(o.profiles, p.ID)
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	return o, nil
}

// RunID identifies this orchestrator's run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run trains every profile and reports per-profile outcomes. A failing profile
// never stops the others. The returned error is non-nil only when ctx was
// canceled.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: o.runID, StartedAt: time.Now().UTC()}

	ctx, span := o.tracer.Start(ctx, "rendermap.run",
		trace.WithAttributes(
			attribute.String("run.id", o.runID),
			attribute.Int("run.profiles", len(o.profiles)),
		))
	defer span.End()

	o.logger.Info("training run started", "run_id", o.runID, "profiles", len(o.profiles), "epochs", o.training.Epochs)

	for _, profile := range o.profiles {
		res := o.runProfile(ctx, profile)
		o.metrics.ProfileOutcomes.WithLabelValues(string(res.Outcome)).Inc()
		report.Profiles = append(report.Profiles, res)
	}
	report.Duration = time.Since(report.StartedAt)

	succeeded := report.SucceededCount()
	span.SetAttributes(attribute.Int("run.succeeded", succeeded))
	o.logger.Info("training run finished", "run_id", o.runID, "succeeded", succeeded, "profiles", len(report.Profiles))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// runProfile trains a single profile. Errors and panics are converted into a
// skipped result.
func (o *Orchestrator) runProfile(ctx context.Context, profile string) (res ProfileResult) {
	start := time.Now()
	res = ProfileResult{ProfileID: profile, Phase: PhaseFresh, ResumedFrom: -1, LastEpoch: -1}
	logger := o.logger.With("profile", profile)

	ctx, span := o.tracer.Start(ctx, "rendermap.profile", trace.WithAttributes(attribute.String("profile", profile)))
	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomeSkipped
			res.Err = fmt.Errorf("panic: %v", r)
		}
		res.Duration = time.Since(start)
		if res.Err != nil && res.Outcome == OutcomeSkipped {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			logger.Error("profile skipped",
				"error", res.Err,
				"error_kind", errorKind(res.Err),
				"last_epoch", res.LastEpoch)
		}
		span.SetAttributes(attribute.String("profile.outcome", string(res.Outcome)))
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		res.Outcome = OutcomeInterrupted
		res.Phase = PhaseInterrupted
		return res
	}

	state, err := o.checkpoints.ResolveStartState(profile)
	if err != nil {
		res.Outcome, res.Err = OutcomeSkipped, err
		return res
	}

	trainer, err := NewTrainer(profile, o.training, o.seedFor(profile, 1))
	if err != nil {
		res.Outcome, res.Err = OutcomeSkipped, err
		return res
	}
	if state.Phase == PhaseResuming {
		res.Phase = PhaseResuming
		res.ResumedFrom = state.Checkpoint.TrainingState.Epoch
		res.LastEpoch = res.ResumedFrom
		res.FinalLoss = state.Checkpoint.TrainingState.Loss
		if err := trainer.Restore(state.Checkpoint); err != nil {
			res.Outcome, res.Err = OutcomeSkipped, fmt.Errorf("failed to resume: %w", err)
			return res
		}
	}

	next := state.NextEpoch()
	if next >= o.training.Epochs {
		logger.Info("profile already complete", "epochs", o.training.Epochs, "last_epoch", res.LastEpoch)
		res.Outcome, res.Phase = OutcomeCompleted, PhaseCompleted
		return res
	}

	ds, err := dataset.NewWindowedDataset(o.store, profile,
		preprocessing.NewSampleTransform(o.training.CropSize, float32(o.training.Perturbation)))
	if err != nil {
		res.Outcome, res.Err = OutcomeSkipped, err
		return res
	}
	loader, err := dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:     o.training.BatchSize,
		Shuffle:       true,
		NumWorkers:    o.training.NumWorkers,
		PrefetchDepth: o.training.PrefetchDepth,
		Seed:          o.seedFor(profile, 2),
	})
	if err != nil {
		res.Outcome, res.Err = OutcomeSkipped, err
		return res
	}

	logger.Info("training profile",
		"samples", ds.Len(),
		"batches", loader.NumBatches(),
		"start_epoch", next,
		"epochs", o.training.Epochs,
		"learning_rate", o.training.LearningRate,
		"batch_size", o.training.BatchSize)

	var session *TrainingSession
	if o.progress != nil {
		session = NewTrainingSession(profile, o.training.Epochs, loader.NumBatches(), o.progress)
		session.StartTraining(trainer.Network().Spec(), next)
	}

	for epoch := next; epoch < o.training.Epochs; epoch++ {
		res.Phase = PhaseTraining
		m, err := o.trainEpoch(ctx, trainer, loader, epoch, session)
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn("training interrupted, in-flight epoch discarded", "epoch", epoch, "last_epoch", res.LastEpoch)
				res.Outcome, res.Phase = OutcomeInterrupted, PhaseInterrupted
				return res
			}
			res.Outcome, res.Err = OutcomeSkipped, fmt.Errorf("epoch %d: %w", epoch, err)
			return res
		}

		res.EpochsRun++
		res.LastEpoch = epoch
		res.FinalLoss = m.Loss
		logger.Info("epoch complete",
			"epoch", epoch,
			"loss", m.Loss,
			"mae", m.MAE,
			"lr", m.LearningRate,
			"duration", m.Duration)

		if (epoch+1)%o.saveEvery == 0 || o.checkpoints.IsMilestone(epoch) || epoch == o.training.Epochs-1 {
			res.Phase = PhaseCheckpointing
			if err := o.save(ctx, trainer, m); err != nil {
				res.SaveFailures++
				logger.Error("checkpoint save failed, retrying next epoch", "epoch", epoch, "error", err)
			}
		}

		if o.afterEpoch != nil {
			o.afterEpoch(profile, epoch)
		}
		if ctx.Err() != nil && epoch < o.training.Epochs-1 {
			res.Outcome, res.Phase = OutcomeInterrupted, PhaseInterrupted
			return res
		}
	}

	res.Phase = PhaseCompleted
	if res.ResumedFrom >= 0 {
		res.Outcome = OutcomeResumed
	} else {
		res.Outcome = OutcomeCompleted
	}
	logger.Info("profile complete", "outcome", res.Outcome, "final_loss", res.FinalLoss)
	return res
}

func (o *Orchestrator) trainEpoch(ctx context.Context, trainer *Trainer, loader *dataloader.DataLoader, epoch int, session *TrainingSession) (EpochMetrics, error) {
	ctx, span := o.tracer.Start(ctx, "rendermap.epoch", trace.WithAttributes(attribute.Int("epoch", epoch)))
	defer span.End()

	var onBatch func(int, float64)
	if session != nil {
		session.StartEpoch(epoch)
		onBatch = session.UpdateTrainingProgress
	}

	m, err := trainer.TrainEpoch(ctx, loader, epoch, onBatch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return m, err
	}
	if session != nil {
		session.FinishTrainingEpoch()
		session.PrintEpochSummary(m.Loss, m.MAE, m.LearningRate, m.Duration)
	}

	profile := trainer.profile
	o.metrics.EpochsCompleted.WithLabelValues(profile).Inc()
	o.metrics.EpochDuration.WithLabelValues(profile).Observe(m.Duration.Seconds())
	o.metrics.EpochLoss.WithLabelValues(profile).Set(m.Loss)
	o.metrics.LearningRate.WithLabelValues(profile).Set(m.LearningRate)
	o.metrics.SamplesProcessed.WithLabelValues(profile).Add(float64(m.Samples))
	span.SetAttributes(attribute.Float64("epoch.loss", m.Loss), attribute.Int("epoch.samples", m.Samples))
	return m, nil
}

func (o *Orchestrator) save(ctx context.Context, trainer *Trainer, m EpochMetrics) error {
	milestone := o.checkpoints.IsMilestone(m.Epoch)
	kind := "latest"
	if milestone {
		kind = "milestone"
	}

	start := time.Now()
	ckpt, err := trainer.Snapshot(m, o.runID)
	if err == nil {
		// Saving is not interrupted by ctx: a finished epoch is always persisted.
		err = o.checkpoints.Save(context.WithoutCancel(ctx), ckpt, milestone)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.CheckpointSaves.WithLabelValues(trainer.profile, kind, status).Inc()
	o.metrics.CheckpointDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return err
}

// seedFor derives a per-profile seed for stream; 0 stays 0 (nondeterministic).
func (o *Orchestrator) seedFor(profile string, stream uint64) uint64 {
	if o.training.Seed == 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(profile))
	seed := uint64(o.training.Seed) ^ h.Sum64() ^ (stream * 0x9e3779b97f4a7c15)
	if seed == 0 {
		seed = 1
	}
	return seed
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, dataset.ErrEmpty):
		return "empty_dataset"
	case errors.Is(err, ErrDiverged):
		return "diverged"
	case errors.Is(err, checkpoints.ErrCorruptCheckpoint):
		return "corrupt_checkpoint"
	case errors.Is(err, pairstore.ErrKeyNotFound), errors.Is(err, pairstore.ErrIntegrity):
		return "store"
	case errors.Is(err, preprocessing.ErrSize):
		return "size"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
