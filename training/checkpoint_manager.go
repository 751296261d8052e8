package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tsawler/go-rendermap/archive"
	"github.com/tsawler/go-rendermap/checkpoints"
	"github.com/tsawler/go-rendermap/config"
	"github.com/tsawler/go-rendermap/layers"
)

// Phase is where a profile sits in its training lifecycle.
type Phase int

const (
	PhaseFresh Phase = iota
	PhaseTraining
	PhaseCheckpointing
	PhaseInterrupted
	PhaseResuming
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseFresh:
		return "fresh"
	case PhaseTraining:
		return "training"
	case PhaseCheckpointing:
		return "checkpointing"
	case PhaseInterrupted:
		return "interrupted"
	case PhaseResuming:
		return "resuming"
	case PhaseCompleted:
		return "completed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	Dir               string                       // Directory holding latest and milestone files
	Format            checkpoints.CheckpointFormat // JSON or Proto
	MilestoneInterval int                          // Keep an epoch copy every N epochs (0 = never)
	MaxMilestones     int                          // Milestones kept per profile (0 = unlimited)
	FallbackToFresh   bool                         // Start over instead of failing on an unreadable latest file
	StaleTempAge      time.Duration                // Leftover temp files older than this are removed on save
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Dir:               "./checkpoints",
		Format:            checkpoints.FormatJSON,
		MilestoneInterval: 10,
		StaleTempAge:      time.Minute,
	}
}

// CheckpointConfigFrom converts the file configuration.
func CheckpointConfigFrom(c config.CheckpointConfig) (CheckpointConfig, error) {
	format, err := checkpoints.ParseFormat(c.Format)
	if err != nil {
		return CheckpointConfig{}, err
	}
	cfg := DefaultCheckpointConfig()
	cfg.Dir = c.Dir
	cfg.Format = format
	cfg.MilestoneInterval = c.MilestoneInterval
	cfg.MaxMilestones = c.MaxMilestones
	cfg.FallbackToFresh = c.FallbackToFresh
	return cfg, nil
}

// StartState is what ResolveStartState found for a profile.
type StartState struct {
	Phase      Phase
	Checkpoint *checkpoints.Checkpoint // nil when Phase is PhaseFresh
}

// NextEpoch is the first epoch that still has to run.
func (s StartState) NextEpoch() int {
	if s.Checkpoint == nil {
		return 0
	}
	return s.Checkpoint.TrainingState.Epoch + 1
}

// ManagerOption customizes a CheckpointManager.
type ManagerOption func(*CheckpointManager)

// WithArchive mirrors every milestone to store.
func WithArchive(store archive.Store) ManagerOption {
	return func(cm *CheckpointManager) { cm.archive = store }
}

// WithCheckpointLogger sets the manager's logger.
func WithCheckpointLogger(logger *slog.Logger) ManagerOption {
	return func(cm *CheckpointManager) { cm.logger = logger }
}

// CheckpointManager owns the on-disk snapshots of every profile. Saves are
// serialized.
type CheckpointManager struct {
	config  CheckpointConfig
	saver   *checkpoints.CheckpointSaver
	archive archive.Store
	logger  *slog.Logger

	mu sync.Mutex
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig, opts ...ManagerOption) *CheckpointManager {
	cm := &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.logger == nil {
		cm.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return cm
}

// Config returns the manager's configuration.
func (cm *CheckpointManager) Config() CheckpointConfig {
	return cm.config
}

// LatestPath is where the profile's most recent snapshot lives.
func (cm *CheckpointManager) LatestPath(profile string) string {
	return filepath.Join(cm.config.Dir, fmt.Sprintf("%s_latest.%s", profile, cm.config.Format.Extension()))
}

// MilestonePath names the copy kept after the given zero-based epoch. The
// number in the file name counts completed epochs.
func (cm *CheckpointManager) MilestonePath(profile string, epoch int) string {
	return filepath.Join(cm.config.Dir, fmt.Sprintf("%s_epoch_%04d.%s", profile, epoch+1, cm.config.Format.Extension()))
}

// IsMilestone reports whether finishing epoch should also leave an epoch copy.
func (cm *CheckpointManager) IsMilestone(epoch int) bool {
	return cm.config.MilestoneInterval > 0 && (epoch+1)%cm.config.MilestoneInterval == 0
}

// ResolveStartState decides whether profile starts fresh or resumes from its
// latest snapshot. An unreadable snapshot is an ErrCorruptCheckpoint unless
// FallbackToFresh is set.
func (cm *CheckpointManager) ResolveStartState(profile string) (StartState, error) {
	path := cm.LatestPath(profile)
	ckpt, err := cm.Load(path)
	switch {
	case err == nil:
		if ckpt.ProfileID != profile {
			err = fmt.Errorf("%w: %s belongs to profile %q", checkpoints.ErrCorruptCheckpoint, path, ckpt.ProfileID)
			break
		}
		cm.logger.Info("resuming from checkpoint",
			"profile", profile,
			"path", path,
			"epoch", ckpt.TrainingState.Epoch,
			"loss", ckpt.TrainingState.Loss,
			"saved_at", ckpt.Metadata.CreatedAt)
		return StartState{Phase: PhaseResuming, Checkpoint: ckpt}, nil
	case errors.Is(err, os.ErrNotExist):
		return StartState{Phase: PhaseFresh}, nil
	case !errors.Is(err, checkpoints.ErrCorruptCheckpoint):
		// Present but unopenable counts as unreadable.
		err = fmt.Errorf("%w: %v", checkpoints.ErrCorruptCheckpoint, err)
	}

	if cm.config.FallbackToFresh {
		cm.logger.Warn("ignoring unreadable checkpoint, starting fresh", "profile", profile, "path", path, "error", err)
		return StartState{Phase: PhaseFresh}, nil
	}
	return StartState{}, err
}

// Load decodes and validates the checkpoint at path.
func (cm *CheckpointManager) Load(path string) (*checkpoints.Checkpoint, error) {
	return cm.saver.LoadCheckpoint(path)
}

// Save atomically replaces the profile's latest snapshot and, for a milestone,
// writes the numbered epoch copy and mirrors it to the archive. A failed save
// leaves the previous latest file untouched.
func (cm *CheckpointManager) Save(ctx context.Context, ckpt *checkpoints.Checkpoint, isMilestone bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ckpt.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid checkpoint: %w", err)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	profile := ckpt.ProfileID
	cm.cleanStaleTemps(profile)

	latest := cm.LatestPath(profile)
	if err := cm.saver.SaveCheckpoint(ckpt, latest); err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", profile, err)
	}
	cm.logger.Debug("checkpoint saved", "profile", profile, "epoch", ckpt.TrainingState.Epoch, "path", latest)

	if !isMilestone {
		return nil
	}

	milestone := cm.MilestonePath(profile, ckpt.TrainingState.Epoch)
	if err := cm.saver.SaveCheckpoint(ckpt, milestone); err != nil {
		return fmt.Errorf("failed to save milestone for %s: %w", profile, err)
	}
	cm.logger.Info("milestone saved", "profile", profile, "epoch", ckpt.TrainingState.Epoch, "path", milestone)

	if cm.archive != nil {
		if err := cm.mirror(ctx, milestone); err != nil {
			// The local milestone is already durable.
			cm.logger.Warn("failed to archive milestone", "profile", profile, "path", milestone, "error", err)
		}
	}

	if err := cm.cleanupOldMilestones(profile); err != nil {
		cm.logger.Warn("failed to cleanup old milestones", "profile", profile, "error", err)
	}
	return nil
}

// Milestones lists the profile's milestone files, oldest first.
func (cm *CheckpointManager) Milestones(profile string) ([]string, error) {
	pattern := filepath.Join(cm.config.Dir, fmt.Sprintf("%s_epoch_*.%s", profile, cm.config.Format.Extension()))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	// Zero-padded numbers sort lexically.
	sort.Strings(paths)
	return paths, nil
}

func (cm *CheckpointManager) mirror(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = cm.archive.Put(ctx, filepath.Base(path), f)
	return err
}

func (cm *CheckpointManager) cleanupOldMilestones(profile string) error {
	if cm.config.MaxMilestones <= 0 {
		return nil // No limit
	}

	paths, err := cm.Milestones(profile)
	if err != nil {
		return err
	}
	if len(paths) <= cm.config.MaxMilestones {
		return nil // Under limit
	}

	// Remove oldest checkpoints
	for _, p := range paths[:len(paths)-cm.config.MaxMilestones] {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old checkpoint %s: %w", p, err)
		}
		cm.logger.Debug("removed old milestone", "profile", profile, "path", p)
	}
	return nil
}

// cleanStaleTemps removes temp files left by a save that never reached its
// rename. Only this profile's names are matched, so a profile id that prefixes
// another never touches the other's files.
func (cm *CheckpointManager) cleanStaleTemps(profile string) {
	for _, prefix := range []string{profile + "_latest.", profile + "_epoch_"} {
		removed, err := checkpoints.CleanStaleTemps(cm.config.Dir, prefix, cm.config.StaleTempAge)
		if err != nil {
			cm.logger.Warn("failed to remove stale temp files", "profile", profile, "error", err)
		}
		for _, p := range removed {
			cm.logger.Info("removed stale temp file", "profile", profile, "path", p)
		}
	}
}

// modelsCompatible reports whether weights saved for one spec can be loaded
// into a network built from the other.
func modelsCompatible(model1, model2 *layers.ModelSpec) bool {
	if model1 == nil || model2 == nil {
		return false
	}
	// Check if models have same number of layers
	if len(model1.Layers) != len(model2.Layers) {
		return false
	}

	for i, layer1 := range model1.Layers {
		layer2 := model2.Layers[i]

		if layer1.Type != layer2.Type || layer1.Name != layer2.Name {
			return false
		}

		// Check parameter shapes (this ensures weight tensors are compatible)
		if len(layer1.ParameterShapes) != len(layer2.ParameterShapes) {
			return false
		}
		for j, shape1 := range layer1.ParameterShapes {
			shape2 := layer2.ParameterShapes[j]
			if len(shape1) != len(shape2) {
				return false
			}
			for k, dim1 := range shape1 {
				if dim1 != shape2[k] {
					return false
				}
			}
		}
	}
	return true
}
