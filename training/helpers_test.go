package training

import (
	"testing"

	"github.com/tsawler/go-rendermap/checkpoints"
	"github.com/tsawler/go-rendermap/config"
)

func testTrainingConfig() config.TrainingConfig {
	tc := config.Default().Training
	tc.BatchSize = 2
	tc.Epochs = 3
	tc.CropSize = 8
	tc.NumWorkers = 2
	tc.PrefetchDepth = 2
	tc.HiddenUnits = 4
	tc.Bottleneck = 2
	tc.LearningRate = 0.01
	tc.Seed = 7
	return tc
}

func testConfig(dir string, profiles ...string) config.Config {
	cfg := config.Default()
	cfg.Training = testTrainingConfig()
	cfg.Checkpoint.Dir = dir
	cfg.Checkpoint.SaveInterval = 1
	cfg.Checkpoint.MilestoneInterval = 2
	cfg.Profiles = nil
	for _, p := range profiles {
		cfg.Profiles = append(cfg.Profiles, config.DisplayProfile{ID: p, Width: 16, Height: 16})
	}
	return cfg
}

// testSnapshot builds a valid checkpoint for profile as if epoch had just finished.
func testSnapshot(t *testing.T, profile string, epoch int) *checkpoints.Checkpoint {
	t.Helper()
	trainer, err := NewTrainer(profile, testTrainingConfig(), 11)
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	ckpt, err := trainer.Snapshot(EpochMetrics{Epoch: epoch, Loss: 0.5, LearningRate: 0.01, Batches: 3}, "test-run")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return ckpt
}
