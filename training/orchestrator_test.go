package training

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tsawler/go-rendermap/checkpoints"
	"github.com/tsawler/go-rendermap/config"
	"github.com/tsawler/go-rendermap/pairstore"
	"github.com/tsawler/go-rendermap/testutil"
	"github.com/tsawler/go-rendermap/vision/dataset"
)

var testProfiles = []string{"Dell_S2722QC", "LG_27UL500", "BenQ_PD2705U"}

func newTestOrchestrator(t *testing.T, cfg config.Config, store *pairstore.Store, opts ...Option) (*Orchestrator, *CheckpointManager) {
	t.Helper()
	ccfg, err := CheckpointConfigFrom(cfg.Checkpoint)
	if err != nil {
		t.Fatalf("CheckpointConfigFrom: %v", err)
	}
	manager := NewCheckpointManager(ccfg)
	orch, err := NewOrchestrator(cfg, store, manager, append([]Option{WithRunID("test-run")}, opts...)...)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return orch, manager
}

func resultFor(t *testing.T, report *Report, profile string) ProfileResult {
	t.Helper()
	for _, r := range report.Profiles {
		if r.ProfileID == profile {
			return r
		}
	}
	t.Fatalf("no result for profile %s", profile)
	return ProfileResult{}
}

func TestNewOrchestratorValidation(t *testing.T) {
	store := testutil.BuildStore(t, testProfiles[:1], 1, 16, 16)
	cfg := testConfig(t.TempDir(), testProfiles[0])
	manager := NewCheckpointManager(DefaultCheckpointConfig())

	if _, err := NewOrchestrator(cfg, nil, manager); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewOrchestrator(cfg, store, nil); err == nil {
		t.Error("expected error for nil checkpoint manager")
	}
	empty := cfg
	empty.Profiles = nil
	if _, err := NewOrchestrator(empty, store, manager); err == nil {
		t.Error("expected error for no profiles")
	}

	orch, err := NewOrchestrator(cfg, store, manager)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	if orch.RunID() == "" {
		t.Error("expected a generated run id")
	}
}

func TestOrchestratorTrainsAllProfiles(t *testing.T) {
	store := testutil.BuildStore(t, testProfiles, 5, 16, 16)
	cfg := testConfig(t.TempDir(), testProfiles...)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	orch, manager := newTestOrchestrator(t, cfg, store, WithMetrics(metrics))

	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.RunID != "test-run" {
		t.Errorf("RunID = %q", report.RunID)
	}
	if len(report.Profiles) != 3 || !report.Succeeded() || report.SucceededCount() != 3 {
		t.Fatalf("expected 3 trained profiles, got %+v", report.Profiles)
	}

	for _, profile := range testProfiles {
		res := resultFor(t, report, profile)
		if res.Outcome != OutcomeCompleted || res.Phase != PhaseCompleted {
			t.Errorf("%s: outcome %s phase %s", profile, res.Outcome, res.Phase)
		}
		if res.EpochsRun != 3 || res.LastEpoch != 2 || res.ResumedFrom != -1 {
			t.Errorf("%s: %+v", profile, res)
		}
		if res.SaveFailures != 0 {
			t.Errorf("%s: %d save failures", profile, res.SaveFailures)
		}

		ckpt, err := manager.Load(manager.LatestPath(profile))
		if err != nil {
			t.Fatalf("%s: latest checkpoint: %v", profile, err)
		}
		if ckpt.ProfileID != profile || ckpt.TrainingState.Epoch != 2 {
			t.Errorf("%s: latest holds profile %s epoch %d", profile, ckpt.ProfileID, ckpt.TrainingState.Epoch)
		}
		if ckpt.Metadata.RunID != "test-run" {
			t.Errorf("%s: checkpoint run id %q", profile, ckpt.Metadata.RunID)
		}

		// Milestone interval 2 marks the second completed epoch.
		if _, err := os.Stat(manager.MilestonePath(profile, 1)); err != nil {
			t.Errorf("%s: milestone missing: %v", profile, err)
		}

		if got := promtest.ToFloat64(metrics.EpochsCompleted.WithLabelValues(profile)); got != 3 {
			t.Errorf("%s: epochs completed metric = %g", profile, got)
		}
		if got := promtest.ToFloat64(metrics.SamplesProcessed.WithLabelValues(profile)); got != 15 {
			t.Errorf("%s: samples metric = %g", profile, got)
		}
		if got := promtest.ToFloat64(metrics.CheckpointSaves.WithLabelValues(profile, "latest", "ok")); got != 2 {
			t.Errorf("%s: latest saves = %g", profile, got)
		}
		if got := promtest.ToFloat64(metrics.CheckpointSaves.WithLabelValues(profile, "milestone", "ok")); got != 1 {
			t.Errorf("%s: milestone saves = %g", profile, got)
		}
	}
	if got := promtest.ToFloat64(metrics.ProfileOutcomes.WithLabelValues("completed")); got != 3 {
		t.Errorf("completed outcomes = %g", got)
	}

	// Profiles never write into each other's files.
	files, err := filepath.Glob(filepath.Join(cfg.Checkpoint.Dir, "*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 6 {
		t.Errorf("checkpoint dir holds %d files, want 6: %v", len(files), files)
	}
}

func TestOrchestratorMilestonesOffSaveCadence(t *testing.T) {
	profile := testProfiles[0]
	store := testutil.BuildStore(t, []string{profile}, 4, 16, 16)
	cfg := testConfig(t.TempDir(), profile)
	cfg.Training.Epochs = 4
	cfg.Checkpoint.SaveInterval = 3
	cfg.Checkpoint.MaxMilestones = 0

	orch, manager := newTestOrchestrator(t, cfg, store)
	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res := resultFor(t, report, profile); res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome %s", res.Outcome)
	}

	// Milestones land on epochs 2 and 4 even though saves run every third epoch.
	got, err := manager.Milestones(profile)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{manager.MilestonePath(profile, 1), manager.MilestonePath(profile, 3)}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("milestones = %v, want %v", got, want)
	}

	ckpt, err := manager.Load(manager.LatestPath(profile))
	if err != nil {
		t.Fatal(err)
	}
	if ckpt.TrainingState.Epoch != 3 {
		t.Errorf("latest epoch = %d, want 3", ckpt.TrainingState.Epoch)
	}
}

func TestOrchestratorResumesAfterInterrupt(t *testing.T) {
	profile := testProfiles[0]
	store := testutil.BuildStore(t, []string{profile}, 4, 16, 16)
	cfg := testConfig(t.TempDir(), profile)
	cfg.Training.Epochs = 4

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch, manager := newTestOrchestrator(t, cfg, store, WithAfterEpoch(func(_ string, epoch int) {
		if epoch == 1 {
			cancel()
		}
	}))

	report, err := orch.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	res := resultFor(t, report, profile)
	if res.Outcome != OutcomeInterrupted || res.LastEpoch != 1 || res.EpochsRun != 2 {
		t.Fatalf("interrupted run: %+v", res)
	}
	if report.Succeeded() {
		t.Error("interrupted run should not count as trained")
	}

	ckpt, err := manager.Load(manager.LatestPath(profile))
	if err != nil {
		t.Fatalf("latest checkpoint after interrupt: %v", err)
	}
	if ckpt.TrainingState.Epoch != 1 {
		t.Fatalf("latest checkpoint epoch = %d, want 1", ckpt.TrainingState.Epoch)
	}

	var epochs []int
	orch, _ = newTestOrchestrator(t, cfg, store, WithAfterEpoch(func(_ string, epoch int) {
		epochs = append(epochs, epoch)
	}))
	report, err = orch.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	res = resultFor(t, report, profile)
	if res.Outcome != OutcomeResumed || res.ResumedFrom != 1 {
		t.Errorf("resumed run: %+v", res)
	}
	if res.Label() != "resumed-from-epoch-1" {
		t.Errorf("Label = %q", res.Label())
	}
	if res.EpochsRun != 2 || res.LastEpoch != 3 {
		t.Errorf("resumed run trained %d epochs ending at %d", res.EpochsRun, res.LastEpoch)
	}
	if len(epochs) != 2 || epochs[0] != 2 || epochs[1] != 3 {
		t.Errorf("resumed epochs = %v, want [2 3]", epochs)
	}

	ckpt, err = manager.Load(manager.LatestPath(profile))
	if err != nil {
		t.Fatalf("latest checkpoint after resume: %v", err)
	}
	if ckpt.TrainingState.Epoch != 3 || ckpt.TrainingState.TotalSteps != 8 {
		t.Errorf("final state = %+v, want epoch 3 after 8 steps", ckpt.TrainingState)
	}
}

func TestOrchestratorInterruptSkipsRemainingProfiles(t *testing.T) {
	store := testutil.BuildStore(t, testProfiles[:2], 2, 16, 16)
	cfg := testConfig(t.TempDir(), testProfiles[:2]...)
	cfg.Training.Epochs = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch, manager := newTestOrchestrator(t, cfg, store, WithAfterEpoch(func(string, int) { cancel() }))

	report, err := orch.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v", err)
	}
	if got := resultFor(t, report, testProfiles[1]); got.Outcome != OutcomeInterrupted || got.EpochsRun != 0 {
		t.Errorf("second profile: %+v", got)
	}
	if _, err := os.Stat(manager.LatestPath(testProfiles[1])); !os.IsNotExist(err) {
		t.Errorf("second profile should have no checkpoint, stat err = %v", err)
	}
}

func TestOrchestratorIsolatesFailingProfiles(t *testing.T) {
	// The middle profile has no packed pairs.
	store := testutil.BuildStore(t, []string{testProfiles[0], testProfiles[2]}, 3, 16, 16)
	cfg := testConfig(t.TempDir(), testProfiles...)
	cfg.Training.Epochs = 2

	orch, _ := newTestOrchestrator(t, cfg, store)
	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	skipped := resultFor(t, report, testProfiles[1])
	if skipped.Outcome != OutcomeSkipped || !errors.Is(skipped.Err, dataset.ErrEmpty) {
		t.Errorf("empty profile: %+v", skipped)
	}
	if skipped.Label() != "skipped-due-to-error" {
		t.Errorf("Label = %q", skipped.Label())
	}
	for _, p := range []string{testProfiles[0], testProfiles[2]} {
		if res := resultFor(t, report, p); res.Outcome != OutcomeCompleted || res.LastEpoch != 1 {
			t.Errorf("%s: %+v", p, res)
		}
	}
	if report.SucceededCount() != 2 || !report.Succeeded() {
		t.Errorf("SucceededCount = %d", report.SucceededCount())
	}
}

func TestOrchestratorCorruptCheckpoint(t *testing.T) {
	store := testutil.BuildStore(t, testProfiles[:2], 2, 16, 16)
	cfg := testConfig(t.TempDir(), testProfiles[:2]...)
	cfg.Training.Epochs = 2

	orch, manager := newTestOrchestrator(t, cfg, store)
	if err := os.MkdirAll(cfg.Checkpoint.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(manager.LatestPath(testProfiles[0]), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	bad := resultFor(t, report, testProfiles[0])
	if bad.Outcome != OutcomeSkipped || !errors.Is(bad.Err, checkpoints.ErrCorruptCheckpoint) {
		t.Errorf("corrupt profile: %+v", bad)
	}
	if got := errorKind(bad.Err); got != "corrupt_checkpoint" {
		t.Errorf("errorKind = %q", got)
	}
	if good := resultFor(t, report, testProfiles[1]); good.Outcome != OutcomeCompleted {
		t.Errorf("healthy profile: %+v", good)
	}

	// The corrupt file is left for inspection.
	data, err := os.ReadFile(manager.LatestPath(testProfiles[0]))
	if err != nil || string(data) != "{not json" {
		t.Errorf("corrupt checkpoint was modified: %q, %v", data, err)
	}
}

func TestOrchestratorFallbackToFresh(t *testing.T) {
	profile := testProfiles[0]
	store := testutil.BuildStore(t, []string{profile}, 2, 16, 16)
	cfg := testConfig(t.TempDir(), profile)
	cfg.Training.Epochs = 2
	cfg.Checkpoint.FallbackToFresh = true

	orch, manager := newTestOrchestrator(t, cfg, store)
	if err := os.MkdirAll(cfg.Checkpoint.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(manager.LatestPath(profile), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := resultFor(t, report, profile)
	if res.Outcome != OutcomeCompleted || res.ResumedFrom != -1 || res.EpochsRun != 2 {
		t.Errorf("fallback run: %+v", res)
	}
	if _, err := manager.Load(manager.LatestPath(profile)); err != nil {
		t.Errorf("latest checkpoint not replaced: %v", err)
	}
}

func TestOrchestratorAllProfilesFail(t *testing.T) {
	store := testutil.BuildStore(t, testProfiles[:1], 1, 16, 16)
	cfg := testConfig(t.TempDir(), "Missing_A", "Missing_B")

	orch, _ := newTestOrchestrator(t, cfg, store)
	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Succeeded() || report.SucceededCount() != 0 {
		t.Errorf("expected no trained profiles, got %+v", report.Profiles)
	}
	for _, res := range report.Profiles {
		if errorKind(res.Err) != "empty_dataset" {
			t.Errorf("%s: errorKind = %q", res.ProfileID, errorKind(res.Err))
		}
	}
}

func TestOrchestratorAlreadyComplete(t *testing.T) {
	profile := testProfiles[0]
	store := testutil.BuildStore(t, []string{profile}, 2, 16, 16)
	cfg := testConfig(t.TempDir(), profile)
	cfg.Training.Epochs = 2

	orch, manager := newTestOrchestrator(t, cfg, store)
	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before, err := os.Stat(manager.LatestPath(profile))
	if err != nil {
		t.Fatal(err)
	}

	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	res := resultFor(t, report, profile)
	if res.Outcome != OutcomeCompleted || res.EpochsRun != 0 || res.LastEpoch != 1 {
		t.Errorf("second run: %+v", res)
	}
	after, err := os.Stat(manager.LatestPath(profile))
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("completed profile's checkpoint was rewritten")
	}
}

func TestOrchestratorProgressOutput(t *testing.T) {
	profile := testProfiles[0]
	store := testutil.BuildStore(t, []string{profile}, 2, 16, 16)
	cfg := testConfig(t.TempDir(), profile)
	cfg.Training.Epochs = 1

	var out bytes.Buffer
	orch, _ := newTestOrchestrator(t, cfg, store, WithProgressOutput(&out))
	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "Epoch [1/1]") {
		t.Errorf("progress output missing epoch summary:\n%s", out.String())
	}
}

func TestSeedFor(t *testing.T) {
	o := &Orchestrator{training: config.TrainingConfig{Seed: 42}}
	if o.seedFor("a", 1) == o.seedFor("b", 1) {
		t.Error("profiles share a seed")
	}
	if o.seedFor("a", 1) == o.seedFor("a", 2) {
		t.Error("streams share a seed")
	}
	if o.seedFor("a", 1) != o.seedFor("a", 1) {
		t.Error("seed is not stable")
	}

	o.training.Seed = 0
	if o.seedFor("a", 1) != 0 {
		t.Error("seed 0 should stay nondeterministic")
	}
}
