package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-rendermap/checkpoints"
)

func TestEpochSchedules(t *testing.T) {
	const base = 0.005
	tests := []struct {
		name      string
		scheduler LRScheduler
		want      map[int]float64 // epoch -> learning rate
	}{
		{"step", NewStepLRScheduler(50, 0.5), map[int]float64{
			0: 0.005, 49: 0.005, 50: 0.0025, 120: 0.00125, 199: 0.000625,
		}},
		{"exponential", NewExponentialLRScheduler(0.98), map[int]float64{
			0: 0.005, 1: 0.0049, 2: 0.004802, 10: 0.005 * math.Pow(0.98, 10),
		}},
		{"cosine", NewCosineAnnealingLRScheduler(200, 0), map[int]float64{
			0: 0.005, 100: 0.0025, 200: 0, 250: 0,
		}},
		{"cosine with floor", NewCosineAnnealingLRScheduler(4, 0.001), map[int]float64{
			0: 0.005, 2: 0.003, 4: 0.001,
		}},
		{"constant", &NoOpScheduler{}, map[int]float64{0: 0.005, 199: 0.005}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for epoch, want := range tt.want {
				if got := tt.scheduler.GetLR(epoch, 0, base); math.Abs(got-want) > 1e-12 {
					t.Errorf("epoch %d: lr = %g, want %g", epoch, got, want)
				}
			}
		})
	}
}

func TestCosineIsMonotonic(t *testing.T) {
	s := NewCosineAnnealingLRScheduler(200, 1e-5)
	prev := math.Inf(1)
	for epoch := 0; epoch <= 200; epoch++ {
		lr := s.GetLR(epoch, 0, 0.005)
		if lr > prev {
			t.Fatalf("lr rose at epoch %d: %g > %g", epoch, lr, prev)
		}
		prev = lr
	}
}

func TestReduceLROnPlateau(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.5, 2, 0.01, "min")
	if lr := s.GetLR(0, 0, 0.005); lr != 0.005 {
		t.Fatalf("before first step lr = %g, want base", lr)
	}

	// Epoch losses: one improvement, then two epochs inside the threshold.
	losses := []float64{0.20, 0.15, 0.145, 0.149, 0.10, 0.30, 0.30}
	want := []float64{0.005, 0.005, 0.005, 0.0025, 0.0025, 0.0025, 0.00125}
	lr := 0.005
	for i, loss := range losses {
		lr = s.Step(loss, lr)
		if math.Abs(lr-want[i]) > 1e-12 {
			t.Fatalf("step %d (loss %g): lr = %g, want %g", i, loss, lr, want[i])
		}
	}
	if got := s.GetLR(7, 0, 0.005); got != lr {
		t.Errorf("GetLR = %g, want tracked %g", got, lr)
	}

	maxMode := NewReduceLROnPlateauScheduler(0.5, 1, 0, "max")
	maxMode.Step(0.5, 1)
	if lr := maxMode.Step(0.4, 1); lr != 0.5 {
		t.Errorf("max mode: lr = %g after a drop, want 0.5", lr)
	}
}

func TestNewSchedulerByName(t *testing.T) {
	tests := map[string]string{
		"":            "CosineAnnealingLR",
		"cosine":      "CosineAnnealingLR",
		"step":        "StepLR",
		"exponential": "ExponentialLR",
		"plateau":     "ReduceLROnPlateau",
		"constant":    "ConstantLR",
	}
	for name, want := range tests {
		s, err := NewScheduler(name, 200, 0)
		if err != nil {
			t.Fatalf("NewScheduler(%q) failed: %v", name, err)
		}
		if s.GetName() != want {
			t.Errorf("NewScheduler(%q) = %s, want %s", name, s.GetName(), want)
		}
	}
	if _, err := NewScheduler("warmup", 10, 0); err == nil {
		t.Error("expected error for unknown scheduler")
	}

	cosine, _ := NewScheduler("cosine", 200, 0)
	if lr := cosine.GetLR(100, 0, 0.005); math.Abs(lr-0.0025) > 1e-12 {
		t.Errorf("expected half the base LR at T_max/2, got %f", lr)
	}
}

func TestSchedulerStateRoundTrip(t *testing.T) {
	plateau := NewReduceLROnPlateauScheduler(0.5, 1, 0.0, "min")
	plateau.Step(1.0, 0.1)
	plateau.Step(2.0, 0.1) // no improvement, patience 1: halves

	schedulers := []LRScheduler{
		NewStepLRScheduler(3, 0.5),
		NewExponentialLRScheduler(0.9),
		NewCosineAnnealingLRScheduler(20, 0.001),
		plateau,
		&NoOpScheduler{},
	}
	for _, s := range schedulers {
		restored, err := SchedulerFromState(SchedulerState(s))
		if err != nil {
			t.Fatalf("%s: SchedulerFromState failed: %v", s.GetName(), err)
		}
		for epoch := 0; epoch < 25; epoch++ {
			if a, b := s.GetLR(epoch, 0, 0.1), restored.GetLR(epoch, 0, 0.1); a != b {
				t.Fatalf("%s epoch %d: %f != %f", s.GetName(), epoch, a, b)
			}
		}
	}

	restored, _ := SchedulerFromState(SchedulerState(plateau))
	if lr := restored.GetLR(0, 0, 0.1); lr != 0.05 {
		t.Errorf("plateau state lost: expected 0.05, got %f", lr)
	}

	if _, err := SchedulerFromState(nil); err == nil {
		t.Error("expected error for nil state")
	}
	if _, err := SchedulerFromState(&checkpoints.SchedulerState{Type: "Warmup"}); err == nil {
		t.Error("expected error for unknown type")
	}
}
