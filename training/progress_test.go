package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-rendermap/layers"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar("Testing", 10, &buf)

	for i := 1; i <= 10; i++ {
		pb.Update(i, map[string]float64{"loss": 1.0 - float64(i)*0.08})
	}
	pb.Finish()

	out := buf.String()
	if !strings.Contains(out, "Testing: 100%") {
		t.Errorf("final render missing 100%%: %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("Finish should end the line")
	}
	if strings.Count(out, "\r") != 11 {
		t.Errorf("expected 11 renders, got %d", strings.Count(out, "\r"))
	}
}

func TestProgressBarFormatting(t *testing.T) {
	pb := NewProgressBar("Epoch 1/3", 4, &bytes.Buffer{})
	pb.current = 2
	pb.metrics = map[string]float64{"mae": 0.5, "loss": 0.25}

	line := pb.line(10 * time.Second)

	for _, want := range []string{"Epoch 1/3:  50%", " 2/4", "[00:10<00:10", "0.20batch/s", "loss=0.2500, mae=0.5000]"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if strings.Count(line, "█") != pb.width/2 {
		t.Errorf("expected half-filled bar in %q", line)
	}
}

func TestProgressBarZeroTotal(t *testing.T) {
	pb := NewProgressBar("empty", 0, &bytes.Buffer{})
	if line := pb.line(time.Second); !strings.Contains(line, "  0%") {
		t.Errorf("unexpected line %q", line)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{61 * time.Second, "01:01"},
		{90 * time.Minute, "90:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := map[int64]string{999: "999", 1500: "1.5K", 2500000: "2.5M"}
	for in, want := range tests {
		if got := formatParameterCount(in); got != want {
			t.Errorf("formatParameterCount(%d) = %s, want %s", in, got, want)
		}
	}
}

func TestModelArchitecturePrinting(t *testing.T) {
	spec, err := layers.EncoderDecoder(3, 8, 4)
	if err != nil {
		t.Fatalf("Failed to compile test model: %v", err)
	}

	var buf bytes.Buffer
	NewModelArchitecturePrinter("Dell_S2722QC", &buf).PrintArchitecture(spec)
	out := buf.String()

	for _, want := range []string{
		"Dell_S2722QC(",
		"(enc1): Conv2d(3, 8, kernel_size=(1, 1), bias=true)",
		"(enc1_act): ReLU()",
		"(out): Conv2d(8, 3, kernel_size=(1, 1), bias=true)",
		"Total parameters: ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("architecture output missing %q:\n%s", want, out)
		}
	}
}

func TestTrainingSession(t *testing.T) {
	spec, err := layers.EncoderDecoder(3, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	ts := NewTrainingSession("LG_27UL500", 3, 2, &buf)
	ts.StartTraining(spec, 1)
	ts.StartEpoch(1)
	ts.UpdateTrainingProgress(1, 0.5)
	ts.UpdateTrainingProgress(2, 0.25)
	ts.FinishTrainingEpoch()
	ts.PrintEpochSummary(0.375, 0.1, 0.001, 1500*time.Millisecond)

	out := buf.String()
	for _, want := range []string{
		"Training LG_27UL500 from epoch 1 of 3",
		"Epoch 2/3: 100%",
		"Epoch [2/3] Avg Loss: 0.375000 | MAE: 0.100000 | LR: 0.001000 | Time: 1.5s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("session output missing %q:\n%s", want, out)
		}
	}
}
