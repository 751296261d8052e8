package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-rendermap/layers"
)

// ProgressBar renders a single-line training progress bar.
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
	out         io.Writer
}

// NewProgressBar creates a new progress bar writing to out (stdout when nil).
func NewProgressBar(description string, total int, out io.Writer) *ProgressBar {
	if out == nil {
		out = os.Stdout
	}
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
		out:         out,
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.line(time.Since(pb.startTime)))
}

// line formats the bar as it looks after elapsed.
func (pb *ProgressBar) line(elapsed time.Duration) string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)

	if pb.showETA && eta > 0 {
		fmt.Fprintf(&b, " [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		fmt.Fprintf(&b, " [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		fmt.Fprintf(&b, ", %.2fbatch/s", rate)
	}

	// Stable order keeps the line from flickering between renders.
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ", %s=%.4f", k, pb.metrics[k])
	}
	b.WriteString("]")
	return b.String()
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
	out       io.Writer
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string, out io.Writer) *ModelArchitecturePrinter {
	if out == nil {
		out = os.Stdout
	}
	return &ModelArchitecturePrinter{modelName: modelName, out: out}
}

// PrintArchitecture prints the model architecture in PyTorch style
func (p *ModelArchitecturePrinter) PrintArchitecture(modelSpec *layers.ModelSpec) {
	fmt.Fprintf(p.out, "%s(\n", p.modelName)
	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(p.out, "  %s\n", p.formatLayer(layer))
	}
	fmt.Fprintf(p.out, ")\n")
	fmt.Fprintf(p.out, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(p.out, "Params size (MB): %.3f\n", float64(modelSpec.TotalParameters*4)/1024/1024) // 4 bytes per float32
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Dense:
		return p.formatDense(layer)
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatDense prints a per-pixel dense layer the way a 1x1 convolution reads.
func (p *ModelArchitecturePrinter) formatDense(layer layers.LayerSpec) string {
	if len(layer.ParameterShapes) == 0 || len(layer.ParameterShapes[0]) != 2 {
		return fmt.Sprintf("(%s): Conv2d(?)", layer.Name)
	}
	out, in := layer.ParameterShapes[0][0], layer.ParameterShapes[0][1]
	return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(1, 1), bias=%t)",
		layer.Name, in, out, len(layer.ParameterShapes) > 1)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// TrainingSession drives the per-epoch progress display of one profile.
type TrainingSession struct {
	profile       string
	epochs        int
	stepsPerEpoch int
	currentEpoch  int
	out           io.Writer

	trainProgress *ProgressBar
	trainLoss     float64
}

// NewTrainingSession creates a new training session with progress visualization
func NewTrainingSession(profile string, epochs, stepsPerEpoch int, out io.Writer) *TrainingSession {
	if out == nil {
		out = os.Stdout
	}
	return &TrainingSession{
		profile:       profile,
		epochs:        epochs,
		stepsPerEpoch: stepsPerEpoch,
		out:           out,
	}
}

// StartTraining prints the model before the first epoch.
func (ts *TrainingSession) StartTraining(spec *layers.ModelSpec, startEpoch int) {
	NewModelArchitecturePrinter(ts.profile, ts.out).PrintArchitecture(spec)
	fmt.Fprintf(ts.out, "Training %s from epoch %d of %d\n", ts.profile, startEpoch, ts.epochs)
}

// StartEpoch begins a new zero-based epoch.
func (ts *TrainingSession) StartEpoch(epoch int) {
	ts.currentEpoch = epoch
	description := fmt.Sprintf("Epoch %d/%d", epoch+1, ts.epochs)
	ts.trainProgress = NewProgressBar(description, ts.stepsPerEpoch, ts.out)
}

// UpdateTrainingProgress updates training progress
func (ts *TrainingSession) UpdateTrainingProgress(step int, loss float64) {
	ts.trainLoss = loss
	ts.trainProgress.Update(step, map[string]float64{"loss": loss})
}

// FinishTrainingEpoch completes the training phase of an epoch
func (ts *TrainingSession) FinishTrainingEpoch() {
	if ts.trainProgress != nil {
		ts.trainProgress.Finish()
	}
}

// PrintEpochSummary prints a summary of the completed epoch
func (ts *TrainingSession) PrintEpochSummary(avgLoss, mae, lr float64, elapsed time.Duration) {
	fmt.Fprintf(ts.out, "Epoch [%d/%d] Avg Loss: %.6f | MAE: %.6f | LR: %.6f | Time: %.1fs\n",
		ts.currentEpoch+1, ts.epochs, avgLoss, mae, lr, elapsed.Seconds())
}
