package training

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegressionMetrics holds comprehensive regression evaluation metrics
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared
	NMAE float64 // Normalized Mean Absolute Error
}

// CalculateRegressionMetrics computes regression metrics over the first n
// values of predictions and trueValues.
func CalculateRegressionMetrics(
	predictions []float32,
	trueValues []float32,
	n int,
) *RegressionMetrics {
	if n <= 0 || len(predictions) < n || len(trueValues) < n {
		return &RegressionMetrics{}
	}

	// Calculate mean of true values for R²
	meanTrue := 0.0
	for i := 0; i < n; i++ {
		meanTrue += float64(trueValues[i])
	}
	meanTrue /= float64(n)

	sumAbsErr := 0.0
	sumSqErr := 0.0
	sumSqTotal := 0.0
	minTrue := math.Inf(1)
	maxTrue := math.Inf(-1)

	for i := 0; i < n; i++ {
		pred := float64(predictions[i])
		actual := float64(trueValues[i])

		diff := pred - actual
		sumAbsErr += math.Abs(diff)
		sumSqErr += diff * diff
		sumSqTotal += (actual - meanTrue) * (actual - meanTrue)

		minTrue = math.Min(minTrue, actual)
		maxTrue = math.Max(maxTrue, actual)
	}

	mae := sumAbsErr / float64(n)
	mse := sumSqErr / float64(n)

	// R² calculation
	r2 := 0.0
	if sumSqTotal > 0 {
		r2 = 1.0 - (sumSqErr / sumSqTotal)
	}

	// Normalized MAE (scale by range)
	nmae := 0.0
	if maxTrue > minTrue {
		nmae = mae / (maxTrue - minTrue)
	}

	return &RegressionMetrics{
		MAE:  mae,
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		R2:   r2,
		NMAE: nmae,
	}
}

// Metrics are the prometheus collectors updated while training.
type Metrics struct {
	EpochsCompleted    *prometheus.CounterVec
	EpochDuration      *prometheus.HistogramVec
	EpochLoss          *prometheus.GaugeVec
	LearningRate       *prometheus.GaugeVec
	SamplesProcessed   *prometheus.CounterVec
	CheckpointSaves    *prometheus.CounterVec
	CheckpointDuration *prometheus.HistogramVec
	ProfileOutcomes    *prometheus.CounterVec
}

// NewMetrics registers the training collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EpochsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rendermap_epochs_completed_total",
			Help: "Training epochs finished per profile",
		}, []string{"profile"}),
		EpochDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rendermap_epoch_duration_seconds",
			Help:    "Wall time of one training epoch",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"profile"}),
		EpochLoss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rendermap_epoch_loss",
			Help: "Mean MSE loss of the most recent epoch",
		}, []string{"profile"}),
		LearningRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rendermap_learning_rate",
			Help: "Learning rate used by the most recent epoch",
		}, []string{"profile"}),
		SamplesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rendermap_samples_processed_total",
			Help: "Training samples consumed per profile",
		}, []string{"profile"}),
		CheckpointSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rendermap_checkpoint_saves_total",
			Help: "Checkpoint save attempts by kind and status",
		}, []string{"profile", "kind", "status"}),
		CheckpointDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rendermap_checkpoint_save_duration_seconds",
			Help:    "Time to write and rename a checkpoint",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"status"}),
		ProfileOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rendermap_profile_outcomes_total",
			Help: "Per-profile run outcomes",
		}, []string{"outcome"}),
	}
}
