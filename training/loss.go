package training

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	Forward(predicted, target *mat.Dense) (float64, error)
	Backward(predicted, target *mat.Dense) (*mat.Dense, error)
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

func checkSameShape(predicted, target *mat.Dense) error {
	pr, pc := predicted.Dims()
	tr, tc := target.Dims()
	if pr != tr || pc != tc {
		return fmt.Errorf("predicted (%dx%d) and target (%dx%d) must have the same shape", pr, pc, tr, tc)
	}
	return nil
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *mat.Dense) (float64, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return 0, err
	}

	var diff mat.Dense
	diff.Sub(predicted, target)

	sum := 0.0
	raw := diff.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		for _, v := range raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols] {
			sum += v * v
		}
	}

	if mse.reduction == "mean" {
		return sum / float64(raw.Rows*raw.Cols), nil
	}
	return sum, nil
}

// Backward returns dL/dpredicted: 2 * (y_pred - y_true), divided by N for the mean reduction.
func (mse *MSELoss) Backward(predicted, target *mat.Dense) (*mat.Dense, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return nil, err
	}

	grad := mat.NewDense(predicted.RawMatrix().Rows, predicted.RawMatrix().Cols, nil)
	grad.Sub(predicted, target)

	scale := 2.0
	if mse.reduction == "mean" {
		r, c := grad.Dims()
		scale /= float64(r * c)
	}
	grad.Scale(scale, grad)
	return grad, nil
}
