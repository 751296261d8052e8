package layers

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Parameter is a learnable tensor stored as a matrix. Dense weights are
// (out, in); biases are (1, out).
type Parameter struct {
	Name  string
	Shape []int
	Value *mat.Dense
	Grad  *mat.Dense
}

// Len returns the number of elements in the parameter.
func (p *Parameter) Len() int {
	r, c := p.Value.Dims()
	return r * c
}

// Float32s copies the parameter values out in row-major order.
func (p *Parameter) Float32s() []float32 {
	raw := p.Value.RawMatrix()
	out := make([]float32, 0, p.Len())
	for i := 0; i < raw.Rows; i++ {
		for _, v := range raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols] {
			out = append(out, float32(v))
		}
	}
	return out
}

// SetFloat32s overwrites the parameter values from row-major data.
func (p *Parameter) SetFloat32s(data []float32) error {
	r, c := p.Value.Dims()
	if len(data) != r*c {
		return fmt.Errorf("parameter %s: expected %d values, got %d", p.Name, r*c, len(data))
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			p.Value.Set(i, j, float64(data[i*c+j]))
		}
	}
	return nil
}

type layer interface {
	forward(x *mat.Dense) *mat.Dense
	backward(grad *mat.Dense) *mat.Dense
	params() []*Parameter
}

// Network executes a compiled ModelSpec on the CPU. Inputs are (pixels, channels)
// matrices. A Network caches activations between Forward and Backward and is
// not safe for concurrent use.
type Network struct {
	spec   *ModelSpec
	layers []layer
	params []*Parameter
}

// NewNetwork allocates and initializes the parameters of spec. Weights and biases
// are drawn from U(-1/sqrt(fan_in), 1/sqrt(fan_in)); seed 0 uses fresh entropy.
func NewNetwork(spec *ModelSpec, seed uint64) (*Network, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}

	var rng *rand.Rand
	if seed == 0 {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	} else {
		rng = rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	}

	n := &Network{spec: spec}
	for _, ls := range spec.Layers {
		var l layer
		switch ls.Type {
		case Dense:
			in := intParam(ls.Parameters, "input_size", 0)
			out := intParam(ls.Parameters, "output_size", 0)
			if in <= 0 || out <= 0 {
				return nil, fmt.Errorf("layer %s: invalid dense shape %dx%d", ls.Name, out, in)
			}
			l = newDenseLayer(ls.Name, in, out, boolParam(ls.Parameters, "use_bias", true), rng)
		case ReLU:
			l = &activationLayer{kind: ReLU}
		case LeakyReLU:
			l = &activationLayer{kind: LeakyReLU, slope: float64(floatParam(ls.Parameters, "negative_slope", 0.01))}
		case Sigmoid:
			l = &activationLayer{kind: Sigmoid}
		case Tanh:
			l = &activationLayer{kind: Tanh}
		default:
			return nil, fmt.Errorf("layer %s: unsupported type %s", ls.Name, ls.Type)
		}
		n.layers = append(n.layers, l)
		n.params = append(n.params, l.params()...)
	}
	return n, nil
}

// Spec returns the model specification the network was built from.
func (n *Network) Spec() *ModelSpec {
	return n.spec
}

// Parameters returns the learnable parameters in layer order.
func (n *Network) Parameters() []*Parameter {
	return n.params
}

// Parameter looks up a parameter by name, e.g. "enc1.weight".
func (n *Network) Parameter(name string) (*Parameter, bool) {
	for _, p := range n.params {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Forward runs x through every layer.
func (n *Network) Forward(x *mat.Dense) (*mat.Dense, error) {
	if _, c := x.Dims(); c != n.spec.InputShape[0] {
		return nil, fmt.Errorf("input has %d channels, model expects %d", c, n.spec.InputShape[0])
	}
	out := x
	for _, l := range n.layers {
		out = l.forward(out)
	}
	return out, nil
}

// Backward propagates the loss gradient with respect to the last Forward output
// and stores parameter gradients in each Parameter.Grad.
func (n *Network) Backward(grad *mat.Dense) error {
	if len(n.layers) == 0 {
		return nil
	}
	if _, c := grad.Dims(); c != n.spec.OutputShape[0] {
		return fmt.Errorf("gradient has %d channels, model outputs %d", c, n.spec.OutputShape[0])
	}
	g := grad
	for i := len(n.layers) - 1; i >= 0; i-- {
		g = n.layers[i].backward(g)
	}
	return nil
}

// ZeroGrad clears all parameter gradients.
func (n *Network) ZeroGrad() {
	for _, p := range n.params {
		p.Grad.Zero()
	}
}

type denseLayer struct {
	weight *Parameter
	bias   *Parameter
	input  *mat.Dense
}

func newDenseLayer(name string, in, out int, useBias bool, rng *rand.Rand) *denseLayer {
	bound := 1 / math.Sqrt(float64(in))
	uniform := func(n int) []float64 {
		data := make([]float64, n)
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * bound
		}
		return data
	}

	d := &denseLayer{
		weight: &Parameter{
			Name:  name + ".weight",
			Shape: []int{out, in},
			Value: mat.NewDense(out, in, uniform(out*in)),
			Grad:  mat.NewDense(out, in, nil),
		},
	}
	if useBias {
		d.bias = &Parameter{
			Name:  name + ".bias",
			Shape: []int{out},
			Value: mat.NewDense(1, out, uniform(out)),
			Grad:  mat.NewDense(1, out, nil),
		}
	}
	return d
}

func (d *denseLayer) params() []*Parameter {
	if d.bias == nil {
		return []*Parameter{d.weight}
	}
	return []*Parameter{d.weight, d.bias}
}

func (d *denseLayer) forward(x *mat.Dense) *mat.Dense {
	d.input = x
	rows, _ := x.Dims()
	out, _ := d.weight.Value.Dims()

	y := mat.NewDense(rows, out, nil)
	y.Mul(x, d.weight.Value.T())
	if d.bias != nil {
		b := d.bias.Value.RawRowView(0)
		for i := 0; i < rows; i++ {
			row := y.RawRowView(i)
			for j := range row {
				row[j] += b[j]
			}
		}
	}
	return y
}

func (d *denseLayer) backward(grad *mat.Dense) *mat.Dense {
	d.weight.Grad.Mul(grad.T(), d.input)
	if d.bias != nil {
		gb := d.bias.Grad.RawRowView(0)
		for j := range gb {
			gb[j] = 0
		}
		rows, _ := grad.Dims()
		for i := 0; i < rows; i++ {
			for j, v := range grad.RawRowView(i) {
				gb[j] += v
			}
		}
	}

	rows, _ := grad.Dims()
	_, in := d.weight.Value.Dims()
	dx := mat.NewDense(rows, in, nil)
	dx.Mul(grad, d.weight.Value)
	return dx
}

type activationLayer struct {
	kind   LayerType
	slope  float64
	input  *mat.Dense
	output *mat.Dense
}

func (a *activationLayer) params() []*Parameter { return nil }

func (a *activationLayer) forward(x *mat.Dense) *mat.Dense {
	a.input = x
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 {
		switch a.kind {
		case ReLU:
			return math.Max(v, 0)
		case LeakyReLU:
			if v < 0 {
				return a.slope * v
			}
			return v
		case Sigmoid:
			return 1 / (1 + math.Exp(-v))
		default:
			return math.Tanh(v)
		}
	}, x)
	a.output = &y
	return &y
}

func (a *activationLayer) backward(grad *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, g float64) float64 {
		switch a.kind {
		case ReLU:
			if a.input.At(i, j) > 0 {
				return g
			}
			return 0
		case LeakyReLU:
			if a.input.At(i, j) < 0 {
				return a.slope * g
			}
			return g
		case Sigmoid:
			s := a.output.At(i, j)
			return g * s * (1 - s)
		default:
			t := a.output.At(i, j)
			return g * (1 - t*t)
		}
	}, grad)
	return &dx
}
