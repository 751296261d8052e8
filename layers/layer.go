package layers

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// LayerType enumerates the layers a surrogate can be built from.
type LayerType int

const (
	// Dense is applied pointwise: every pixel's channel vector goes through the
	// same affine map, equivalent to a 1x1 convolution.
	Dense LayerType = iota
	ReLU
	LeakyReLU
	Sigmoid
	Tanh
)

var layerTypeNames = map[LayerType]string{
	Dense:     "Dense",
	ReLU:      "ReLU",
	LeakyReLU: "LeakyReLU",
	Sigmoid:   "Sigmoid",
	Tanh:      "Tanh",
}

func (lt LayerType) String() string {
	if name, ok := layerTypeNames[lt]; ok {
		return name
	}
	return "Unknown"
}

// activation reports whether lt has no parameters and keeps the channel count.
func (lt LayerType) activation() bool {
	return lt == ReLU || lt == LeakyReLU || lt == Sigmoid || lt == Tanh
}

// LayerSpec is one layer's configuration. Shapes and parameter metadata are
// filled in by Compile.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	InputShape      []int   `json:"input_shape,omitempty"`
	OutputShape     []int   `json:"output_shape,omitempty"`
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec is a compiled stack of layers. Shapes are per pixel: [channels].
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// DenseSpec declares a pointwise dense layer with an explicit input size.
// Compile rejects it if the incoming channel count differs.
func DenseSpec(name string, inputSize, outputSize int, useBias bool) LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"input_size":  inputSize,
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
}

// ActivationSpec declares a parameter-free activation layer.
func ActivationSpec(kind LayerType, name string) LayerSpec {
	return LayerSpec{Type: kind, Name: name, Parameters: map[string]interface{}{}}
}

// ModelBuilder accumulates layers for Compile.
type ModelBuilder struct {
	channels int
	layers   []LayerSpec
}

// NewModelBuilder starts a model for pixels with the given channel count.
func NewModelBuilder(channels int) *ModelBuilder {
	return &ModelBuilder{channels: channels}
}

// AddLayer appends layer as is.
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense appends a dense layer whose input size is taken from the previous layer.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Dense,
		Name:       name,
		Parameters: map[string]interface{}{"output_size": outputSize, "use_bias": useBias},
	})
}

func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(ActivationSpec(ReLU, name))
}

func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	spec := ActivationSpec(LeakyReLU, name)
	spec.Parameters["negative_slope"] = negativeSlope
	return mb.AddLayer(spec)
}

func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(ActivationSpec(Sigmoid, name))
}

func (mb *ModelBuilder) AddTanh(name string) *ModelBuilder {
	return mb.AddLayer(ActivationSpec(Tanh, name))
}

// Compile resolves every layer's shapes and parameter tensors. Layer names
// must be unique and free of dots and spaces since parameters are addressed as
// "<layer>.<kind>".
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if mb.channels <= 0 {
		return nil, fmt.Errorf("input channels must be positive, got %d", mb.channels)
	}

	model := &ModelSpec{
		Layers:     append([]LayerSpec(nil), mb.layers...),
		InputShape: []int{mb.channels},
	}

	width := mb.channels
	seen := make(map[string]bool, len(model.Layers))
	for i := range model.Layers {
		layer := &model.Layers[i]
		switch {
		case layer.Name == "" || strings.ContainsAny(layer.Name, ". "):
			return nil, fmt.Errorf("layer %d: invalid name %q", i, layer.Name)
		case seen[layer.Name]:
			return nil, fmt.Errorf("layer %d: duplicate name %q", i, layer.Name)
		}
		seen[layer.Name] = true

		out, err := resolveLayer(layer, width)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.Name, err)
		}
		model.ParameterShapes = append(model.ParameterShapes, layer.ParameterShapes...)
		model.TotalParameters += layer.ParameterCount
		width = out
	}

	model.OutputShape = []int{width}
	model.Compiled = true
	return model, nil
}

// resolveLayer fills layer's shapes for an input of width channels and returns
// its output width.
func resolveLayer(layer *LayerSpec, width int) (int, error) {
	layer.InputShape = []int{width}
	if layer.Type.activation() {
		layer.OutputShape = []int{width}
		layer.ParameterShapes = nil
		layer.ParameterCount = 0
		return width, nil
	}
	if layer.Type != Dense {
		return 0, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}

	out := intParam(layer.Parameters, "output_size", 0)
	if out <= 0 {
		return 0, fmt.Errorf("dense layer requires positive output_size")
	}
	if declared := intParam(layer.Parameters, "input_size", width); declared != width {
		return 0, fmt.Errorf("declared input_size %d does not match incoming %d", declared, width)
	}
	if layer.Parameters == nil {
		layer.Parameters = make(map[string]interface{})
	}
	layer.Parameters["input_size"] = width

	layer.ParameterShapes = [][]int{{out, width}}
	layer.ParameterCount = int64(out * width)
	if boolParam(layer.Parameters, "use_bias", true) {
		layer.ParameterShapes = append(layer.ParameterShapes, []int{out})
		layer.ParameterCount += int64(out)
	}
	layer.OutputShape = []int{out}
	return out, nil
}

// EncoderDecoder compiles the surrogate renderer: a pointwise encoder narrowing
// channels down to bottleneck and a mirrored decoder with a linear RGB output.
func EncoderDecoder(channels, hidden, bottleneck int) (*ModelSpec, error) {
	if hidden <= 0 || bottleneck <= 0 {
		return nil, fmt.Errorf("hidden (%d) and bottleneck (%d) must be positive", hidden, bottleneck)
	}
	return NewModelBuilder(channels).
		AddDense(hidden, true, "enc1").
		AddReLU("enc1_act").
		AddDense(bottleneck, true, "enc2").
		AddReLU("enc2_act").
		AddDense(hidden, true, "dec1").
		AddReLU("dec1_act").
		AddDense(channels, true, "out").
		Compile()
}

// Summary renders one row per layer followed by the parameter total.
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "model not compiled"
	}

	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LAYER\tTYPE\tIN\tOUT\tPARAMS")
	for _, l := range ms.Layers {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%v\t%d\n", l.Name, l.Type, l.InputShape, l.OutputShape, l.ParameterCount)
	}
	tw.Flush()
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	return sb.String()
}

// Parameter maps decoded from JSON checkpoints carry float64 numbers, so the
// numeric lookups accept both Go and JSON representations.

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func boolParam(params map[string]interface{}, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

func floatParam(params map[string]interface{}, key string, def float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return def
}
