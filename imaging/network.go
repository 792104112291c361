package imaging

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/YuminosukeSato/respirex/core/model"
	"github.com/YuminosukeSato/respirex/pkg/errors"
)

// NetworkFormat tags every persisted network.
const NetworkFormat = "respirex.network/v1"

// NetworkSpec is the persisted form of a Network: architecture and weights.
type NetworkSpec struct {
	Format  string
	Input   Shape
	Classes []string
	Layers  []LayerSpec
	// Frozen is the number of leading layers that form the feature
	// extractor. Head training never changes them.
	Frozen int
}

// Network is an immutable stack of layers. A network without Classes is a
// bare feature extractor.
type Network struct {
	input   Shape
	classes []string
	layers  []Layer
	frozen  int
	shapes  []Shape
}

// NewNetwork builds a network from spec and checks that every layer accepts
// the previous layer's output. When Classes is set the last layer must be a
// softmax or normalized sigmoid Dense with one output per class.
func NewNetwork(spec NetworkSpec) (*Network, error) {
	if spec.Format != "" && spec.Format != NetworkFormat {
		return nil, errors.NewValueError("imaging.NewNetwork", fmt.Sprintf("unsupported format %q", spec.Format))
	}
	if spec.Input.Size() <= 0 {
		return nil, errors.NewValueError("imaging.NewNetwork", fmt.Sprintf("invalid input shape %v", spec.Input))
	}
	if len(spec.Layers) == 0 {
		return nil, errors.NewValueError("imaging.NewNetwork", "network has no layers")
	}
	if spec.Frozen < 0 || spec.Frozen > len(spec.Layers) {
		return nil, errors.NewValueError("imaging.NewNetwork",
			fmt.Sprintf("frozen prefix %d outside 0..%d", spec.Frozen, len(spec.Layers)))
	}

	n := &Network{
		input:   spec.Input,
		classes: append([]string(nil), spec.Classes...),
		frozen:  spec.Frozen,
		shapes:  make([]Shape, 0, len(spec.Layers)),
	}
	shape := spec.Input
	for i, ls := range spec.Layers {
		layer, err := BuildLayer(ls)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		shape, err = layer.OutputShape(shape)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d (%s)", i, ls.Kind)
		}
		n.layers = append(n.layers, layer)
		n.shapes = append(n.shapes, shape)
	}

	if len(n.classes) > 0 {
		last := spec.Layers[len(spec.Layers)-1]
		if last.Kind != KindDense || !probabilityActivation(last.Activation) || last.Out != len(n.classes) {
			return nil, errors.NewValueError("imaging.NewNetwork",
				fmt.Sprintf("classifier needs a probability dense layer with %d outputs", len(n.classes)))
		}
		if n.frozen == len(n.layers) {
			return nil, errors.NewValueError("imaging.NewNetwork", "classifier head must not be frozen")
		}
	}
	return n, nil
}

// NewDefaultBase returns the deterministic frozen feature extractor used for
// head training: three He-initialized conv blocks followed by global average
// pooling, producing a 32-value embedding for a 224×224×3 input.
func NewDefaultBase(seed int64) *Network {
	rng := rand.New(rand.NewSource(seed))
	layers := []Layer{
		HeConv2D(rng, 3, 8, 3, 2),
		ReLU{},
		MaxPool2D{Size: 2, Stride: 2},
		HeConv2D(rng, 8, 16, 3, 1),
		ReLU{},
		MaxPool2D{Size: 2, Stride: 2},
		HeConv2D(rng, 16, 32, 3, 1),
		ReLU{},
		GlobalAvgPool{},
	}
	spec := NetworkSpec{Format: NetworkFormat, Input: InputShape, Frozen: len(layers)}
	for _, l := range layers {
		spec.Layers = append(spec.Layers, l.Spec())
	}
	n, err := NewNetwork(spec)
	if err != nil {
		// the architecture above is fixed
		panic(err)
	}
	return n
}

// Spec returns a deep copy of the network's persisted form.
func (n *Network) Spec() NetworkSpec {
	spec := NetworkSpec{
		Format:  NetworkFormat,
		Input:   n.input,
		Classes: append([]string(nil), n.classes...),
		Frozen:  n.frozen,
	}
	for _, l := range n.layers {
		spec.Layers = append(spec.Layers, l.Spec())
	}
	return spec
}

// InputShape returns the expected input shape.
func (n *Network) InputShape() Shape { return n.input }

// Classes returns the class names, empty for a bare extractor.
func (n *Network) Classes() []string { return append([]string(nil), n.classes...) }

// HasHead reports whether the network ends in a classification head.
func (n *Network) HasHead() bool { return len(n.classes) > 0 }

// EmbeddingSize is the length of the frozen prefix's output.
func (n *Network) EmbeddingSize() int {
	if n.frozen == 0 {
		return n.input.Size()
	}
	return n.shapes[n.frozen-1].Size()
}

// Base returns the frozen prefix as a bare extractor.
func (n *Network) Base() *Network {
	if !n.HasHead() {
		return n
	}
	return &Network{
		input:  n.input,
		layers: n.layers[:n.frozen],
		frozen: n.frozen,
		shapes: n.shapes[:n.frozen],
	}
}

// WithHead returns a new network made of n's frozen prefix followed by head.
func (n *Network) WithHead(classes []string, head *Dense) (*Network, error) {
	base := n.Base()
	spec := base.Spec()
	spec.Classes = append([]string(nil), classes...)
	spec.Layers = append(spec.Layers, head.Spec())
	return NewNetwork(spec)
}

// Embed runs the frozen prefix.
func (n *Network) Embed(in *Tensor) ([]float64, error) {
	out, err := n.run(in, n.layers[:n.frozen])
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Forward runs every layer.
func (n *Network) Forward(in *Tensor) (*Tensor, error) {
	return n.run(in, n.layers)
}

func (n *Network) run(in *Tensor, layers []Layer) (*Tensor, error) {
	if in == nil || in.Shape != n.input || len(in.Data) != n.input.Size() {
		var got Shape
		if in != nil {
			got = in.Shape
		}
		return nil, errors.NewValueError("imaging.Network",
			fmt.Sprintf("input shape %v, expected %v", got, n.input))
	}
	t := in
	for i, l := range layers {
		var err error
		if t, err = l.Forward(t); err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
	}
	return t, nil
}

// WriteNetwork gob-encodes the network spec.
func WriteNetwork(w io.Writer, n *Network) error {
	return model.SaveModelToWriter(n.Spec(), w)
}

// ReadNetwork decodes and rebuilds a network written by WriteNetwork.
func ReadNetwork(r io.Reader) (*Network, error) {
	var spec NetworkSpec
	if err := model.LoadModelFromReader(&spec, r); err != nil {
		return nil, err
	}
	if spec.Format != NetworkFormat {
		return nil, errors.NewValueError("imaging.ReadNetwork", fmt.Sprintf("unsupported format %q", spec.Format))
	}
	return NewNetwork(spec)
}

// SaveNetwork atomically replaces path with the encoded network.
func SaveNetwork(n *Network, path string) error {
	return model.WriteFileAtomic(path, func(w io.Writer) error {
		return WriteNetwork(w, n)
	})
}

// LoadNetwork reads a network saved by SaveNetwork.
func LoadNetwork(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open network %s", path)
	}
	defer f.Close()

	n, err := ReadNetwork(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load network %s", path)
	}
	return n, nil
}
