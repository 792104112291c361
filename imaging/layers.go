package imaging

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/YuminosukeSato/respirex/core/parallel"
	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/sklearn/linear_model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Layer kinds stored in LayerSpec.Kind.
const (
	KindConv2D        = "conv2d"
	KindReLU          = "relu"
	KindMaxPool2D     = "maxpool2d"
	KindGlobalAvgPool = "global_avg_pool"
	KindDense         = "dense"
	KindONNX          = "onnx"
)

// Padding modes for Conv2D.
const (
	PaddingSame  = "same"
	PaddingValid = "valid"
)

// Dense activations. ActivationNormalizedSigmoid is the probability map of a
// one-vs-rest head.
const (
	ActivationLinear            = "linear"
	ActivationSoftmax           = "softmax"
	ActivationNormalizedSigmoid = "normalized_sigmoid"
)

// probabilityActivation reports whether a dense layer with this activation
// emits class probabilities.
func probabilityActivation(a string) bool {
	return a == ActivationSoftmax || a == ActivationNormalizedSigmoid
}

// Layer is one step of the network. Layers are immutable after construction
// and safe for concurrent Forward calls.
type Layer interface {
	Forward(in *Tensor) (*Tensor, error)
	OutputShape(in Shape) (Shape, error)
	Spec() LayerSpec
}

// LayerSpec is the serializable form of a layer. Only the fields relevant to
// Kind are set.
type LayerSpec struct {
	Kind string

	// conv2d, maxpool2d
	Kernel  int
	Stride  int
	Padding string

	// conv2d
	InChannels int
	Filters    int

	// dense
	In         int
	Out        int
	Activation string

	// conv2d: Kernel*Kernel*InChannels*Filters in (ky, kx, channel, filter)
	// order. dense: Out*In in row-major (output, input) order.
	Weights []float64
	Bias    []float64

	// onnx: the serialized graph, the HWC shape it is fed and the
	// per-channel normalization applied before the NCHW conversion.
	Model     []byte
	Input     Shape
	Mean, Std []float64
}

// BuildLayer turns a spec back into a layer, checking weight sizes.
func BuildLayer(s LayerSpec) (Layer, error) {
	switch s.Kind {
	case KindConv2D:
		return NewConv2D(s.InChannels, s.Filters, s.Kernel, s.Stride, s.Padding, s.Weights, s.Bias)
	case KindReLU:
		return ReLU{}, nil
	case KindMaxPool2D:
		if s.Kernel < 1 || s.Stride < 1 {
			return nil, errors.NewValidationError("maxpool2d", "kernel and stride must be positive", s.Kernel)
		}
		return MaxPool2D{Size: s.Kernel, Stride: s.Stride}, nil
	case KindGlobalAvgPool:
		return GlobalAvgPool{}, nil
	case KindDense:
		return NewDense(s.In, s.Out, s.Activation, s.Weights, s.Bias)
	case KindONNX:
		return NewONNXBase(s.Model, s.Input, s.Mean, s.Std)
	default:
		return nil, errors.NewValidationError("layer.kind", "unknown layer", s.Kind)
	}
}

// Conv2D is a 2-D convolution over HWC tensors, computed as an im2col
// product against a (kernel·kernel·inC) × filters weight matrix.
type Conv2D struct {
	inC, filters, kernel, stride int
	padding                      string
	weights, bias                []float64
	w                            *mat.Dense
}

// NewConv2D validates the hyperparameters and weight sizes.
func NewConv2D(inC, filters, kernel, stride int, padding string, weights, bias []float64) (*Conv2D, error) {
	if inC < 1 || filters < 1 || kernel < 1 || stride < 1 {
		return nil, errors.NewValidationError("conv2d",
			"channels, filters, kernel and stride must be positive", []int{inC, filters, kernel, stride})
	}
	if padding != PaddingSame && padding != PaddingValid {
		return nil, errors.NewValidationError("conv2d.padding", "must be same or valid", padding)
	}
	if want := kernel * kernel * inC * filters; len(weights) != want {
		return nil, errors.NewDimensionError("Conv2D.weights", want, len(weights), 0)
	}
	if len(bias) != filters {
		return nil, errors.NewDimensionError("Conv2D.bias", filters, len(bias), 0)
	}
	c := &Conv2D{
		inC: inC, filters: filters, kernel: kernel, stride: stride, padding: padding,
		weights: append([]float64(nil), weights...),
		bias:    append([]float64(nil), bias...),
	}
	c.w = mat.NewDense(kernel*kernel*inC, filters, c.weights)
	return c, nil
}

// HeConv2D builds a conv layer with He-normal weights and zero bias.
func HeConv2D(rng *rand.Rand, inC, filters, kernel, stride int) *Conv2D {
	n := kernel * kernel * inC * filters
	std := math.Sqrt(2.0 / float64(kernel*kernel*inC))
	w := make([]float64, n)
	for i := range w {
		w[i] = rng.NormFloat64() * std
	}
	c, _ := NewConv2D(inC, filters, kernel, stride, PaddingSame, w, make([]float64, filters))
	return c
}

func (c *Conv2D) outDim(in int) (out, pad int) {
	if c.padding == PaddingValid {
		return (in-c.kernel)/c.stride + 1, 0
	}
	out = (in + c.stride - 1) / c.stride
	total := (out-1)*c.stride + c.kernel - in
	if total < 0 {
		total = 0
	}
	return out, total / 2
}

// OutputShape implements Layer.
func (c *Conv2D) OutputShape(in Shape) (Shape, error) {
	if in.C != c.inC {
		return Shape{}, errors.NewDimensionError("Conv2D", c.inC, in.C, 2)
	}
	h, _ := c.outDim(in.H)
	w, _ := c.outDim(in.W)
	if h < 1 || w < 1 {
		return Shape{}, errors.NewValueError("Conv2D", fmt.Sprintf("input %v is smaller than the kernel", in))
	}
	return Shape{H: h, W: w, C: c.filters}, nil
}

// Forward implements Layer.
func (c *Conv2D) Forward(in *Tensor) (*Tensor, error) {
	outShape, err := c.OutputShape(in.Shape)
	if err != nil {
		return nil, err
	}
	_, padTop := c.outDim(in.Shape.H)
	_, padLeft := c.outDim(in.Shape.W)
	out := NewTensor(outShape)
	H, W, C, F := in.Shape.H, in.Shape.W, in.Shape.C, c.filters
	patch := c.kernel * c.kernel * C

	// Each band of output rows gets its own patch matrix; padding stays zero.
	parallel.ParallelizeWithThreshold(outShape.H, 8, func(start, end int) {
		rows := (end - start) * outShape.W
		if rows == 0 {
			return
		}
		cols := make([]float64, rows*patch)
		for oy := start; oy < end; oy++ {
			for ox := 0; ox < outShape.W; ox++ {
				p := cols[((oy-start)*outShape.W+ox)*patch:]
				for ky := 0; ky < c.kernel; ky++ {
					iy := oy*c.stride + ky - padTop
					if iy < 0 || iy >= H {
						continue
					}
					for kx := 0; kx < c.kernel; kx++ {
						ix := ox*c.stride + kx - padLeft
						if ix < 0 || ix >= W {
							continue
						}
						copy(p[(ky*c.kernel+kx)*C:(ky*c.kernel+kx+1)*C], in.Data[(iy*W+ix)*C:(iy*W+ix+1)*C])
					}
				}
			}
		}
		dst := mat.NewDense(rows, F, out.Data[start*outShape.W*F:end*outShape.W*F])
		dst.Mul(mat.NewDense(rows, patch, cols), c.w)
		for r := 0; r < rows; r++ {
			floats.Add(dst.RawRowView(r), c.bias)
		}
	})
	return out, nil
}

// Spec implements Layer.
func (c *Conv2D) Spec() LayerSpec {
	return LayerSpec{
		Kind: KindConv2D, Kernel: c.kernel, Stride: c.stride, Padding: c.padding,
		InChannels: c.inC, Filters: c.filters,
		Weights: append([]float64(nil), c.weights...),
		Bias:    append([]float64(nil), c.bias...),
	}
}

// ReLU clamps negative values to zero.
type ReLU struct{}

// OutputShape implements Layer.
func (ReLU) OutputShape(in Shape) (Shape, error) { return in, nil }

// Forward implements Layer.
func (ReLU) Forward(in *Tensor) (*Tensor, error) {
	out := NewTensor(in.Shape)
	for i, v := range in.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out, nil
}

// Spec implements Layer.
func (ReLU) Spec() LayerSpec { return LayerSpec{Kind: KindReLU} }

// MaxPool2D takes the maximum over Size × Size windows. Partial windows at
// the border are dropped.
type MaxPool2D struct {
	Size, Stride int
}

// OutputShape implements Layer.
func (m MaxPool2D) OutputShape(in Shape) (Shape, error) {
	h := (in.H-m.Size)/m.Stride + 1
	w := (in.W-m.Size)/m.Stride + 1
	if in.H < m.Size || in.W < m.Size {
		return Shape{}, errors.NewValueError("MaxPool2D", fmt.Sprintf("input %v is smaller than the window", in))
	}
	return Shape{H: h, W: w, C: in.C}, nil
}

// Forward implements Layer.
func (m MaxPool2D) Forward(in *Tensor) (*Tensor, error) {
	outShape, err := m.OutputShape(in.Shape)
	if err != nil {
		return nil, err
	}
	out := NewTensor(outShape)
	C := in.Shape.C
	for oy := 0; oy < outShape.H; oy++ {
		for ox := 0; ox < outShape.W; ox++ {
			for c := 0; c < C; c++ {
				best := math.Inf(-1)
				for ky := 0; ky < m.Size; ky++ {
					for kx := 0; kx < m.Size; kx++ {
						if v := in.At(oy*m.Stride+ky, ox*m.Stride+kx, c); v > best {
							best = v
						}
					}
				}
				out.Set(oy, ox, c, best)
			}
		}
	}
	return out, nil
}

// Spec implements Layer.
func (m MaxPool2D) Spec() LayerSpec {
	return LayerSpec{Kind: KindMaxPool2D, Kernel: m.Size, Stride: m.Stride}
}

// GlobalAvgPool averages every channel over the spatial dimensions.
type GlobalAvgPool struct{}

// OutputShape implements Layer.
func (GlobalAvgPool) OutputShape(in Shape) (Shape, error) {
	return Shape{H: 1, W: 1, C: in.C}, nil
}

// Forward implements Layer.
func (GlobalAvgPool) Forward(in *Tensor) (*Tensor, error) {
	out := NewTensor(Shape{H: 1, W: 1, C: in.Shape.C})
	C := in.Shape.C
	n := float64(in.Shape.H * in.Shape.W)
	for i, v := range in.Data {
		out.Data[i%C] += v
	}
	for c := range out.Data {
		out.Data[c] /= n
	}
	return out, nil
}

// Spec implements Layer.
func (GlobalAvgPool) Spec() LayerSpec { return LayerSpec{Kind: KindGlobalAvgPool} }

// Dense is a fully connected layer over a flattened input.
type Dense struct {
	in, out       int
	activation    string
	weights, bias []float64
	w             *mat.Dense
}

// NewDense validates the sizes. weights holds out rows of in values.
func NewDense(in, out int, activation string, weights, bias []float64) (*Dense, error) {
	if in < 1 || out < 1 {
		return nil, errors.NewValidationError("dense", "in and out must be positive", []int{in, out})
	}
	if activation != ActivationLinear && !probabilityActivation(activation) {
		return nil, errors.NewValidationError("dense.activation",
			"must be linear, softmax or normalized_sigmoid", activation)
	}
	if len(weights) != in*out {
		return nil, errors.NewDimensionError("Dense.weights", in*out, len(weights), 0)
	}
	if len(bias) != out {
		return nil, errors.NewDimensionError("Dense.bias", out, len(bias), 0)
	}
	d := &Dense{
		in: in, out: out, activation: activation,
		weights: append([]float64(nil), weights...),
		bias:    append([]float64(nil), bias...),
	}
	d.w = mat.NewDense(out, in, d.weights)
	return d, nil
}

// OutputShape implements Layer.
func (d *Dense) OutputShape(in Shape) (Shape, error) {
	if in.Size() != d.in {
		return Shape{}, errors.NewDimensionError("Dense", d.in, in.Size(), 0)
	}
	return Shape{H: 1, W: 1, C: d.out}, nil
}

// Forward implements Layer.
func (d *Dense) Forward(in *Tensor) (*Tensor, error) {
	outShape, err := d.OutputShape(in.Shape)
	if err != nil {
		return nil, err
	}
	z := make([]float64, d.out)
	mat.NewVecDense(d.out, z).MulVec(d.w, mat.NewVecDense(d.in, in.Data))
	floats.Add(z, d.bias)
	switch d.activation {
	case ActivationSoftmax:
		z = errors.Softmax(z)
	case ActivationNormalizedSigmoid:
		z = linear_model.NormalizedSigmoid(z)
	}
	return &Tensor{Shape: outShape, Data: z}, nil
}

// Spec implements Layer.
func (d *Dense) Spec() LayerSpec {
	return LayerSpec{
		Kind: KindDense, In: d.in, Out: d.out, Activation: d.activation,
		Weights: append([]float64(nil), d.weights...),
		Bias:    append([]float64(nil), d.bias...),
	}
}
