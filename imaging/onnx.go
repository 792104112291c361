package imaging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"github.com/owulveryck/onnx-go"
	"github.com/owulveryck/onnx-go/backend/x/gorgonnx"
	"gorgonia.org/tensor"
)

// ImageNet channel statistics, the normalization published vision
// checkpoints are trained with.
var (
	ImageNetMean = []float64{0.485, 0.456, 0.406}
	ImageNetStd  = []float64{0.229, 0.224, 0.225}
)

// ONNXBase runs a pretrained ONNX graph as a single frozen layer. The graph
// receives a 1×C×H×W float32 tensor and its first output, flattened, is the
// embedding. Runs are serialized because the gorgonia machine is stateful.
type ONNXBase struct {
	model     []byte
	input     Shape
	mean, std []float64
	outSize   int

	mu      sync.Mutex
	backend *gorgonnx.Graph
	graph   *onnx.Model
}

// NewONNXBase decodes model and runs it once on a zero image to learn the
// embedding size. mean and std hold one value per input channel.
func NewONNXBase(model []byte, input Shape, mean, std []float64) (*ONNXBase, error) {
	if len(model) == 0 {
		return nil, errors.NewValidationError("onnx.model", "must not be empty", 0)
	}
	if input.Size() <= 0 {
		return nil, errors.NewValidationError("onnx.input", "must be a positive shape", input)
	}
	if len(mean) != input.C {
		return nil, errors.NewDimensionError("ONNXBase.mean", input.C, len(mean), 0)
	}
	if len(std) != input.C {
		return nil, errors.NewDimensionError("ONNXBase.std", input.C, len(std), 0)
	}
	for _, s := range std {
		if s <= 0 {
			return nil, errors.NewValidationError("onnx.std", "must be positive", std)
		}
	}

	l := &ONNXBase{
		model: model,
		input: input,
		mean:  append([]float64(nil), mean...),
		std:   append([]float64(nil), std...),
	}
	l.backend = gorgonnx.NewGraph()
	l.graph = onnx.NewModel(l.backend)
	err := errors.SafeExecute("imaging.onnx.decode", func() error {
		return l.graph.UnmarshalBinary(model)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode ONNX model")
	}

	out, err := l.infer(make([]float32, input.Size()))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.NewValueError("imaging.ONNXBase", "ONNX graph produced an empty output")
	}
	l.outSize = len(out)
	return l, nil
}

// OutputShape implements Layer.
func (l *ONNXBase) OutputShape(in Shape) (Shape, error) {
	if in != l.input {
		return Shape{}, errors.NewValueError("ONNXBase", fmt.Sprintf("input %v, expected %v", in, l.input))
	}
	return Shape{H: 1, W: 1, C: l.outSize}, nil
}

// Forward implements Layer.
func (l *ONNXBase) Forward(in *Tensor) (*Tensor, error) {
	outShape, err := l.OutputShape(in.Shape)
	if err != nil {
		return nil, err
	}
	raw, err := l.infer(toNCHW(in, l.mean, l.std))
	if err != nil {
		return nil, err
	}
	if len(raw) != l.outSize {
		return nil, errors.NewDimensionError("ONNXBase.output", l.outSize, len(raw), 0)
	}
	out := NewTensor(outShape)
	for i, v := range raw {
		out.Data[i] = float64(v)
	}
	return out, nil
}

// Spec implements Layer. The model bytes are shared; nothing writes to them.
func (l *ONNXBase) Spec() LayerSpec {
	return LayerSpec{
		Kind:  KindONNX,
		Model: l.model,
		Input: l.input,
		Mean:  append([]float64(nil), l.mean...),
		Std:   append([]float64(nil), l.std...),
	}
}

func (l *ONNXBase) infer(data []float32) (out []float32, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err = errors.SafeExecute("imaging.onnx.run", func() error {
		in := tensor.New(
			tensor.WithShape(1, l.input.C, l.input.H, l.input.W),
			tensor.Of(tensor.Float32),
			tensor.WithBacking(data),
		)
		if err := l.graph.SetInput(0, in); err != nil {
			return errors.Wrap(err, "failed to bind ONNX input")
		}
		if err := l.backend.Run(); err != nil {
			return errors.Wrap(err, "failed to run ONNX graph")
		}
		outputs, err := l.graph.GetOutputTensors()
		if err != nil {
			return errors.Wrap(err, "failed to read ONNX output")
		}
		if len(outputs) == 0 {
			return errors.New("ONNX graph has no outputs")
		}
		values, ok := outputs[0].Data().([]float32)
		if !ok {
			return errors.Newf("ONNX output holds %T, expected []float32", outputs[0].Data())
		}
		out = append([]float32(nil), values...)
		return nil
	})
	return out, err
}

// toNCHW normalizes each channel and reorders an HWC tensor into the planar
// layout ONNX vision models take.
func toNCHW(in *Tensor, mean, std []float64) []float32 {
	C := in.Shape.C
	plane := in.Shape.H * in.Shape.W
	out := make([]float32, len(in.Data))
	for i, v := range in.Data {
		c := i % C
		out[c*plane+i/C] = float32((v - mean[c]) / std[c])
	}
	return out
}

// ONNXOption configures ImportONNX.
type ONNXOption func(*onnxOptions)

type onnxOptions struct {
	mean, std []float64
}

// WithONNXNormalization sets the per-channel mean and standard deviation the
// checkpoint was trained with. The default is ImageNet's.
func WithONNXNormalization(mean, std []float64) ONNXOption {
	return func(o *onnxOptions) {
		o.mean = mean
		o.std = std
	}
}

// ImportONNX wraps a pretrained ONNX checkpoint as a frozen base network. The
// graph must accept a 1×3×224×224 image batch.
func ImportONNX(path string, opts ...ONNXOption) (*Network, error) {
	o := onnxOptions{mean: ImageNetMean, std: ImageNetStd}
	for _, opt := range opts {
		opt(&o)
	}

	logger := log.GetLoggerWithName("imaging.onnx")
	start := time.Now()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model %s", path)
	}
	layer, err := NewONNXBase(b, InputShape, o.mean, o.std)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to import %s", path)
	}
	n, err := newFrozenNetwork(layer)
	if err != nil {
		return nil, err
	}

	logger.Info("Imported ONNX base",
		log.ArtifactPathKey, path,
		log.FeaturesKey, n.EmbeddingSize(),
		"model_bytes", len(b),
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return n, nil
}

// newFrozenNetwork builds a bare extractor around an already constructed
// layer so that the model is decoded only once.
func newFrozenNetwork(l Layer) (*Network, error) {
	shape, err := l.OutputShape(InputShape)
	if err != nil {
		return nil, err
	}
	return &Network{
		input:  InputShape,
		layers: []Layer{l},
		frozen: 1,
		shapes: []Shape{shape},
	}, nil
}

// LoadBase reads a frozen base: an ONNX checkpoint when path ends in .onnx,
// otherwise a network written by SaveNetwork.
func LoadBase(path string) (*Network, error) {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		return ImportONNX(path)
	}
	return LoadNetwork(path)
}
