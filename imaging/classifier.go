package imaging

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"github.com/YuminosukeSato/respirex/sklearn/ensemble"
)

// Result is the class distribution for one image.
type Result struct {
	// Class is the most probable class and Confidence its probability.
	Class      string
	Confidence float64
	// Classes and Probabilities are parallel, in ImageClasses order.
	Classes       []string
	Probabilities []float64
	// Format is the decoded image format, e.g. "png".
	Format string
}

// Probability returns the probability of class.
func (r *Result) Probability(class string) (float64, bool) {
	for i, c := range r.Classes {
		if c == class {
			return r.Probabilities[i], true
		}
	}
	return 0, false
}

// Classifier runs the scan pipeline against a loaded network. It never
// changes the network's weights and is safe for concurrent use.
type Classifier struct {
	net    *Network
	cause  error
	logger log.Logger
}

// NewClassifier checks that net is a trained classifier over ImageClasses.
func NewClassifier(net *Network) (*Classifier, error) {
	if net == nil || !net.HasHead() {
		return nil, errors.NewValueError("imaging.NewClassifier", "network has no classification head")
	}
	classes := net.Classes()
	if len(classes) != len(ImageClasses) {
		return nil, errors.NewValueError("imaging.NewClassifier",
			fmt.Sprintf("network classes %v, expected %v", classes, ImageClasses))
	}
	for i := range classes {
		if classes[i] != ImageClasses[i] {
			return nil, errors.NewValueError("imaging.NewClassifier",
				fmt.Sprintf("network classes %v, expected %v", classes, ImageClasses))
		}
	}
	if net.InputShape() != InputShape {
		return nil, errors.NewValueError("imaging.NewClassifier",
			fmt.Sprintf("network input %v, expected %v", net.InputShape(), InputShape))
	}
	return &Classifier{net: net, logger: log.GetLoggerWithName("imaging.classifier")}, nil
}

// Unavailable returns a classifier that fails every request with cause.
func Unavailable(cause error) *Classifier {
	if cause == nil {
		cause = errors.New("no network loaded")
	}
	return &Classifier{cause: cause, logger: log.GetLoggerWithName("imaging.classifier")}
}

// LoadClassifier loads the network at path once. A failed load is logged and
// produces an unavailable classifier.
func LoadClassifier(path string) *Classifier {
	logger := log.GetLoggerWithName("imaging.classifier")
	net, err := LoadNetwork(path)
	if err == nil {
		var c *Classifier
		if c, err = NewClassifier(net); err == nil {
			logger.Info("Scan model loaded", log.ArtifactPathKey, path)
			return c
		}
	}
	logger.Error("Scan model unavailable", err,
		log.ArtifactPathKey, path,
		log.ErrorCodeKey, log.ErrorModelUnavailable,
	)
	return Unavailable(err)
}

// Available reports whether a network is loaded.
func (c *Classifier) Available() bool { return c.net != nil }

// Err returns the load failure of an unavailable classifier.
func (c *Classifier) Err() error {
	if c.Available() {
		return nil
	}
	return errors.NewModelUnavailableError(log.PipelineScan, c.cause)
}

// Classify decodes r and classifies it.
func (c *Classifier) Classify(r io.Reader) (*Result, error) {
	return c.classify(r, "")
}

// ClassifyFile classifies the image at path.
func (c *Classifier) ClassifyFile(path string) (*Result, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewImageDecodeError(path, err)
	}
	defer f.Close()
	return c.classify(bufio.NewReader(f), path)
}

func (c *Classifier) classify(r io.Reader, source string) (*Result, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	img, format, err := Decode(r, source)
	if err != nil {
		return nil, err
	}
	res, err := c.ClassifyTensor(FromImage(img))
	if err != nil {
		return nil, err
	}
	res.Format = format
	return res, nil
}

// ClassifyTensor runs the network on an already preprocessed input.
func (c *Classifier) ClassifyTensor(t *Tensor) (_ *Result, err error) {
	defer errors.Recover(&err, "imaging.Classifier.ClassifyTensor")

	if err := c.Err(); err != nil {
		return nil, err
	}
	out, err := c.net.Forward(t)
	if err != nil {
		return nil, err
	}
	if err := errors.CheckNumericalStability("imaging.Classifier", out.Data, 0); err != nil {
		return nil, err
	}

	best := ensemble.ArgMax(out.Data)
	res := &Result{
		Class:         c.net.classes[best],
		Confidence:    out.Data[best],
		Classes:       c.net.Classes(),
		Probabilities: append([]float64(nil), out.Data...),
	}
	c.logger.Debug("Scan classified",
		log.OperationKey, log.OperationPredict,
		log.LabelKey, res.Class,
		log.ConfidenceKey, res.Confidence,
	)
	return res, nil
}
