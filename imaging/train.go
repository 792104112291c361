package imaging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/YuminosukeSato/respirex/core/parallel"
	"github.com/YuminosukeSato/respirex/metrics"
	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"github.com/YuminosukeSato/respirex/preprocessing"
	"github.com/YuminosukeSato/respirex/sklearn/ensemble"
	"github.com/YuminosukeSato/respirex/sklearn/linear_model"
	"gonum.org/v1/gonum/mat"
)

// ImageClasses are the scan classes in label order. Class directories sort to
// the same order.
var ImageClasses = []string{"Benign", "Malignant", "Normal"}

// Partition directory names accepted under the corpus root.
var (
	trainDirs    = []string{"train"}
	validateDirs = []string{"validate", "val", "validation"}
)

// Dataset lists labelled image files.
type Dataset struct {
	Paths  []string
	Labels []int
}

// Len returns the number of images.
func (d *Dataset) Len() int { return len(d.Paths) }

// ReadImageDir lists dir/<class>/* for every class in classes. Labels are
// indices into classes. Hidden files are skipped; every class directory must
// exist and hold at least one file.
func ReadImageDir(dir string, classes []string) (*Dataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", dir)
	}
	known := make(map[string]bool, len(classes))
	for _, c := range classes {
		known[c] = true
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") && !known[e.Name()] {
			return nil, errors.NewDataIntegrityError(0, e.Name(), dir,
				fmt.Sprintf("unexpected class directory, expected %s", strings.Join(classes, ", ")))
		}
	}

	ds := &Dataset{}
	for label, class := range classes {
		classDir := filepath.Join(dir, class)
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.NewDataIntegrityError(0, class, dir, "class directory is missing")
		}
		names := make([]string, 0, len(files))
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			names = append(names, f.Name())
		}
		if len(names) == 0 {
			return nil, errors.NewDataIntegrityError(0, class, classDir, "class directory has no images")
		}
		sort.Strings(names)
		for _, name := range names {
			ds.Paths = append(ds.Paths, filepath.Join(classDir, name))
			ds.Labels = append(ds.Labels, label)
		}
	}
	return ds, nil
}

// OpenCorpus finds the training and validation partitions under root.
func OpenCorpus(root string) (train, validate *Dataset, err error) {
	trainDir, err := findPartition(root, trainDirs)
	if err != nil {
		return nil, nil, err
	}
	validateDir, err := findPartition(root, validateDirs)
	if err != nil {
		return nil, nil, err
	}
	if train, err = ReadImageDir(trainDir, ImageClasses); err != nil {
		return nil, nil, err
	}
	if validate, err = ReadImageDir(validateDir, ImageClasses); err != nil {
		return nil, nil, err
	}
	return train, validate, nil
}

func findPartition(root string, names []string) (string, error) {
	for _, name := range names {
		dir := filepath.Join(root, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", errors.NewDataIntegrityError(0, names[0], root,
		fmt.Sprintf("partition directory is missing (tried %s)", strings.Join(names, ", ")))
}

// TrainConfig controls head training.
type TrainConfig struct {
	// Epochs is the maximum number of full-batch gradient steps.
	Epochs int
	// LearningRate is the initial step size.
	LearningRate float64
	// C is the inverse L2 regularization strength.
	C float64
	// MultiClass is "multinomial" for one softmax head or "ovr" for one
	// sigmoid per class.
	MultiClass string
	Seed       int64
	Workers    int
}

// DefaultTrainConfig returns a multinomial head, 500 epochs, step 1.0, C 1.0
// and seed 42.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{Epochs: 500, LearningRate: 1.0, C: 1.0, MultiClass: "multinomial", Seed: 42}
}

// TrainResult is the outcome of TrainHead.
type TrainResult struct {
	Network            *Network
	TrainSamples       int
	ValidationSamples  int
	TrainAccuracy      float64
	ValidationAccuracy float64
	ValidationLogLoss  float64
	Report             *metrics.Report
	Duration           time.Duration
}

// TrainHead fits a logistic head on the frozen embeddings of base and returns
// base plus head. The base's weights are copied, never modified.
func TrainHead(base *Network, root string, cfg TrainConfig) (*TrainResult, error) {
	train, validate, err := OpenCorpus(root)
	if err != nil {
		return nil, err
	}
	return TrainHeadOn(base, train, validate, cfg)
}

// TrainHeadOn is TrainHead on already listed datasets.
func TrainHeadOn(base *Network, train, validate *Dataset, cfg TrainConfig) (*TrainResult, error) {
	if cfg.Epochs < 1 {
		return nil, errors.NewValidationError("epochs", "must be at least 1", cfg.Epochs)
	}
	activation := ActivationSoftmax
	switch cfg.MultiClass {
	case "", "multinomial":
		cfg.MultiClass = "multinomial"
	case "ovr":
		activation = ActivationNormalizedSigmoid
	default:
		return nil, errors.NewValidationError("multi_class", "must be multinomial or ovr", cfg.MultiClass)
	}
	if train.Len() == 0 || validate.Len() == 0 {
		return nil, errors.NewValueError("imaging.TrainHead", "training and validation sets must not be empty")
	}

	logger := log.GetLoggerWithName("imaging.train")
	start := time.Now()
	base = base.Base()

	logger.Info("Extracting embeddings",
		log.PipelineKey, log.PipelineScan,
		"train_samples", train.Len(),
		"validation_samples", validate.Len(),
		log.FeaturesKey, base.EmbeddingSize(),
		"multi_class", cfg.MultiClass,
	)
	XTrain, err := Embeddings(base, train.Paths, cfg.Workers)
	if err != nil {
		return nil, err
	}
	XVal, err := Embeddings(base, validate.Paths, cfg.Workers)
	if err != nil {
		return nil, err
	}

	scaler := preprocessing.NewStandardScalerDefault()
	XScaled, err := scaler.FitTransform(XTrain)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scale embeddings")
	}

	y := mat.NewDense(train.Len(), 1, nil)
	for i, l := range train.Labels {
		y.Set(i, 0, float64(l))
	}
	lr := linear_model.NewLogisticRegression(
		linear_model.WithLRMultiClass(cfg.MultiClass),
		linear_model.WithLRMaxIter(cfg.Epochs),
		linear_model.WithLREta0(cfg.LearningRate),
		linear_model.WithLRC(cfg.C),
		linear_model.WithLRRandomState(cfg.Seed),
	)
	if err := lr.Fit(XScaled, y); err != nil {
		return nil, errors.Wrap(err, "failed to fit classification head")
	}
	if classes := lr.Classes(); len(classes) != len(ImageClasses) {
		return nil, errors.NewDataIntegrityError(0, "class", fmt.Sprint(classes),
			"training set must contain every class")
	}

	head, err := foldHead(lr.Coef(), lr.Intercept(), scaler, activation)
	if err != nil {
		return nil, err
	}
	net, err := base.WithHead(ImageClasses, head)
	if err != nil {
		return nil, err
	}

	result := &TrainResult{
		Network:           net,
		TrainSamples:      train.Len(),
		ValidationSamples: validate.Len(),
	}
	classes := []int{0, 1, 2}
	_, trainPred, err := headScores(head, XTrain)
	if err != nil {
		return nil, err
	}
	if result.TrainAccuracy, err = metrics.Accuracy(train.Labels, trainPred); err != nil {
		return nil, err
	}
	valProba, valPred, err := headScores(head, XVal)
	if err != nil {
		return nil, err
	}
	if result.ValidationAccuracy, err = metrics.Accuracy(validate.Labels, valPred); err != nil {
		return nil, err
	}
	if result.ValidationLogLoss, err = metrics.LogLoss(validate.Labels, valProba, classes); err != nil {
		return nil, err
	}
	if result.Report, err = metrics.ClassificationReport(validate.Labels, valPred, classes, ImageClasses); err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)

	logger.Info("Classification head trained",
		log.PhaseKey, log.PhaseValidation,
		log.AccuracyKey, result.ValidationAccuracy,
		"train_accuracy", result.TrainAccuracy,
		log.LossKey, result.ValidationLogLoss,
		log.IterationKey, lr.NIter()[0],
		log.DurationMsKey, result.Duration.Milliseconds(),
	)
	return result, nil
}

// Embeddings runs the frozen base on every image, in parallel.
func Embeddings(base *Network, paths []string, workers int) (*mat.Dense, error) {
	X := mat.NewDense(len(paths), base.EmbeddingSize(), nil)
	err := parallel.ParallelizeErr(len(paths), workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			t, err := PreprocessFile(paths[i])
			if err != nil {
				return err
			}
			emb, err := base.Embed(t)
			if err != nil {
				return errors.Wrapf(err, "failed to embed %s", paths[i])
			}
			X.SetRow(i, emb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return X, nil
}

// foldHead merges the scaler into the head so that the persisted network
// consumes raw embeddings: w' = w/scale, b' = b - Σ w·mean/scale.
func foldHead(coef [][]float64, intercept []float64, scaler *preprocessing.StandardScaler, activation string) (*Dense, error) {
	k := len(coef)
	d := scaler.NFeatures
	weights := make([]float64, 0, k*d)
	bias := make([]float64, k)
	for c := 0; c < k; c++ {
		bias[c] = intercept[c]
		for j := 0; j < d; j++ {
			w := coef[c][j] / scaler.Scale[j]
			weights = append(weights, w)
			bias[c] -= w * scaler.Mean[j]
		}
	}
	return NewDense(d, k, activation, weights, bias)
}

// headScores runs the folded head on raw embeddings and returns the class
// probabilities and the argmax prediction per row.
func headScores(head *Dense, X *mat.Dense) (*mat.Dense, []int, error) {
	rows, cols := X.Dims()
	proba := mat.NewDense(rows, head.out, nil)
	pred := make([]int, rows)
	for i := 0; i < rows; i++ {
		out, err := head.Forward(&Tensor{Shape: Shape{H: 1, W: 1, C: cols}, Data: X.RawRowView(i)})
		if err != nil {
			return nil, nil, err
		}
		proba.SetRow(i, out.Data)
		pred[i] = ensemble.ArgMax(out.Data)
	}
	return proba, pred, nil
}
