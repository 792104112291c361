package risk

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"time"

	"github.com/YuminosukeSato/respirex/metrics"
	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"github.com/YuminosukeSato/respirex/preprocessing"
	"github.com/YuminosukeSato/respirex/sklearn/ensemble"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// FitConfig controls the offline fit.
type FitConfig struct {
	// TestSize is the held-out fraction, in (0,1).
	TestSize float64
	// Seed drives both the split permutation and the forest.
	Seed int64
	// NEstimators is the number of trees.
	NEstimators int
	// MaxDepth limits tree depth; <= 0 grows trees until leaves are pure.
	MaxDepth int
	// NJobs is the number of goroutines building trees; <= 0 uses every CPU.
	NJobs   int
	Verbose bool
}

// DefaultFitConfig returns an 80/20 split and 100 trees, both seeded with 42.
func DefaultFitConfig() FitConfig {
	return FitConfig{
		TestSize:    0.2,
		Seed:        42,
		NEstimators: 100,
		MaxDepth:    -1,
	}
}

// Validate rejects configurations Fit cannot honour.
func (c FitConfig) Validate() error {
	if !(c.TestSize > 0 && c.TestSize < 1) {
		return errors.NewValidationError("test_size", "must be in (0, 1)", c.TestSize)
	}
	if c.NEstimators < 1 {
		return errors.NewValidationError("n_estimators", "must be at least 1", c.NEstimators)
	}
	return nil
}

// FeatureSummary describes one feature column of the training split.
type FeatureSummary struct {
	Name   string
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// FitResult is the outcome of Fit. Everything but Artifact is diagnostic.
type FitResult struct {
	Artifact  *Artifact
	TrainSize int
	TestSize  int
	Accuracy  float64
	// AUC is the macro one-vs-rest ROC AUC on the held-out split.
	AUC      float64
	// LogLoss is the mean negative log probability of the true level.
	LogLoss  float64
	Report   *metrics.Report
	Features []FeatureSummary
	Duration time.Duration
}

// Split returns the training and held-out row indices for n samples. The
// held-out split holds ceil(n*testSize) rows. The result depends only on n,
// testSize and seed.
func Split(n int, testSize float64, seed int64) (train, test []int, err error) {
	nTest := int(math.Ceil(float64(n) * testSize))
	if nTest < 1 || nTest >= n {
		return nil, nil, errors.NewValueError("risk.Split",
			fmt.Sprintf("cannot hold out %d of %d samples", nTest, n))
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	test = append([]int(nil), perm[:nTest]...)
	train = append([]int(nil), perm[nTest:]...)
	sort.Ints(test)
	sort.Ints(train)
	return train, test, nil
}

// Fit splits the corpus, fits the scaler on the training split only, fits the
// forest on the scaled training split and evaluates on the held-out split.
//
// The evaluation never prevents the artifact from being returned.
func Fit(corpus *Corpus, cfg FitConfig) (*FitResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if corpus == nil || corpus.Len() == 0 {
		return nil, errors.NewDataIntegrityError(0, LevelColumn, "", "corpus has no rows")
	}

	logger := log.GetLoggerWithName("risk.fit")
	start := time.Now()

	trainIdx, testIdx, err := Split(corpus.Len(), cfg.TestSize, cfg.Seed)
	if err != nil {
		return nil, err
	}
	XTrain, yTrain := corpus.Matrices(trainIdx)
	XTest, yTest := corpus.Matrices(testIdx)

	if err := requireAllLevels(yTrain); err != nil {
		return nil, err
	}

	logger.Info("Fitting symptom model",
		log.OperationKey, log.OperationFit,
		log.PipelineKey, log.PipelineSymptom,
		log.SamplesKey, corpus.Len(),
		"train_samples", len(trainIdx),
		"test_samples", len(testIdx),
		log.RandomSeedKey, cfg.Seed,
	)

	scaler := preprocessing.NewStandardScalerDefault()
	XTrainScaled, err := scaler.FitTransform(XTrain)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fit scaler")
	}

	nJobs := cfg.NJobs
	if nJobs <= 0 {
		nJobs = runtime.NumCPU()
	}
	forest := ensemble.NewRandomForestClassifier(
		ensemble.WithNEstimators(cfg.NEstimators),
		ensemble.WithMaxDepth(cfg.MaxDepth),
		ensemble.WithRandomState(cfg.Seed),
		ensemble.WithNJobs(nJobs),
		ensemble.WithVerbose(cfg.Verbose),
	)
	if err := forest.Fit(XTrainScaled, yTrain); err != nil {
		return nil, errors.Wrap(err, "failed to fit forest")
	}

	artifact := &Artifact{Scaler: scaler, Forest: forest}
	if err := artifact.Validate(); err != nil {
		return nil, err
	}

	result := &FitResult{
		Artifact:  artifact,
		TrainSize: len(trainIdx),
		TestSize:  len(testIdx),
		Features:  summarize(XTrain),
	}
	if err := evaluate(result, XTest, yTest); err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)

	logger.Info("Symptom model fitted",
		log.PhaseKey, log.PhaseValidation,
		log.AccuracyKey, result.Accuracy,
		"roc_auc_ovr", result.AUC,
		log.LossKey, result.LogLoss,
		log.DurationMsKey, result.Duration.Milliseconds(),
	)
	return result, nil
}

func evaluate(result *FitResult, XTest, yTest *mat.Dense) error {
	scaled, err := result.Artifact.Scaler.Transform(XTest)
	if err != nil {
		return errors.Wrap(err, "failed to scale held-out split")
	}
	proba, err := result.Artifact.Forest.PredictProba(scaled)
	if err != nil {
		return errors.Wrap(err, "failed to evaluate forest")
	}

	rows, _ := proba.Dims()
	yTrue := make([]int, rows)
	yPred := make([]int, rows)
	for i := 0; i < rows; i++ {
		yTrue[i] = int(yTest.At(i, 0))
		yPred[i] = ensemble.ArgMax(mat.Row(nil, i, proba))
	}

	classes := levelClasses()
	report, err := metrics.ClassificationReport(yTrue, yPred, classes, LevelNames())
	if err != nil {
		return err
	}
	auc, err := metrics.RocAUCOvR(yTrue, proba, classes)
	if err != nil {
		return err
	}
	if result.Accuracy, err = metrics.Accuracy(yTrue, yPred); err != nil {
		return err
	}
	if result.LogLoss, err = metrics.LogLoss(yTrue, proba, classes); err != nil {
		return err
	}
	result.Report = report
	result.AUC = auc
	return nil
}

func requireAllLevels(y *mat.Dense) error {
	seen := make(map[Level]bool, len(Levels))
	rows, _ := y.Dims()
	for i := 0; i < rows; i++ {
		seen[Level(y.At(i, 0))] = true
	}
	for _, l := range Levels {
		if !seen[l] {
			return errors.NewDataIntegrityError(0, LevelColumn, l.Label(),
				"label does not occur in the training split")
		}
	}
	return nil
}

func summarize(X *mat.Dense) []FeatureSummary {
	out := make([]FeatureSummary, NumFeatures)
	for j := 0; j < NumFeatures; j++ {
		col := mat.Col(nil, j, X)
		mean, std := stat.MeanStdDev(col, nil)
		out[j] = FeatureSummary{
			Name:   FeatureNames[j],
			Mean:   mean,
			StdDev: std,
			Min:    floats.Min(col),
			Max:    floats.Max(col),
		}
	}
	return out
}
