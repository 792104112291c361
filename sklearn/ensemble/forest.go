// Package ensemble provides tree ensembles built on sklearn/tree.
package ensemble

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/respirex/core/model"
	"github.com/YuminosukeSato/respirex/core/parallel"
	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"github.com/YuminosukeSato/respirex/sklearn/tree"
)

var (
	_ model.Classifier         = (*RandomForestClassifier)(nil)
	_ model.FeatureImportancer = (*RandomForestClassifier)(nil)
	_ model.ParameterGetter    = (*RandomForestClassifier)(nil)
)

// RandomForestClassifier averages the class probabilities of bootstrapped
// decision trees (soft voting).
//
// Bootstrap resampling is expressed as integer sample weights, so every
// tree sees the full class set even when a class is missing from its
// bootstrap sample. Per-tree seeds are drawn up front from RandomState,
// which keeps the fitted forest identical regardless of NJobs.
type RandomForestClassifier struct {
	model.BaseEstimator

	nEstimators     int
	criterion       string
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     string
	bootstrap       bool
	randomState     int64
	nJobs           int
	verbose         bool

	estimators_         []*tree.DecisionTreeClassifier
	classes_            []int
	nFeatures_          int
	featureImportances_ []float64
}

// Option configures a RandomForestClassifier.
type Option func(*RandomForestClassifier)

// WithNEstimators sets the number of trees.
func WithNEstimators(n int) Option {
	return func(rf *RandomForestClassifier) { rf.nEstimators = n }
}

// WithCriterion sets the split criterion of every tree.
func WithCriterion(criterion string) Option {
	return func(rf *RandomForestClassifier) { rf.criterion = criterion }
}

// WithMaxDepth limits tree depth. Values <= 0 mean unlimited.
func WithMaxDepth(depth int) Option {
	return func(rf *RandomForestClassifier) { rf.maxDepth = depth }
}

// WithMinSamplesSplit sets min_samples_split of every tree.
func WithMinSamplesSplit(n int) Option {
	return func(rf *RandomForestClassifier) { rf.minSamplesSplit = n }
}

// WithMinSamplesLeaf sets min_samples_leaf of every tree.
func WithMinSamplesLeaf(n int) Option {
	return func(rf *RandomForestClassifier) { rf.minSamplesLeaf = n }
}

// WithMaxFeatures sets the per-split feature budget ("sqrt", "log2", "" or an integer).
func WithMaxFeatures(maxFeatures string) Option {
	return func(rf *RandomForestClassifier) { rf.maxFeatures = maxFeatures }
}

// WithBootstrap toggles bootstrap resampling.
func WithBootstrap(bootstrap bool) Option {
	return func(rf *RandomForestClassifier) { rf.bootstrap = bootstrap }
}

// WithRandomState seeds bootstrap sampling and feature selection.
func WithRandomState(seed int64) Option {
	return func(rf *RandomForestClassifier) { rf.randomState = seed }
}

// WithNJobs sets the number of parallel workers. Values <= 0 use all CPUs.
func WithNJobs(n int) Option {
	return func(rf *RandomForestClassifier) { rf.nJobs = n }
}

// WithVerbose logs training progress.
func WithVerbose(verbose bool) Option {
	return func(rf *RandomForestClassifier) { rf.verbose = verbose }
}

// NewRandomForestClassifier creates a forest with 100 trees, gini, sqrt
// features, bootstrap on and random_state 0.
func NewRandomForestClassifier(opts ...Option) *RandomForestClassifier {
	rf := &RandomForestClassifier{
		nEstimators:     100,
		criterion:       "gini",
		maxDepth:        -1,
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		maxFeatures:     "sqrt",
		bootstrap:       true,
	}
	for _, opt := range opts {
		opt(rf)
	}
	return rf
}

// Fit trains the forest on X (n_samples × n_features) and y (n_samples × 1).
func (rf *RandomForestClassifier) Fit(X, y mat.Matrix) error {
	if rf.nEstimators < 1 {
		return errors.NewValidationError("n_estimators", "must be at least 1", rf.nEstimators)
	}
	nSamples, nFeatures := X.Dims()
	if nSamples == 0 || nFeatures == 0 {
		return errors.NewModelError("RandomForestClassifier.Fit", "empty data", errors.ErrEmptyData)
	}
	yRows, yCols := y.Dims()
	if yRows != nSamples {
		return errors.NewDimensionError("RandomForestClassifier.Fit", nSamples, yRows, 0)
	}
	if yCols != 1 {
		return errors.NewDimensionError("RandomForestClassifier.Fit", 1, yCols, 1)
	}

	logger := log.GetLoggerWithName("ensemble.forest")
	start := time.Now()
	if rf.verbose {
		logger.Info("Training RandomForestClassifier",
			log.OperationKey, log.OperationFit,
			log.SamplesKey, nSamples,
			log.FeaturesKey, nFeatures,
			"n_estimators", rf.nEstimators,
			log.RandomSeedKey, rf.randomState,
		)
	}

	Xd := mat.DenseCopyOf(X)
	rng := rand.New(rand.NewSource(rf.randomState))
	seeds := make([]int64, rf.nEstimators)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}

	estimators := make([]*tree.DecisionTreeClassifier, rf.nEstimators)
	err := parallel.ParallelizeErr(rf.nEstimators, rf.nJobs, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			dt := tree.NewDecisionTreeClassifier(
				tree.WithCriterion(rf.criterion),
				tree.WithMaxDepth(rf.maxDepth),
				tree.WithMinSamplesSplit(rf.minSamplesSplit),
				tree.WithMinSamplesLeaf(rf.minSamplesLeaf),
				tree.WithMaxFeatures(rf.maxFeatures),
				tree.WithRandomState(seeds[i]),
			)
			var weights []float64
			if rf.bootstrap {
				weights = bootstrapWeights(nSamples, seeds[i])
			}
			if err := dt.FitWeighted(Xd, y, weights); err != nil {
				return errors.Wrapf(err, "tree %d", i)
			}
			estimators[i] = dt
		}
		return nil
	})
	if err != nil {
		return err
	}

	rf.estimators_ = estimators
	rf.classes_ = estimators[0].Classes()
	rf.nFeatures_ = nFeatures
	rf.featureImportances_ = averageImportances(estimators, nFeatures)
	rf.SetFitted()

	if rf.verbose {
		logger.Info("Training completed",
			log.DurationMsKey, time.Since(start).Milliseconds(),
			log.ClassesKey, len(rf.classes_),
		)
	}
	return nil
}

// bootstrapWeights draws n samples with replacement and returns how often
// each sample was drawn.
func bootstrapWeights(n int, seed int64) []float64 {
	// offset the seed so the bootstrap stream differs from feature sampling
	rng := rand.New(rand.NewSource(seed ^ 0x5DEECE66D))
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[rng.Intn(n)]++
	}
	return w
}

func averageImportances(estimators []*tree.DecisionTreeClassifier, nFeatures int) []float64 {
	out := make([]float64, nFeatures)
	for _, dt := range estimators {
		for j, v := range dt.GetFeatureImportances() {
			out[j] += v
		}
	}
	total := 0.0
	for _, v := range out {
		total += v
	}
	if total > 0 {
		for j := range out {
			out[j] /= total
		}
	}
	return out
}

// PredictProba returns the mean class probabilities of all trees. Columns
// follow Classes().
func (rf *RandomForestClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if !rf.IsFitted() {
		return nil, errors.NewNotFittedError("RandomForestClassifier", "PredictProba")
	}
	rows, cols := X.Dims()
	if cols != rf.nFeatures_ {
		return nil, errors.NewDimensionError("RandomForestClassifier.PredictProba", rf.nFeatures_, cols, 1)
	}

	out := mat.NewDense(rows, len(rf.classes_), nil)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, X)
		p, err := rf.PredictProbaRow(row)
		if err != nil {
			return nil, err
		}
		out.SetRow(i, p)
	}
	return out, nil
}

// PredictProbaRow returns the mean class probabilities for one sample.
func (rf *RandomForestClassifier) PredictProbaRow(x []float64) ([]float64, error) {
	if !rf.IsFitted() {
		return nil, errors.NewNotFittedError("RandomForestClassifier", "PredictProbaRow")
	}
	if len(x) != rf.nFeatures_ {
		return nil, errors.NewDimensionError("RandomForestClassifier.PredictProbaRow", rf.nFeatures_, len(x), 1)
	}

	sum := make([]float64, len(rf.classes_))
	for _, dt := range rf.estimators_ {
		p, err := dt.PredictProbaRow(x)
		if err != nil {
			return nil, err
		}
		for c, v := range p {
			sum[c] += v
		}
	}
	n := float64(len(rf.estimators_))
	for c := range sum {
		sum[c] /= n
	}
	return sum, nil
}

// Predict returns the class with the highest mean probability for each row.
// Ties go to the smallest class label.
func (rf *RandomForestClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := rf.PredictProba(X)
	if err != nil {
		return nil, err
	}
	rows, _ := proba.Dims()
	out := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		out.Set(i, 0, float64(rf.classes_[ArgMax(mat.Row(nil, i, proba))]))
	}
	return out, nil
}

// Score returns the mean accuracy on X against y, or 0 if X cannot be predicted.
func (rf *RandomForestClassifier) Score(X, y mat.Matrix) float64 {
	pred, err := rf.Predict(X)
	if err != nil {
		return 0
	}
	rows, _ := pred.Dims()
	if rows == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < rows; i++ {
		if pred.At(i, 0) == y.At(i, 0) {
			correct++
		}
	}
	return float64(correct) / float64(rows)
}

// Classes returns the sorted class labels seen during fitting.
func (rf *RandomForestClassifier) Classes() []int {
	return append([]int(nil), rf.classes_...)
}

// NFeatures returns the number of features seen during fitting.
func (rf *RandomForestClassifier) NFeatures() int { return rf.nFeatures_ }

// Estimators returns the fitted trees.
func (rf *RandomForestClassifier) Estimators() []*tree.DecisionTreeClassifier {
	return rf.estimators_
}

// GetFeatureImportances returns the mean impurity-based importance per feature.
func (rf *RandomForestClassifier) GetFeatureImportances() []float64 {
	return append([]float64(nil), rf.featureImportances_...)
}

// GetParams returns the hyperparameters.
func (rf *RandomForestClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"n_estimators":      rf.nEstimators,
		"criterion":         rf.criterion,
		"max_depth":         rf.maxDepth,
		"min_samples_split": rf.minSamplesSplit,
		"min_samples_leaf":  rf.minSamplesLeaf,
		"max_features":      rf.maxFeatures,
		"bootstrap":         rf.bootstrap,
		"random_state":      rf.randomState,
		"n_jobs":            rf.nJobs,
	}
}

// ArgMax returns the index of the largest value; ties go to the lowest index.
func ArgMax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

type forestState struct {
	State              model.EstimatorState
	NEstimators        int
	Criterion          string
	MaxDepth           int
	MinSamplesSplit    int
	MinSamplesLeaf     int
	MaxFeatures        string
	Bootstrap          bool
	RandomState        int64
	Estimators         []*tree.DecisionTreeClassifier
	Classes            []int
	NFeatures          int
	FeatureImportances []float64
}

// GobEncode implements gob.GobEncoder.
func (rf *RandomForestClassifier) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(forestState{
		State:              rf.State,
		NEstimators:        rf.nEstimators,
		Criterion:          rf.criterion,
		MaxDepth:           rf.maxDepth,
		MinSamplesSplit:    rf.minSamplesSplit,
		MinSamplesLeaf:     rf.minSamplesLeaf,
		MaxFeatures:        rf.maxFeatures,
		Bootstrap:          rf.bootstrap,
		RandomState:        rf.randomState,
		Estimators:         rf.estimators_,
		Classes:            rf.classes_,
		NFeatures:          rf.nFeatures_,
		FeatureImportances: rf.featureImportances_,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode random forest")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder. Every tree must agree with the forest
// on classes and feature count.
func (rf *RandomForestClassifier) GobDecode(data []byte) error {
	var s forestState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return errors.Wrap(err, "failed to decode random forest")
	}

	if s.State == model.Fitted {
		if len(s.Estimators) == 0 {
			return errors.NewValueError("RandomForestClassifier.GobDecode", "fitted forest has no trees")
		}
		for i, dt := range s.Estimators {
			if dt == nil || !dt.IsFitted() {
				return errors.NewValueError("RandomForestClassifier.GobDecode", fmt.Sprintf("tree %d is not fitted", i))
			}
			if dt.NFeatures() != s.NFeatures || !sameInts(dt.Classes(), s.Classes) {
				return errors.NewValueError("RandomForestClassifier.GobDecode",
					fmt.Sprintf("tree %d disagrees with the forest on features or classes", i))
			}
		}
	}

	rf.State = s.State
	rf.nEstimators = s.NEstimators
	rf.criterion = s.Criterion
	rf.maxDepth = s.MaxDepth
	rf.minSamplesSplit = s.MinSamplesSplit
	rf.minSamplesLeaf = s.MinSamplesLeaf
	rf.maxFeatures = s.MaxFeatures
	rf.bootstrap = s.Bootstrap
	rf.randomState = s.RandomState
	rf.estimators_ = s.Estimators
	rf.classes_ = s.Classes
	rf.nFeatures_ = s.NFeatures
	rf.featureImportances_ = s.FeatureImportances
	return nil
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
