package linear_model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/YuminosukeSato/respirex/core/model"
	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"gonum.org/v1/gonum/mat"
)

var (
	_ model.Classifier      = (*LogisticRegression)(nil)
	_ model.ParameterGetter = (*LogisticRegression)(nil)
	_ model.ParameterSetter = (*LogisticRegression)(nil)
)

// LogisticRegression implements logistic regression for classification
// Compatible with scikit-learn's LogisticRegression
//
// "auto" and "multinomial" fit one softmax model over all classes; "ovr" fits
// one sigmoid model per class and normalizes their outputs at prediction
// time. Both keep one coefficient row per class, two classes included. The
// objective is the mean log loss plus
// 1/(2·C·n_samples)·||w||² for the l2 penalty, minimized by full-batch
// gradient descent with a decaying step size.
type LogisticRegression struct {
	state *model.StateManager // State management (composition)

	// Hyperparameters
	penalty      string  // Regularization: "l2" or "none"
	C            float64 // Inverse regularization strength (1/alpha)
	fitIntercept bool    // Whether to fit intercept
	randomState  int64   // Random seed, -1 draws one
	maxIter      int     // Maximum iterations
	multiClass   string  // Multi-class: "auto", "ovr", "multinomial"
	verbose      int     // Verbosity level
	tol          float64 // Tolerance on the largest gradient component
	eta0         float64 // Initial gradient descent step

	// Model parameters
	coef_      [][]float64 // Coefficients (n_classes x n_features)
	intercept_ []float64   // Intercept terms
	classes_   []int       // Unique class labels
	nClasses_  int         // Number of classes
	nFeatures_ int         // Number of features
	nIter_     []int       // Actual iterations per fitted model

	// Internal state
	rand *rand.Rand
}

// LogisticRegressionOption is a functional option for LogisticRegression
type LogisticRegressionOption func(*LogisticRegression)

// NewLogisticRegression creates a new LogisticRegression classifier
func NewLogisticRegression(opts ...LogisticRegressionOption) *LogisticRegression {
	lr := &LogisticRegression{
		state:        model.NewStateManager(),
		penalty:      "l2",
		C:            1.0,
		fitIntercept: true,
		randomState:  -1,
		maxIter:      100,
		multiClass:   "auto",
		tol:          1e-4,
		eta0:         1.0,
	}

	for _, opt := range opts {
		opt(lr)
	}
	lr.seed()
	return lr
}

func (lr *LogisticRegression) seed() {
	if lr.randomState >= 0 {
		lr.rand = rand.New(rand.NewSource(lr.randomState))
	} else {
		lr.rand = rand.New(rand.NewSource(rand.Int63()))
	}
}

// WithLRPenalty sets the regularization type
func WithLRPenalty(penalty string) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.penalty = penalty }
}

// WithLRC sets the inverse regularization strength
func WithLRC(c float64) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.C = c }
}

// WithLogisticFitIntercept sets whether to fit intercept
func WithLogisticFitIntercept(fit bool) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.fitIntercept = fit }
}

// WithLRMaxIter sets the maximum number of iterations
func WithLRMaxIter(maxIter int) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.maxIter = maxIter }
}

// WithLRTol sets the tolerance for stopping criteria
func WithLRTol(tol float64) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.tol = tol }
}

// WithLREta0 sets the initial step size. Step t is eta0/(1+0.1·t)
func WithLREta0(eta0 float64) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.eta0 = eta0 }
}

// WithLRMultiClass selects "auto", "ovr" or "multinomial"
func WithLRMultiClass(multiClass string) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.multiClass = multiClass }
}

// WithLRRandomState sets the random seed
func WithLRRandomState(seed int64) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.randomState = seed }
}

// WithLRVerbose logs the loss every verbose iterations; 0 disables it
func WithLRVerbose(verbose int) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.verbose = verbose }
}

// Fit trains the logistic regression model
func (lr *LogisticRegression) Fit(X, y mat.Matrix) error {
	nSamples, nFeatures := X.Dims()
	yRows, yCols := y.Dims()

	if nSamples == 0 || nFeatures == 0 {
		return errors.NewModelError("LogisticRegression.Fit", "empty data", errors.ErrEmptyData)
	}
	if nSamples != yRows {
		return errors.NewDimensionError("LogisticRegression.Fit", nSamples, yRows, 0)
	}
	if yCols != 1 {
		return errors.NewDimensionError("LogisticRegression.Fit", 1, yCols, 1)
	}
	if lr.C <= 0 {
		return errors.NewValidationError("C", "must be positive", lr.C)
	}
	if lr.eta0 <= 0 {
		return errors.NewValidationError("eta0", "must be positive", lr.eta0)
	}
	switch lr.multiClass {
	case "auto", "ovr", "multinomial":
	default:
		return errors.NewValidationError("multi_class", "must be auto, ovr or multinomial", lr.multiClass)
	}

	lr.extractClasses(y)
	if lr.nClasses_ < 2 {
		return errors.NewValueError("LogisticRegression.Fit",
			fmt.Sprintf("needs samples of at least 2 classes, got %d", lr.nClasses_))
	}
	lr.nFeatures_ = nFeatures
	lr.initializeWeights(nFeatures)

	Xd := mat.DenseCopyOf(X)
	var err error
	if lr.multiClass == "ovr" {
		err = lr.fitOVR(Xd, y)
	} else {
		err = lr.fitMultinomial(Xd, y)
	}
	if err != nil {
		return err
	}

	lr.state.SetDimensions(nFeatures, nSamples)
	lr.state.SetFitted()
	return nil
}

// extractClasses identifies unique class labels
func (lr *LogisticRegression) extractClasses(y mat.Matrix) {
	rows, _ := y.Dims()
	classMap := make(map[int]bool)
	for i := 0; i < rows; i++ {
		classMap[int(y.At(i, 0))] = true
	}

	lr.classes_ = make([]int, 0, len(classMap))
	for class := range classMap {
		lr.classes_ = append(lr.classes_, class)
	}
	sort.Ints(lr.classes_)
	lr.nClasses_ = len(lr.classes_)
}

// initializeWeights initializes model weights
func (lr *LogisticRegression) initializeWeights(nFeatures int) {
	lr.seed()
	nModels := lr.nClasses_

	lr.coef_ = make([][]float64, nModels)
	for i := range lr.coef_ {
		lr.coef_[i] = make([]float64, nFeatures)
		for j := range lr.coef_[i] {
			lr.coef_[i][j] = lr.rand.NormFloat64() * 0.01
		}
	}
	lr.intercept_ = make([]float64, nModels)
	lr.nIter_ = make([]int, nModels)
}

func (lr *LogisticRegression) binaryTargets(y mat.Matrix, positive int) []float64 {
	rows, _ := y.Dims()
	out := make([]float64, rows)
	for i := 0; i < rows; i++ {
		if int(y.At(i, 0)) == positive {
			out[i] = 1
		}
	}
	return out
}

func (lr *LogisticRegression) lambda(nSamples int) float64 {
	if lr.penalty != "l2" {
		return 0
	}
	return 1.0 / (lr.C * float64(nSamples))
}

func (lr *LogisticRegression) learningRate(iter int) float64 {
	return lr.eta0 / (1.0 + 0.1*float64(iter))
}

// fitOVR fits one-vs-rest multiclass classification
func (lr *LogisticRegression) fitOVR(X *mat.Dense, y mat.Matrix) error {
	for classIdx, class := range lr.classes_ {
		if err := lr.fitBinaryForClass(X, lr.binaryTargets(y, class), classIdx); err != nil {
			return errors.Wrapf(err, "failed to fit class %d", class)
		}
	}
	return nil
}

// fitBinaryForClass fits a sigmoid model for row classIdx of coef_
func (lr *LogisticRegression) fitBinaryForClass(X *mat.Dense, target []float64, classIdx int) error {
	nSamples, nFeatures := X.Dims()
	weights := lr.coef_[classIdx]
	intercept := &lr.intercept_[classIdx]
	lambda := lr.lambda(nSamples)
	logger := log.GetLoggerWithName("linear_model.logistic")

	converged := false
	gradWeights := make([]float64, nFeatures)
	for iter := 0; iter < lr.maxIter; iter++ {
		for j := range gradWeights {
			gradWeights[j] = 0
		}
		gradIntercept := 0.0
		loss := 0.0

		for i := 0; i < nSamples; i++ {
			row := X.RawRowView(i)
			z := *intercept
			for j, v := range row {
				z += v * weights[j]
			}
			p := sigmoid(z)
			loss -= target[i]*errors.StabilizeLog(p) + (1-target[i])*errors.StabilizeLog(1-p)

			diff := p - target[i]
			gradIntercept += diff
			for j, v := range row {
				gradWeights[j] += diff * v
			}
		}
		loss /= float64(nSamples)
		if err := errors.CheckScalar("LogisticRegression.Fit", loss, iter); err != nil {
			return err
		}

		for j := range gradWeights {
			gradWeights[j] = gradWeights[j]/float64(nSamples) + lambda*weights[j]
		}
		gradIntercept /= float64(nSamples)

		step := lr.learningRate(iter)
		for j := range weights {
			weights[j] -= step * gradWeights[j]
		}
		if lr.fitIntercept {
			*intercept -= step * gradIntercept
		}
		lr.nIter_[classIdx] = iter + 1

		if lr.verbose > 0 && iter%lr.verbose == 0 {
			logger.Debug("Logistic regression progress", log.IterationKey, iter, log.LossKey, loss)
		}

		maxGrad := math.Abs(gradIntercept)
		for _, g := range gradWeights {
			maxGrad = math.Max(maxGrad, math.Abs(g))
		}
		if maxGrad < lr.tol {
			converged = true
			break
		}
	}

	if !converged {
		errors.Warn(errors.NewConvergenceWarning("LogisticRegression", lr.maxIter,
			"increase max_iter or scale the data"))
	}
	return nil
}

// fitMultinomial fits multinomial logistic regression (softmax over all classes)
func (lr *LogisticRegression) fitMultinomial(X *mat.Dense, y mat.Matrix) error {
	nSamples, nFeatures := X.Dims()
	K := lr.nClasses_
	lambda := lr.lambda(nSamples)
	logger := log.GetLoggerWithName("linear_model.logistic")

	classIdx := make(map[int]int, K)
	for k, c := range lr.classes_ {
		classIdx[c] = k
	}
	target := make([]int, nSamples)
	for i := range target {
		target[i] = classIdx[int(y.At(i, 0))]
	}

	gradW := make([][]float64, K)
	for k := range gradW {
		gradW[k] = make([]float64, nFeatures)
	}
	gradB := make([]float64, K)
	logits := make([]float64, K)

	converged := false
	for iter := 0; iter < lr.maxIter; iter++ {
		for k := range gradW {
			for j := range gradW[k] {
				gradW[k][j] = 0
			}
			gradB[k] = 0
		}
		loss := 0.0

		for i := 0; i < nSamples; i++ {
			row := X.RawRowView(i)
			for k := 0; k < K; k++ {
				z := lr.intercept_[k]
				for j, v := range row {
					z += v * lr.coef_[k][j]
				}
				logits[k] = z
			}
			p := errors.Softmax(logits)
			loss -= errors.StabilizeLog(p[target[i]])

			for k := 0; k < K; k++ {
				diff := p[k]
				if k == target[i] {
					diff -= 1
				}
				gradB[k] += diff
				for j, v := range row {
					gradW[k][j] += diff * v
				}
			}
		}
		loss /= float64(nSamples)
		if err := errors.CheckScalar("LogisticRegression.Fit", loss, iter); err != nil {
			return err
		}

		step := lr.learningRate(iter)
		maxGrad := 0.0
		for k := 0; k < K; k++ {
			gradB[k] /= float64(nSamples)
			if lr.fitIntercept {
				lr.intercept_[k] -= step * gradB[k]
				maxGrad = math.Max(maxGrad, math.Abs(gradB[k]))
			}
			for j := range gradW[k] {
				g := gradW[k][j]/float64(nSamples) + lambda*lr.coef_[k][j]
				lr.coef_[k][j] -= step * g
				maxGrad = math.Max(maxGrad, math.Abs(g))
			}
			lr.nIter_[k] = iter + 1
		}

		if lr.verbose > 0 && iter%lr.verbose == 0 {
			logger.Debug("Multinomial logistic regression progress", log.IterationKey, iter, log.LossKey, loss)
		}
		if maxGrad < lr.tol {
			converged = true
			break
		}
	}

	if !converged {
		errors.Warn(errors.NewConvergenceWarning("LogisticRegression", lr.maxIter,
			"increase max_iter or scale the data"))
	}
	return nil
}

// DecisionFunction returns the raw scores, one column per class.
func (lr *LogisticRegression) DecisionFunction(X mat.Matrix) (mat.Matrix, error) {
	if !lr.state.IsFitted() {
		return nil, errors.NewNotFittedError("LogisticRegression", "DecisionFunction")
	}
	nSamples, nFeatures := X.Dims()
	if nFeatures != lr.nFeatures_ {
		return nil, errors.NewDimensionError("LogisticRegression.DecisionFunction", lr.nFeatures_, nFeatures, 1)
	}

	scores := mat.NewDense(nSamples, len(lr.coef_), nil)
	for i := 0; i < nSamples; i++ {
		for k, w := range lr.coef_ {
			z := lr.intercept_[k]
			for j := 0; j < nFeatures; j++ {
				z += X.At(i, j) * w[j]
			}
			scores.Set(i, k, z)
		}
	}
	return scores, nil
}

// Predict makes predictions for input data
func (lr *LogisticRegression) Predict(X mat.Matrix) (mat.Matrix, error) {
	probas, err := lr.PredictProba(X)
	if err != nil {
		return nil, err
	}

	nSamples, _ := probas.Dims()
	predictions := mat.NewDense(nSamples, 1, nil)
	for i := 0; i < nSamples; i++ {
		best := 0
		for k := 1; k < lr.nClasses_; k++ {
			if probas.At(i, k) > probas.At(i, best) {
				best = k
			}
		}
		predictions.Set(i, 0, float64(lr.classes_[best]))
	}
	return predictions, nil
}

// PredictProba returns probability estimates for each class
func (lr *LogisticRegression) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	scores, err := lr.DecisionFunction(X)
	if err != nil {
		return nil, err
	}

	nSamples, _ := scores.Dims()
	probas := mat.NewDense(nSamples, lr.nClasses_, nil)
	for i := 0; i < nSamples; i++ {
		row := mat.Row(nil, i, scores)
		if lr.multiClass == "ovr" {
			probas.SetRow(i, NormalizedSigmoid(row))
		} else {
			probas.SetRow(i, errors.Softmax(row))
		}
	}
	return probas, nil
}

// Score returns the mean accuracy on the given test data and labels
func (lr *LogisticRegression) Score(X, y mat.Matrix) float64 {
	predictions, err := lr.Predict(X)
	if err != nil {
		return 0.0
	}

	nSamples, _ := X.Dims()
	correct := 0
	for i := 0; i < nSamples; i++ {
		if predictions.At(i, 0) == y.At(i, 0) {
			correct++
		}
	}
	return float64(correct) / float64(nSamples)
}

// Coef returns a copy of the coefficients, one row per fitted model
func (lr *LogisticRegression) Coef() [][]float64 {
	out := make([][]float64, len(lr.coef_))
	for k, w := range lr.coef_ {
		out[k] = append([]float64(nil), w...)
	}
	return out
}

// Intercept returns a copy of the intercepts
func (lr *LogisticRegression) Intercept() []float64 {
	return append([]float64(nil), lr.intercept_...)
}

// Classes returns the sorted class labels
func (lr *LogisticRegression) Classes() []int {
	return append([]int(nil), lr.classes_...)
}

// NIter returns the number of iterations run per fitted model
func (lr *LogisticRegression) NIter() []int {
	return append([]int(nil), lr.nIter_...)
}

// GetParams returns the model hyperparameters
func (lr *LogisticRegression) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"penalty":       lr.penalty,
		"C":             lr.C,
		"fit_intercept": lr.fitIntercept,
		"random_state":  lr.randomState,
		"max_iter":      lr.maxIter,
		"multi_class":   lr.multiClass,
		"verbose":       lr.verbose,
		"tol":           lr.tol,
		"eta0":          lr.eta0,
	}
}

// SetParams sets the model hyperparameters
func (lr *LogisticRegression) SetParams(params map[string]interface{}) error {
	for key, value := range params {
		var ok bool
		switch key {
		case "penalty":
			lr.penalty, ok = value.(string)
		case "C":
			lr.C, ok = value.(float64)
		case "fit_intercept":
			lr.fitIntercept, ok = value.(bool)
		case "random_state":
			lr.randomState, ok = value.(int64)
		case "max_iter":
			lr.maxIter, ok = value.(int)
		case "multi_class":
			lr.multiClass, ok = value.(string)
		case "verbose":
			lr.verbose, ok = value.(int)
		case "tol":
			lr.tol, ok = value.(float64)
		case "eta0":
			lr.eta0, ok = value.(float64)
		default:
			return errors.NewValidationError(key, "unknown parameter", value)
		}
		if !ok {
			return errors.NewValidationError(key, "has the wrong type", value)
		}
	}
	return nil
}

// sigmoid computes the sigmoid function
func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// NormalizedSigmoid maps one-vs-rest scores to probabilities: a sigmoid per
// class, then division by the sum, as scikit-learn does for ovr models.
func NormalizedSigmoid(scores []float64) []float64 {
	out := make([]float64, len(scores))
	sum := 0.0
	for k, z := range scores {
		out[k] = sigmoid(z)
		sum += out[k]
	}
	for k := range out {
		out[k] /= sum
	}
	return out
}
