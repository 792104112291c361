// Package tree implements CART decision trees with a scikit-learn compatible API.
package tree

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/respirex/core/model"
	"github.com/YuminosukeSato/respirex/pkg/errors"
)

var (
	_ model.Classifier         = (*DecisionTreeClassifier)(nil)
	_ model.WeightedFitter     = (*DecisionTreeClassifier)(nil)
	_ model.FeatureImportancer = (*DecisionTreeClassifier)(nil)
	_ model.ParameterSetter    = (*DecisionTreeClassifier)(nil)
)

// featureThreshold is the minimum gap between two sorted feature values for
// a threshold to be placed between them.
const featureThreshold = 1e-7

// Node is one node of a fitted tree. Leaves have Feature == -1.
type Node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	// Value holds the class probabilities of the training samples in the node.
	Value            []float64
	Impurity         float64
	NSamples         int
	WeightedNSamples float64
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return n.Feature < 0 }

// DecisionTreeClassifier is a CART classification tree.
//
// Splits are chosen greedily by the weighted impurity decrease. Thresholds
// are midpoints between consecutive distinct feature values and samples with
// x <= threshold go left. Ties between candidate splits keep the first one
// found (lowest feature index, then lowest threshold).
type DecisionTreeClassifier struct {
	model.BaseEstimator

	// Hyperparameters
	criterion       string
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     string
	randomState     int64

	// Learned state
	nodes               []Node
	classes_            []int
	nClasses_           int
	nFeatures_          int
	featureImportances_ []float64
	depth_              int
	nLeaves_            int
}

// Option configures a DecisionTreeClassifier.
type Option func(*DecisionTreeClassifier)

// WithCriterion sets the impurity measure: "gini" or "entropy".
func WithCriterion(criterion string) Option {
	return func(dt *DecisionTreeClassifier) { dt.criterion = criterion }
}

// WithMaxDepth limits the depth of the tree. Values <= 0 mean unlimited.
func WithMaxDepth(depth int) Option {
	return func(dt *DecisionTreeClassifier) { dt.maxDepth = depth }
}

// WithMinSamplesSplit sets the minimum number of samples required to split a node.
func WithMinSamplesSplit(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.minSamplesSplit = n }
}

// WithMinSamplesLeaf sets the minimum number of samples required in each leaf.
func WithMinSamplesLeaf(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.minSamplesLeaf = n }
}

// WithMaxFeatures sets how many features are considered per split:
// "sqrt", "log2", "" (all), or a positive integer as text.
func WithMaxFeatures(maxFeatures string) Option {
	return func(dt *DecisionTreeClassifier) { dt.maxFeatures = maxFeatures }
}

// WithRandomState seeds feature sampling.
func WithRandomState(seed int64) Option {
	return func(dt *DecisionTreeClassifier) { dt.randomState = seed }
}

// NewDecisionTreeClassifier creates a tree with scikit-learn defaults:
// gini, unlimited depth, min_samples_split=2, min_samples_leaf=1, all features.
func NewDecisionTreeClassifier(opts ...Option) *DecisionTreeClassifier {
	dt := &DecisionTreeClassifier{
		criterion:       "gini",
		maxDepth:        -1,
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
	}
	for _, opt := range opts {
		opt(dt)
	}
	return dt
}

// Fit builds the tree from X (n_samples × n_features) and y (n_samples × 1).
func (dt *DecisionTreeClassifier) Fit(X, y mat.Matrix) error {
	return dt.FitWeighted(X, y, nil)
}

// FitWeighted builds the tree with per-sample weights. Samples with weight 0
// do not reach any node but their labels still count towards the class set,
// so every tree of a bootstrapped ensemble shares the same class columns.
func (dt *DecisionTreeClassifier) FitWeighted(X, y mat.Matrix, sampleWeight []float64) error {
	if err := dt.validateParams(); err != nil {
		return err
	}

	nSamples, nFeatures := X.Dims()
	if nSamples == 0 || nFeatures == 0 {
		return errors.NewModelError("DecisionTreeClassifier.Fit", "empty data", errors.ErrEmptyData)
	}
	yRows, _ := y.Dims()
	if yRows != nSamples {
		return errors.NewDimensionError("DecisionTreeClassifier.Fit", nSamples, yRows, 0)
	}
	if sampleWeight != nil && len(sampleWeight) != nSamples {
		return errors.NewDimensionError("DecisionTreeClassifier.Fit", nSamples, len(sampleWeight), 0)
	}

	labels, err := extractLabels(y)
	if err != nil {
		return err
	}
	classes, encoded := encodeClasses(labels)

	b := &builder{
		X:         mat.DenseCopyOf(X),
		y:         encoded,
		weight:    sampleWeight,
		nClasses:  len(classes),
		nFeatures: nFeatures,
		tree:      dt,
		rng:       rand.New(rand.NewSource(dt.randomState)),
		maxFeat:   dt.resolveMaxFeatures(nFeatures),
		imp:       make([]float64, nFeatures),
	}

	var root []int
	for i := 0; i < nSamples; i++ {
		if sampleWeight == nil || sampleWeight[i] > 0 {
			root = append(root, i)
		}
	}
	if len(root) == 0 {
		return errors.NewValueError("DecisionTreeClassifier.Fit", "all sample weights are zero")
	}

	dt.nodes = dt.nodes[:0]
	dt.depth_ = 0
	dt.nLeaves_ = 0
	b.build(root, 0)

	total := 0.0
	for _, v := range b.imp {
		total += v
	}
	for j := range b.imp {
		if total > 0 {
			b.imp[j] /= total
		} else {
			b.imp[j] = 0
		}
	}

	dt.classes_ = classes
	dt.nClasses_ = len(classes)
	dt.nFeatures_ = nFeatures
	dt.featureImportances_ = b.imp
	dt.SetFitted()
	return nil
}

// Predict returns the most probable class label for each row as an n × 1 matrix.
func (dt *DecisionTreeClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := dt.PredictProba(X)
	if err != nil {
		return nil, err
	}
	rows, _ := proba.Dims()
	out := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		out.Set(i, 0, float64(dt.classes_[argmax(mat.Row(nil, i, proba))]))
	}
	return out, nil
}

// PredictProba returns class probabilities with columns ordered as Classes().
func (dt *DecisionTreeClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if !dt.IsFitted() {
		return nil, errors.NewNotFittedError("DecisionTreeClassifier", "PredictProba")
	}
	rows, cols := X.Dims()
	if cols != dt.nFeatures_ {
		return nil, errors.NewDimensionError("DecisionTreeClassifier.PredictProba", dt.nFeatures_, cols, 1)
	}

	out := mat.NewDense(rows, dt.nClasses_, nil)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, X)
		out.SetRow(i, dt.leaf(row).Value)
	}
	return out, nil
}

// PredictProbaRow returns the class probabilities for a single sample.
// The returned slice is a copy.
func (dt *DecisionTreeClassifier) PredictProbaRow(x []float64) ([]float64, error) {
	if !dt.IsFitted() {
		return nil, errors.NewNotFittedError("DecisionTreeClassifier", "PredictProbaRow")
	}
	if len(x) != dt.nFeatures_ {
		return nil, errors.NewDimensionError("DecisionTreeClassifier.PredictProbaRow", dt.nFeatures_, len(x), 1)
	}
	return append([]float64(nil), dt.leaf(x).Value...), nil
}

func (dt *DecisionTreeClassifier) leaf(x []float64) *Node {
	n := &dt.nodes[0]
	for !n.IsLeaf() {
		if x[n.Feature] <= n.Threshold {
			n = &dt.nodes[n.Left]
		} else {
			n = &dt.nodes[n.Right]
		}
	}
	return n
}

// Score returns the mean accuracy on X against y. It returns 0 when the
// tree cannot predict X.
func (dt *DecisionTreeClassifier) Score(X, y mat.Matrix) float64 {
	pred, err := dt.Predict(X)
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
func (dt *DecisionTreeClassifier) Classes() []int {
	return append([]int(nil), dt.classes_...)
}

// NFeatures returns the number of features seen during fitting.
func (dt *DecisionTreeClassifier) NFeatures() int { return dt.nFeatures_ }

// GetFeatureImportances returns the normalized impurity decrease per feature.
func (dt *DecisionTreeClassifier) GetFeatureImportances() []float64 {
	return append([]float64(nil), dt.featureImportances_...)
}

// GetDepth returns the depth of the fitted tree. A single leaf has depth 0.
func (dt *DecisionTreeClassifier) GetDepth() int { return dt.depth_ }

// GetNLeaves returns the number of leaves of the fitted tree.
func (dt *DecisionTreeClassifier) GetNLeaves() int { return dt.nLeaves_ }

// GetParams returns the hyperparameters.
func (dt *DecisionTreeClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"criterion":         dt.criterion,
		"max_depth":         dt.maxDepth,
		"min_samples_split": dt.minSamplesSplit,
		"min_samples_leaf":  dt.minSamplesLeaf,
		"max_features":      dt.maxFeatures,
		"random_state":      dt.randomState,
	}
}

// SetParams updates hyperparameters. Unknown keys are rejected.
func (dt *DecisionTreeClassifier) SetParams(params map[string]interface{}) error {
	for key, value := range params {
		switch key {
		case "criterion":
			v, ok := value.(string)
			if !ok {
				return errors.NewValidationError(key, "must be a string", value)
			}
			dt.criterion = v
		case "max_features":
			v, ok := value.(string)
			if !ok {
				return errors.NewValidationError(key, "must be a string", value)
			}
			dt.maxFeatures = v
		case "max_depth", "min_samples_split", "min_samples_leaf", "random_state":
			v, ok := toInt(value)
			if !ok {
				return errors.NewValidationError(key, "must be an integer", value)
			}
			switch key {
			case "max_depth":
				dt.maxDepth = v
			case "min_samples_split":
				dt.minSamplesSplit = v
			case "min_samples_leaf":
				dt.minSamplesLeaf = v
			case "random_state":
				dt.randomState = int64(v)
			}
		default:
			return errors.NewValidationError(key, "unknown parameter", value)
		}
	}
	return dt.validateParams()
}

func (dt *DecisionTreeClassifier) validateParams() error {
	if dt.criterion != "gini" && dt.criterion != "entropy" {
		return errors.NewValidationError("criterion", "must be 'gini' or 'entropy'", dt.criterion)
	}
	if dt.minSamplesSplit < 2 {
		return errors.NewValidationError("min_samples_split", "must be at least 2", dt.minSamplesSplit)
	}
	if dt.minSamplesLeaf < 1 {
		return errors.NewValidationError("min_samples_leaf", "must be at least 1", dt.minSamplesLeaf)
	}
	if _, err := parseMaxFeatures(dt.maxFeatures, 1); err != nil {
		return err
	}
	return nil
}

func (dt *DecisionTreeClassifier) resolveMaxFeatures(nFeatures int) int {
	k, _ := parseMaxFeatures(dt.maxFeatures, nFeatures)
	return k
}

func parseMaxFeatures(spec string, nFeatures int) (int, error) {
	var k int
	switch spec {
	case "", "all", "none":
		k = nFeatures
	case "sqrt":
		k = int(math.Sqrt(float64(nFeatures)))
	case "log2":
		k = int(math.Log2(float64(nFeatures)))
	default:
		if _, err := fmt.Sscanf(spec, "%d", &k); err != nil || k < 1 {
			return 0, errors.NewValidationError("max_features", "must be sqrt, log2, or a positive integer", spec)
		}
	}
	if k < 1 {
		k = 1
	}
	if k > nFeatures {
		k = nFeatures
	}
	return k, nil
}

// builder holds the scratch state of one Fit call.
type builder struct {
	X         *mat.Dense
	y         []int
	weight    []float64
	nClasses  int
	nFeatures int
	maxFeat   int
	tree      *DecisionTreeClassifier
	rng       *rand.Rand
	imp       []float64
}

func (b *builder) w(i int) float64 {
	if b.weight == nil {
		return 1
	}
	return b.weight[i]
}

type split struct {
	feature   int
	threshold float64
	proxy     float64
}

// build appends the subtree for samples and returns its node index.
func (b *builder) build(samples []int, depth int) int {
	dt := b.tree
	if depth > dt.depth_ {
		dt.depth_ = depth
	}

	counts := make([]float64, b.nClasses)
	total := 0.0
	for _, i := range samples {
		counts[b.y[i]] += b.w(i)
		total += b.w(i)
	}
	impurity := impurityOf(dt.criterion, counts, total)

	value := make([]float64, b.nClasses)
	for c := range counts {
		value[c] = counts[c] / total
	}

	idx := len(dt.nodes)
	dt.nodes = append(dt.nodes, Node{
		Feature:          -1,
		Value:            value,
		Impurity:         impurity,
		NSamples:         len(samples),
		WeightedNSamples: total,
	})

	n := len(samples)
	isLeaf := (dt.maxDepth > 0 && depth >= dt.maxDepth) ||
		n < dt.minSamplesSplit ||
		n < 2*dt.minSamplesLeaf ||
		impurity <= 1e-12

	var best *split
	if !isLeaf {
		best = b.findSplit(samples, counts, total)
	}
	if best == nil {
		dt.nLeaves_++
		return idx
	}

	b.imp[best.feature] += total*impurity - best.proxy

	var left, right []int
	for _, i := range samples {
		if b.X.At(i, best.feature) <= best.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	dt.nodes[idx].Feature = best.feature
	dt.nodes[idx].Threshold = best.threshold
	dt.nodes[idx].Left = l
	dt.nodes[idx].Right = r
	return idx
}

// findSplit scans candidate features and returns the split with the lowest
// weighted child impurity, or nil if no valid split exists. Zero-gain splits
// are accepted.
func (b *builder) findSplit(samples []int, counts []float64, total float64) *split {
	dt := b.tree
	features := make([]int, b.nFeatures)
	for j := range features {
		features[j] = j
	}
	if b.maxFeat < b.nFeatures {
		b.rng.Shuffle(len(features), func(i, j int) { features[i], features[j] = features[j], features[i] })
	}

	var best *split
	sorted := append([]int(nil), samples...)
	left := make([]float64, b.nClasses)
	right := make([]float64, b.nClasses)
	visited := 0

	for _, f := range features {
		if visited >= b.maxFeat && best != nil {
			break
		}

		sort.Slice(sorted, func(a, c int) bool {
			va, vc := b.X.At(sorted[a], f), b.X.At(sorted[c], f)
			if va != vc {
				return va < vc
			}
			return sorted[a] < sorted[c]
		})
		if b.X.At(sorted[len(sorted)-1], f) <= b.X.At(sorted[0], f)+featureThreshold {
			continue // constant feature
		}
		visited++

		for c := range left {
			left[c] = 0
			right[c] = counts[c]
		}
		wLeft := 0.0

		for p := 0; p < len(sorted)-1; p++ {
			i := sorted[p]
			wi := b.w(i)
			left[b.y[i]] += wi
			right[b.y[i]] -= wi
			wLeft += wi

			a := b.X.At(i, f)
			next := b.X.At(sorted[p+1], f)
			if next <= a+featureThreshold {
				continue
			}
			nLeft := p + 1
			if nLeft < dt.minSamplesLeaf || len(sorted)-nLeft < dt.minSamplesLeaf {
				continue
			}

			wRight := total - wLeft
			proxy := wLeft*impurityOf(dt.criterion, left, wLeft) + wRight*impurityOf(dt.criterion, right, wRight)
			if best == nil || proxy < best.proxy-1e-12 {
				threshold := (a + next) / 2
				if threshold == next {
					threshold = a
				}
				best = &split{feature: f, threshold: threshold, proxy: proxy}
			}
		}
	}
	return best
}

func impurityOf(criterion string, counts []float64, total float64) float64 {
	if total <= 0 {
		return 0
	}
	switch criterion {
	case "entropy":
		h := 0.0
		for _, c := range counts {
			if c > 0 {
				p := c / total
				h -= p * math.Log2(p)
			}
		}
		return h
	default:
		g := 1.0
		for _, c := range counts {
			p := c / total
			g -= p * p
		}
		return g
	}
}

func extractLabels(y mat.Matrix) ([]int, error) {
	rows, _ := y.Dims()
	labels := make([]int, rows)
	for i := 0; i < rows; i++ {
		v := y.At(i, 0)
		if v != math.Trunc(v) || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.NewValueError("DecisionTreeClassifier.Fit",
				fmt.Sprintf("class labels must be integers, got %v at row %d", v, i))
		}
		labels[i] = int(v)
	}
	return labels, nil
}

func encodeClasses(labels []int) ([]int, []int) {
	seen := map[int]struct{}{}
	for _, l := range labels {
		seen[l] = struct{}{}
	}
	classes := make([]int, 0, len(seen))
	for l := range seen {
		classes = append(classes, l)
	}
	sort.Ints(classes)

	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	encoded := make([]int, len(labels))
	for i, l := range labels {
		encoded[i] = index[l]
	}
	return classes, encoded
}

func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}

// treeState is the gob representation of a DecisionTreeClassifier.
type treeState struct {
	State              model.EstimatorState
	Criterion          string
	MaxDepth           int
	MinSamplesSplit    int
	MinSamplesLeaf     int
	MaxFeatures        string
	RandomState        int64
	Nodes              []Node
	Classes            []int
	NFeatures          int
	FeatureImportances []float64
	Depth              int
	NLeaves            int
}

// GobEncode implements gob.GobEncoder.
func (dt *DecisionTreeClassifier) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(treeState{
		State:              dt.State,
		Criterion:          dt.criterion,
		MaxDepth:           dt.maxDepth,
		MinSamplesSplit:    dt.minSamplesSplit,
		MinSamplesLeaf:     dt.minSamplesLeaf,
		MaxFeatures:        dt.maxFeatures,
		RandomState:        dt.randomState,
		Nodes:              dt.nodes,
		Classes:            dt.classes_,
		NFeatures:          dt.nFeatures_,
		FeatureImportances: dt.featureImportances_,
		Depth:              dt.depth_,
		NLeaves:            dt.nLeaves_,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode decision tree")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder and validates the node structure.
func (dt *DecisionTreeClassifier) GobDecode(data []byte) error {
	var s treeState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return errors.Wrap(err, "failed to decode decision tree")
	}

	if s.State == model.Fitted {
		if len(s.Nodes) == 0 {
			return errors.NewValueError("DecisionTreeClassifier.GobDecode", "fitted tree has no nodes")
		}
		for i, n := range s.Nodes {
			if len(n.Value) != len(s.Classes) {
				return errors.NewValueError("DecisionTreeClassifier.GobDecode",
					fmt.Sprintf("node %d has %d class values, expected %d", i, len(n.Value), len(s.Classes)))
			}
			if n.IsLeaf() {
				continue
			}
			if n.Feature >= s.NFeatures || n.Left <= i || n.Right <= i || n.Left >= len(s.Nodes) || n.Right >= len(s.Nodes) {
				return errors.NewValueError("DecisionTreeClassifier.GobDecode",
					fmt.Sprintf("node %d has an invalid split", i))
			}
		}
	}

	dt.State = s.State
	dt.criterion = s.Criterion
	dt.maxDepth = s.MaxDepth
	dt.minSamplesSplit = s.MinSamplesSplit
	dt.minSamplesLeaf = s.MinSamplesLeaf
	dt.maxFeatures = s.MaxFeatures
	dt.randomState = s.RandomState
	dt.nodes = s.Nodes
	dt.classes_ = s.Classes
	dt.nClasses_ = len(s.Classes)
	dt.nFeatures_ = s.NFeatures
	dt.featureImportances_ = s.FeatureImportances
	dt.depth_ = s.Depth
	dt.nLeaves_ = s.NLeaves
	return nil
}
