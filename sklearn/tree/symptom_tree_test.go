package tree

import (
	"math"
	"math/rand"
	"testing"

	"github.com/YuminosukeSato/respirex/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const smokingColumn = 4

// symptomRows builds ten-score rows whose level (0 Low, 1 Medium, 2 High)
// follows the Smoking score band; every other score is noise.
func symptomRows(n int, seed int64) (*mat.Dense, *mat.Dense) {
	rng := rand.New(rand.NewSource(seed))
	X := mat.NewDense(n, 10, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		level := i % 3
		for j := 0; j < 10; j++ {
			X.Set(i, j, float64(rng.Intn(10)))
		}
		X.Set(i, smokingColumn, float64(level*3+rng.Intn(3)))
		y.Set(i, 0, float64(level))
	}
	return X, y
}

func TestDecisionTreeClassifier_SymptomBands(t *testing.T) {
	X, y := symptomRows(90, 1)
	for _, criterion := range []string{"gini", "entropy"} {
		t.Run(criterion, func(t *testing.T) {
			dt := NewDecisionTreeClassifier(WithCriterion(criterion))
			if err := dt.Fit(X, y); err != nil {
				t.Fatal(err)
			}
			if score := dt.Score(X, y); score != 1 {
				t.Errorf("training accuracy = %v, want 1", score)
			}

			imp := dt.GetFeatureImportances()
			sum := 0.0
			for j, v := range imp {
				sum += v
				if j != smokingColumn && v >= imp[smokingColumn] {
					t.Errorf("feature %d importance %v not below Smoking %v", j, v, imp[smokingColumn])
				}
			}
			if math.Abs(sum-1) > 1e-9 {
				t.Errorf("importances sum to %v", sum)
			}

			probe := mat.NewDense(3, 10, nil)
			probe.Set(0, smokingColumn, 1)
			probe.Set(1, smokingColumn, 4)
			probe.Set(2, smokingColumn, 8)
			pred, err := dt.Predict(probe)
			if err != nil {
				t.Fatal(err)
			}
			for i, want := range []float64{0, 1, 2} {
				if pred.At(i, 0) != want {
					t.Errorf("Smoking=%v predicted %v, want %v", probe.At(i, smokingColumn), pred.At(i, 0), want)
				}
			}
		})
	}
}

func TestDecisionTreeClassifier_DepthAndLeafLimits(t *testing.T) {
	X, y := symptomRows(60, 2)

	stump := NewDecisionTreeClassifier(WithMaxDepth(1))
	if err := stump.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	if stump.GetDepth() != 1 || stump.GetNLeaves() != 2 {
		t.Errorf("stump depth=%d leaves=%d", stump.GetDepth(), stump.GetNLeaves())
	}
	if score := stump.Score(X, y); score >= 1 {
		t.Errorf("a single split cannot separate three levels, score %v", score)
	}

	const minLeaf = 7
	dt := NewDecisionTreeClassifier(WithMinSamplesLeaf(minLeaf), WithMinSamplesSplit(15))
	if err := dt.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	for i, n := range dt.nodes {
		if n.IsLeaf() && n.NSamples < minLeaf {
			t.Errorf("leaf %d holds %d samples, below %d", i, n.NSamples, minLeaf)
		}
		if !n.IsLeaf() && n.NSamples < 15 {
			t.Errorf("node %d with %d samples was split", i, n.NSamples)
		}
	}
}

// A bootstrap draw expressed as integer weights must grow the same tree as
// the rows it stands for, duplicated.
func TestDecisionTreeClassifier_WeightsMatchDuplicatedRows(t *testing.T) {
	X, y := symptomRows(45, 3)
	rng := rand.New(rand.NewSource(9))
	weights := make([]float64, 45)
	for i := 0; i < 45; i++ {
		weights[rng.Intn(45)]++
	}

	var dupX, dupY []float64
	for i, w := range weights {
		for k := 0; k < int(w); k++ {
			dupX = append(dupX, mat.Row(nil, i, X)...)
			dupY = append(dupY, y.At(i, 0))
		}
	}
	n := len(dupY)

	weighted := NewDecisionTreeClassifier()
	if err := weighted.FitWeighted(X, y, weights); err != nil {
		t.Fatal(err)
	}
	duplicated := NewDecisionTreeClassifier()
	if err := duplicated.Fit(mat.NewDense(n, 10, dupX), mat.NewDense(n, 1, dupY)); err != nil {
		t.Fatal(err)
	}

	if weighted.GetDepth() != duplicated.GetDepth() || weighted.GetNLeaves() != duplicated.GetNLeaves() {
		t.Fatalf("tree shapes differ: depth %d/%d leaves %d/%d",
			weighted.GetDepth(), duplicated.GetDepth(), weighted.GetNLeaves(), duplicated.GetNLeaves())
	}
	probe, _ := symptomRows(30, 4)
	pw, err := weighted.PredictProba(probe)
	if err != nil {
		t.Fatal(err)
	}
	pd, err := duplicated.PredictProba(probe)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.EqualApprox(pw, pd, 1e-12) {
		t.Errorf("probabilities differ:\n%v\nvs\n%v", mat.Formatted(pw), mat.Formatted(pd))
	}
}

func TestDecisionTreeClassifier_PredictErrors(t *testing.T) {
	dt := NewDecisionTreeClassifier()
	var notFitted *errors.NotFittedError
	if _, err := dt.Predict(mat.NewDense(1, 10, nil)); !errors.As(err, &notFitted) {
		t.Errorf("Predict before Fit: %v", err)
	}
	if _, err := dt.PredictProbaRow(make([]float64, 10)); !errors.As(err, &notFitted) {
		t.Errorf("PredictProbaRow before Fit: %v", err)
	}

	X, y := symptomRows(12, 5)
	if err := dt.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	var dim *errors.DimensionError
	if _, err := dt.PredictProba(mat.NewDense(1, 9, nil)); !errors.As(err, &dim) {
		t.Errorf("expected DimensionError for 9 scores, got %v", err)
	}
	if err := dt.Fit(X, mat.NewDense(11, 1, nil)); !errors.As(err, &dim) {
		t.Errorf("expected DimensionError for short labels, got %v", err)
	}
}

func TestDecisionTreeClassifier_SetParams(t *testing.T) {
	dt := NewDecisionTreeClassifier()
	// numbers decoded from JSON arrive as float64
	err := dt.SetParams(map[string]interface{}{
		"criterion":    "entropy",
		"max_depth":    4.0,
		"max_features": "sqrt",
		"random_state": 7,
	})
	if err != nil {
		t.Fatalf("SetParams() error = %v", err)
	}
	params := dt.GetParams()
	if params["criterion"] != "entropy" || params["max_depth"] != 4 ||
		params["max_features"] != "sqrt" || params["random_state"] != int64(7) {
		t.Errorf("GetParams() = %v", params)
	}

	for name, bad := range map[string]map[string]interface{}{
		"unknown key":       {"n_estimators": 10},
		"bad criterion":     {"criterion": "mse"},
		"fractional depth":  {"max_depth": 2.5},
		"min split too low": {"min_samples_split": 1},
	} {
		if err := NewDecisionTreeClassifier().SetParams(bad); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
