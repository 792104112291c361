package linear_model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/YuminosukeSato/respirex/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// embeddingClusters imitates pooled scan embeddings: one noisy cluster per
// class (0 Benign, 1 Malignant, 2 Normal) in four dimensions.
func embeddingClusters(perClass int) (*mat.Dense, *mat.Dense) {
	centers := [][]float64{
		{2, 0, 0, 1},
		{0, 2, 1, 0},
		{0, 0, 2, 2},
	}
	rng := rand.New(rand.NewSource(3))
	n := perClass * len(centers)
	X := mat.NewDense(n, 4, nil)
	y := mat.NewDense(n, 1, nil)
	for c, center := range centers {
		for i := 0; i < perClass; i++ {
			row := c*perClass + i
			for j, v := range center {
				X.Set(row, j, v+0.3*rng.NormFloat64())
			}
			y.Set(row, 0, float64(c))
		}
	}
	return X, y
}

func TestLogisticRegression_ScanHeadSeparatesClusters(t *testing.T) {
	X, y := embeddingClusters(30)
	for _, multiClass := range []string{"multinomial", "ovr"} {
		t.Run(multiClass, func(t *testing.T) {
			lr := NewLogisticRegression(
				WithLRMultiClass(multiClass),
				WithLRMaxIter(300),
				WithLRRandomState(42),
			)
			if err := lr.Fit(X, y); err != nil {
				t.Fatal(err)
			}
			if score := lr.Score(X, y); score < 0.95 {
				t.Errorf("training accuracy %.3f, want >= 0.95", score)
			}
			proba, err := lr.PredictProba(X)
			if err != nil {
				t.Fatal(err)
			}
			rows, cols := proba.Dims()
			if cols != 3 {
				t.Fatalf("proba has %d columns", cols)
			}
			for i := 0; i < rows; i++ {
				if sum := mat.Sum(proba.(*mat.Dense).RowView(i)); math.Abs(sum-1) > 1e-9 {
					t.Fatalf("row %d sums to %v", i, sum)
				}
			}
		})
	}
}

func TestLogisticRegression_OVRProbaFromExportedParameters(t *testing.T) {
	X, y := embeddingClusters(10)
	lr := NewLogisticRegression(WithLRMultiClass("ovr"), WithLRMaxIter(100), WithLRRandomState(1))
	if err := lr.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	proba, err := lr.PredictProba(X)
	if err != nil {
		t.Fatal(err)
	}
	coef, intercept := lr.Coef(), lr.Intercept()
	for i := 0; i < 30; i++ {
		scores := make([]float64, 3)
		for k := range scores {
			scores[k] = intercept[k]
			for j := 0; j < 4; j++ {
				scores[k] += coef[k][j] * X.At(i, j)
			}
		}
		for k, p := range NormalizedSigmoid(scores) {
			if math.Abs(p-proba.At(i, k)) > 1e-12 {
				t.Fatalf("row %d class %d: %v vs %v", i, k, p, proba.At(i, k))
			}
		}
	}
}

func TestLogisticRegression_TwoClassesKeepOneRowPerClass(t *testing.T) {
	X := mat.NewDense(6, 1, []float64{-2, -1.5, -1, 1, 1.5, 2})
	y := mat.NewDense(6, 1, []float64{3, 3, 3, 7, 7, 7})
	lr := NewLogisticRegression(WithLRMaxIter(200), WithLRRandomState(0))
	if err := lr.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	if got := lr.Classes(); len(got) != 2 || got[0] != 3 || got[1] != 7 {
		t.Fatalf("classes = %v", got)
	}
	if len(lr.Coef()) != 2 || len(lr.Intercept()) != 2 {
		t.Fatalf("expected two coefficient rows, got %d", len(lr.Coef()))
	}
	pred, err := lr.Predict(mat.NewDense(2, 1, []float64{-3, 3}))
	if err != nil {
		t.Fatal(err)
	}
	if pred.At(0, 0) != 3 || pred.At(1, 0) != 7 {
		t.Errorf("predictions = %v", mat.Formatted(pred))
	}
}

func TestLogisticRegression_SmallerCShrinksWeights(t *testing.T) {
	X, y := embeddingClusters(30)
	norm := func(c float64) float64 {
		lr := NewLogisticRegression(WithLRC(c), WithLRMaxIter(300), WithLRRandomState(42))
		if err := lr.Fit(X, y); err != nil {
			t.Fatal(err)
		}
		sum := 0.0
		for _, row := range lr.Coef() {
			for _, w := range row {
				sum += w * w
			}
		}
		return math.Sqrt(sum)
	}
	strong, weak := norm(0.01), norm(100)
	if strong >= weak {
		t.Errorf("C=0.01 norm %v should be below C=100 norm %v", strong, weak)
	}
}

func TestLogisticRegression_NotFittedAndWrongWidth(t *testing.T) {
	lr := NewLogisticRegression()
	X := mat.NewDense(2, 4, nil)

	var notFitted *errors.NotFittedError
	if _, err := lr.Predict(X); !errors.As(err, &notFitted) {
		t.Errorf("Predict before Fit: %v", err)
	}
	if _, err := lr.PredictProba(X); !errors.As(err, &notFitted) {
		t.Errorf("PredictProba before Fit: %v", err)
	}

	Xtrain, y := embeddingClusters(5)
	if err := lr.Fit(Xtrain, y); err != nil {
		t.Fatal(err)
	}
	var dim *errors.DimensionError
	if _, err := lr.DecisionFunction(mat.NewDense(2, 3, nil)); !errors.As(err, &dim) {
		t.Errorf("expected DimensionError for 3 features, got %v", err)
	}
}

func TestLogisticRegression_ParamsRoundTrip(t *testing.T) {
	lr := NewLogisticRegression(WithLRMultiClass("ovr"), WithLREta0(0.5), WithLRC(2))
	params := lr.GetParams()
	if params["multi_class"] != "ovr" || params["eta0"] != 0.5 || params["C"] != 2.0 {
		t.Fatalf("GetParams() = %v", params)
	}

	other := NewLogisticRegression()
	if err := other.SetParams(params); err != nil {
		t.Fatalf("SetParams(GetParams()) error = %v", err)
	}
	if other.multiClass != "ovr" || other.eta0 != 0.5 || other.C != 2 {
		t.Errorf("params not applied: %v", other.GetParams())
	}
	if err := other.SetParams(map[string]interface{}{"alpha": 1.0}); err == nil {
		t.Error("expected error for unknown parameter")
	}
}
