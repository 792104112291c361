package linear_model

import (
	"math"
	"testing"

	"github.com/YuminosukeSato/respirex/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func threeClassData() (*mat.Dense, *mat.Dense) {
	X := mat.NewDense(9, 2, []float64{
		0, 0, 0, 1, 1, 0,
		2, 2, 2, 3, 3, 2,
		4, 4, 4, 5, 5, 4,
	})
	y := mat.NewDense(9, 1, []float64{0, 0, 0, 1, 1, 1, 2, 2, 2})
	return X, y
}

func TestLogisticRegression_MultinomialCoefShape(t *testing.T) {
	X, y := threeClassData()
	lr := NewLogisticRegression(WithLRMaxIter(1000), WithLRC(10), WithLRRandomState(42))
	if err := lr.Fit(X, y); err != nil {
		t.Fatal(err)
	}

	coef := lr.Coef()
	if len(coef) != 3 || len(coef[0]) != 2 {
		t.Fatalf("coef shape = %dx%d, want 3x2", len(coef), len(coef[0]))
	}
	if len(lr.Intercept()) != 3 {
		t.Fatalf("intercept length = %d", len(lr.Intercept()))
	}

	// softmax of the exported parameters reproduces PredictProba
	proba, err := lr.PredictProba(X)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 9; i++ {
		logits := make([]float64, 3)
		for k := range logits {
			logits[k] = lr.Intercept()[k] + coef[k][0]*X.At(i, 0) + coef[k][1]*X.At(i, 1)
		}
		p := errors.Softmax(logits)
		for k := range p {
			if math.Abs(p[k]-proba.At(i, k)) > 1e-12 {
				t.Fatalf("row %d class %d: %v vs %v", i, k, p[k], proba.At(i, k))
			}
		}
	}
}

func TestLogisticRegression_SameSeedSameModel(t *testing.T) {
	X, y := threeClassData()
	a := NewLogisticRegression(WithLRRandomState(7), WithLRMaxIter(50))
	b := NewLogisticRegression(WithLRRandomState(7), WithLRMaxIter(50))
	if err := a.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	if err := b.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	ca, cb := a.Coef(), b.Coef()
	for k := range ca {
		for j := range ca[k] {
			if ca[k][j] != cb[k][j] {
				t.Fatalf("coef[%d][%d] differs: %v vs %v", k, j, ca[k][j], cb[k][j])
			}
		}
	}
}

func TestLogisticRegression_OVR(t *testing.T) {
	X, y := threeClassData()
	lr := NewLogisticRegression(WithLRMultiClass("ovr"), WithLRMaxIter(1000), WithLRC(10))
	if err := lr.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	proba, err := lr.PredictProba(X)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 9; i++ {
		sum := proba.At(i, 0) + proba.At(i, 1) + proba.At(i, 2)
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("row %d sums to %v", i, sum)
		}
	}
	if got := len(lr.NIter()); got != 3 {
		t.Errorf("expected 3 fitted models, got %d", got)
	}
}

func TestLogisticRegression_ConvergenceWarning(t *testing.T) {
	var warnings []error
	errors.SetZerologWarnFunc(func(w error) { warnings = append(warnings, w) })
	defer errors.SetZerologWarnFunc(nil)

	X, y := threeClassData()
	lr := NewLogisticRegression(WithLRMaxIter(2), WithLRTol(1e-12))
	if err := lr.Fit(X, y); err != nil {
		t.Fatal(err)
	}

	if len(warnings) != 1 {
		t.Fatalf("expected one convergence warning, got %d", len(warnings))
	}
	var cw *errors.ConvergenceWarning
	if !errors.As(warnings[0], &cw) || cw.Iterations != 2 {
		t.Errorf("unexpected warning: %v", warnings[0])
	}
}

func TestLogisticRegression_FitValidation(t *testing.T) {
	X := mat.NewDense(3, 1, []float64{0, 1, 2})

	if err := NewLogisticRegression().Fit(X, mat.NewDense(3, 1, []float64{1, 1, 1})); err == nil {
		t.Error("expected error for a single class")
	}
	if err := NewLogisticRegression(WithLRC(0)).Fit(X, mat.NewDense(3, 1, []float64{0, 1, 1})); err == nil {
		t.Error("expected error for C=0")
	}
	if err := NewLogisticRegression(WithLRMultiClass("softmax")).Fit(X, mat.NewDense(3, 1, []float64{0, 1, 2})); err == nil {
		t.Error("expected error for unknown multi_class")
	}
	if err := NewLogisticRegression().SetParams(map[string]interface{}{"max_iter": "ten"}); err == nil {
		t.Error("expected type error from SetParams")
	}
}
