package tree

import (
	"bytes"
	"encoding/gob"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestDecisionTreeClassifier_ZeroWeightSamplesKeepClassSet(t *testing.T) {
	X := mat.NewDense(6, 1, []float64{0, 1, 2, 3, 4, 5})
	y := mat.NewDense(6, 1, []float64{0, 0, 1, 1, 2, 2})

	// class 2 is never sampled
	weights := []float64{2, 1, 1, 3, 0, 0}

	dt := NewDecisionTreeClassifier()
	if err := dt.FitWeighted(X, y, weights); err != nil {
		t.Fatalf("FitWeighted: %v", err)
	}

	if got := dt.Classes(); len(got) != 3 || got[2] != 2 {
		t.Fatalf("Classes() = %v, want [0 1 2]", got)
	}

	proba, err := dt.PredictProba(mat.NewDense(1, 1, []float64{5}))
	if err != nil {
		t.Fatal(err)
	}
	if _, cols := proba.Dims(); cols != 3 {
		t.Fatalf("expected 3 probability columns, got %d", cols)
	}
	if proba.At(0, 2) != 0 {
		t.Errorf("unsampled class should have zero probability, got %v", proba.At(0, 2))
	}
}

func TestDecisionTreeClassifier_WeightsShiftLeafDistribution(t *testing.T) {
	// identical inputs force a single leaf
	X := mat.NewDense(3, 1, []float64{1, 1, 1})
	y := mat.NewDense(3, 1, []float64{0, 1, 1})

	dt := NewDecisionTreeClassifier()
	if err := dt.FitWeighted(X, y, []float64{3, 1, 0}); err != nil {
		t.Fatal(err)
	}
	p, err := dt.PredictProbaRow([]float64{1})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(p[0]-0.75) > 1e-12 || math.Abs(p[1]-0.25) > 1e-12 {
		t.Errorf("leaf distribution = %v, want [0.75 0.25]", p)
	}
	if dt.GetNLeaves() != 1 || dt.GetDepth() != 0 {
		t.Errorf("expected a single leaf, got leaves=%d depth=%d", dt.GetNLeaves(), dt.GetDepth())
	}
}

func TestDecisionTreeClassifier_AllZeroWeights(t *testing.T) {
	X := mat.NewDense(2, 1, []float64{0, 1})
	y := mat.NewDense(2, 1, []float64{0, 1})
	if err := NewDecisionTreeClassifier().FitWeighted(X, y, []float64{0, 0}); err == nil {
		t.Error("expected error when every weight is zero")
	}
}

func TestDecisionTreeClassifier_MaxFeaturesDeterministic(t *testing.T) {
	X := mat.NewDense(12, 4, nil)
	y := mat.NewDense(12, 1, nil)
	for i := 0; i < 12; i++ {
		X.Set(i, 0, float64(i%3))
		X.Set(i, 1, float64(i))
		X.Set(i, 2, float64((i*7)%5))
		X.Set(i, 3, float64(i%2))
		y.Set(i, 0, float64(i%3))
	}

	fit := func() []float64 {
		dt := NewDecisionTreeClassifier(WithMaxFeatures("sqrt"), WithRandomState(42))
		if err := dt.Fit(X, y); err != nil {
			t.Fatal(err)
		}
		return dt.GetFeatureImportances()
	}
	a, b := fit(), fit()
	for j := range a {
		if a[j] != b[j] {
			t.Fatalf("same seed produced different trees: %v vs %v", a, b)
		}
	}
}

func TestDecisionTreeClassifier_InvalidParams(t *testing.T) {
	X := mat.NewDense(2, 1, []float64{0, 1})
	y := mat.NewDense(2, 1, []float64{0, 1})

	tests := []struct {
		name string
		opts []Option
	}{
		{"criterion", []Option{WithCriterion("mse")}},
		{"min samples split", []Option{WithMinSamplesSplit(1)}},
		{"min samples leaf", []Option{WithMinSamplesLeaf(0)}},
		{"max features", []Option{WithMaxFeatures("half")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewDecisionTreeClassifier(tt.opts...).Fit(X, y); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := NewDecisionTreeClassifier().SetParams(map[string]interface{}{"splitter": "best"}); err == nil {
		t.Error("expected error for unknown parameter")
	}
}

func TestDecisionTreeClassifier_NonIntegerLabels(t *testing.T) {
	X := mat.NewDense(2, 1, []float64{0, 1})
	y := mat.NewDense(2, 1, []float64{0, 0.5})
	if err := NewDecisionTreeClassifier().Fit(X, y); err == nil {
		t.Error("expected error for fractional labels")
	}
}

func TestDecisionTreeClassifier_GobRoundTrip(t *testing.T) {
	X := mat.NewDense(9, 2, []float64{
		0, 0, 0, 1, 1, 0,
		3, 3, 3, 4, 4, 3,
		6, 6, 6, 7, 7, 6,
	})
	y := mat.NewDense(9, 1, []float64{0, 0, 0, 1, 1, 1, 2, 2, 2})

	dt := NewDecisionTreeClassifier(WithCriterion("entropy"))
	if err := dt.Fit(X, y); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dt); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var loaded DecisionTreeClassifier
	if err := gob.NewDecoder(&buf).Decode(&loaded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !loaded.IsFitted() || loaded.criterion != "entropy" || loaded.nClasses_ != 3 {
		t.Fatalf("state not restored: fitted=%v criterion=%s classes=%d",
			loaded.IsFitted(), loaded.criterion, loaded.nClasses_)
	}
	want, _ := dt.PredictProba(X)
	got, err := loaded.PredictProba(X)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(want, got) {
		t.Error("loaded tree predicts differently")
	}
}

func TestDecisionTreeClassifier_GobDecodeRejectsBrokenNodes(t *testing.T) {
	dt := NewDecisionTreeClassifier()
	dt.nodes = []Node{{Feature: 0, Threshold: 1, Left: 5, Right: 6, Value: []float64{1}}}
	dt.classes_ = []int{0}
	dt.nClasses_ = 1
	dt.nFeatures_ = 1
	dt.SetFitted()

	data, err := dt.GobEncode()
	if err != nil {
		t.Fatal(err)
	}
	var loaded DecisionTreeClassifier
	if err := loaded.GobDecode(data); err == nil {
		t.Error("expected error for out-of-range child index")
	}
}
