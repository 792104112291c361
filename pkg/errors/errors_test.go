package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestNewModelError(t *testing.T) {
	tests := []struct {
		name     string
		op       string
		kind     string
		err      error
		wantMsg  string
		hasStack bool
	}{
		{
			name:     "with original error",
			op:       "Fit",
			kind:     "invalid input",
			err:      fmt.Errorf("test error"),
			wantMsg:  "respirex: Fit: invalid input: test error",
			hasStack: true,
		},
		{
			name:     "without original error",
			op:       "Predict",
			kind:     "not fitted",
			err:      nil,
			wantMsg:  "respirex: Predict: not fitted",
			hasStack: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewModelError(tt.op, tt.kind, tt.err)

			// 基本的なエラーメッセージの確認
			if err.Error() != tt.wantMsg {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.wantMsg)
			}

			// スタックトレースの存在確認
			if tt.hasStack {
				formatted := fmt.Sprintf("%+v", err)
				if !strings.Contains(formatted, "errors_test.go") {
					t.Error("Expected stack trace to contain test file name")
				}
			}

			var modelErr *ModelError
			if !As(err, &modelErr) {
				t.Error("Error should be castable to *ModelError")
			}
		})
	}
}

func TestNewDimensionError(t *testing.T) {
	err := NewDimensionError("StandardScaler.Transform", 10, 9, 1)

	want := "respirex: StandardScaler.Transform: dimension mismatch on axis 1 (features). Expected 10, got 9"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}

	var dimErr *DimensionError
	if !As(err, &dimErr) {
		t.Error("Error should be castable to *DimensionError")
	}
}

func TestNewNotFittedError(t *testing.T) {
	err := NewNotFittedError("RandomForestClassifier", "Predict")

	want := "respirex: RandomForestClassifier: this model is not fitted yet. Call Fit() before using Predict()"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}

	var notFittedErr *NotFittedError
	if !As(err, &notFittedErr) {
		t.Error("Error should be castable to *NotFittedError")
	}
}

func TestNewConvergenceWarning(t *testing.T) {
	warn := NewConvergenceWarning("GradientDescent", 1000, "loss did not decrease")

	want := "GradientDescent failed to converge after 1000 iterations: loss did not decrease"
	if warn.Error() != want {
		t.Errorf("Error() = %v, want %v", warn.Error(), want)
	}

	var convWarn *ConvergenceWarning
	if !As(warn, &convWarn) {
		t.Error("Warning should be castable to *ConvergenceWarning")
	}
}

func TestWarnRoutesToZerologFunc(t *testing.T) {
	var got []error
	SetZerologWarnFunc(func(w error) { got = append(got, w) })
	defer SetZerologWarnFunc(nil)

	Warn(NewUndefinedMetricWarning("precision", "no predicted samples", 0))

	if len(got) != 1 {
		t.Fatalf("expected 1 routed warning, got %d", len(got))
	}
	var w *UndefinedMetricWarning
	if !As(got[0], &w) || w.Metric != "precision" {
		t.Errorf("unexpected warning routed: %v", got[0])
	}
}

func TestPipelineErrors(t *testing.T) {
	cause := fmt.Errorf("open model.gob: no such file or directory")

	tests := []struct {
		name    string
		err     error
		wantMsg string
		check   func(error) bool
	}{
		{
			name:    "input validation",
			err:     NewInputValidationError("Chest Pain", "12", "must be a whole number between 0 and 9"),
			wantMsg: `respirex: invalid input for Chest Pain: must be a whole number between 0 and 9 (got: "12")`,
			check: func(err error) bool {
				var target *InputValidationError
				return As(err, &target) && target.Field == "Chest Pain"
			},
		},
		{
			name:    "model unavailable",
			err:     NewModelUnavailableError("symptom", cause),
			wantMsg: "respirex: symptom model is unavailable: open model.gob: no such file or directory",
			check: func(err error) bool {
				var target *ModelUnavailableError
				return As(err, &target) && Is(err, cause)
			},
		},
		{
			name:    "image decode",
			err:     NewImageDecodeError("scan.png", fmt.Errorf("unexpected EOF")),
			wantMsg: "respirex: cannot decode image scan.png: unexpected EOF",
			check: func(err error) bool {
				var target *ImageDecodeError
				return As(err, &target)
			},
		},
		{
			name:    "data integrity with row",
			err:     NewDataIntegrityError(3, "Level", "low", "unrecognized risk label"),
			wantMsg: `respirex: data integrity violation at row 3, column "Level": unrecognized risk label (got: "low")`,
			check: func(err error) bool {
				var target *DataIntegrityError
				return As(err, &target) && target.Row == 3
			},
		},
		{
			name:    "data integrity without row",
			err:     NewDataIntegrityError(0, "Smoking", "", "column is missing"),
			wantMsg: `respirex: data integrity violation in column "Smoking": column is missing`,
			check: func(err error) bool {
				var target *DataIntegrityError
				return As(err, &target)
			},
		},
		{
			name:    "storage integrity",
			err:     NewStorageIntegrityError("user", "a@b.c"),
			wantMsg: `respirex: user "a@b.c" already exists`,
			check: func(err error) bool {
				var target *StorageIntegrityError
				return As(err, &target) && target.Key == "a@b.c"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.wantMsg {
				t.Errorf("Error() = %v, want %v", tt.err.Error(), tt.wantMsg)
			}
			if !tt.check(tt.err) {
				t.Errorf("error %v did not satisfy type check", tt.err)
			}
		})
	}
}

func TestWrapf(t *testing.T) {
	wrapped := Wrapf(ErrEmptyData, "in %s: expected %d, got %d", "Predict", 10, 5)

	if !Is(wrapped, ErrEmptyData) {
		t.Error("Expected Is(wrapped, ErrEmptyData) to be true")
	}

	expectedMsg := "in Predict: expected 10, got 5"
	if !strings.Contains(wrapped.Error(), expectedMsg) {
		t.Errorf("Expected wrapped error to contain %q", expectedMsg)
	}
}

func TestErrorChaining(t *testing.T) {
	err1 := fmt.Errorf("base error")
	err2 := Wrap(err1, "wrapped once")
	err3 := NewModelError("Operation", "failed", err2)

	if !strings.Contains(err3.Error(), "base error") {
		t.Error("Expected error chain to contain base error")
	}

	// スタックトレースの確認（詳細表示）
	formatted := fmt.Sprintf("%+v", err3)
	if !strings.Contains(formatted, "errors_test.go") {
		t.Error("Expected detailed error to contain stack trace")
	}
}
