package risk

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/YuminosukeSato/respirex/core/model"
	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/preprocessing"
	"github.com/YuminosukeSato/respirex/sklearn/ensemble"
)

// Artifact is the fitted scaler together with the forest trained in the
// scaler's coordinate system. The two are only ever saved and loaded
// together.
//
// An Artifact is immutable after Fit or LoadArtifact and safe for concurrent
// use.
type Artifact struct {
	Scaler *preprocessing.StandardScaler
	Forest *ensemble.RandomForestClassifier
}

// Validate checks that both halves are fitted on NumFeatures features and that
// the forest predicts exactly the Levels encoding.
func (a *Artifact) Validate() error {
	if a == nil || a.Scaler == nil || a.Forest == nil {
		return errors.NewValueError("risk.Artifact", "artifact is incomplete")
	}
	if err := a.Scaler.Validate(); err != nil {
		return errors.Wrap(err, "invalid scaler")
	}
	if a.Scaler.NFeatures != NumFeatures {
		return errors.NewDimensionError("risk.Artifact.Scaler", NumFeatures, a.Scaler.NFeatures, 1)
	}
	if !a.Forest.IsFitted() {
		return errors.NewNotFittedError("RandomForestClassifier", "Validate")
	}
	if a.Forest.NFeatures() != NumFeatures {
		return errors.NewDimensionError("risk.Artifact.Forest", NumFeatures, a.Forest.NFeatures(), 1)
	}
	classes := a.Forest.Classes()
	want := levelClasses()
	if len(classes) != len(want) {
		return errors.NewValueError("risk.Artifact",
			fmt.Sprintf("forest predicts classes %v, expected %v", classes, want))
	}
	for i := range want {
		if classes[i] != want[i] {
			return errors.NewValueError("risk.Artifact",
				fmt.Sprintf("forest predicts classes %v, expected %v", classes, want))
		}
	}
	return nil
}

// PredictProba scales v and returns the class probabilities ordered as Levels.
func (a *Artifact) PredictProba(v FeatureVector) ([]float64, error) {
	scaled, err := a.Scaler.TransformRow(v.Floats())
	if err != nil {
		return nil, err
	}
	return a.Forest.PredictProbaRow(scaled)
}

// FeatureImportances returns the forest's importances keyed by FeatureNames
// order.
func (a *Artifact) FeatureImportances() []float64 {
	return a.Forest.GetFeatureImportances()
}

// WriteArtifact encodes the scaler and then the forest as two consecutive gob
// values.
func WriteArtifact(w io.Writer, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := model.SaveModelToWriter(a.Scaler, w); err != nil {
		return errors.Wrap(err, "failed to write scaler")
	}
	if err := model.SaveModelToWriter(a.Forest, w); err != nil {
		return errors.Wrap(err, "failed to write forest")
	}
	return nil
}

// ReadArtifact decodes an artifact written by WriteArtifact. Nothing is
// returned unless both halves decode and validate.
func ReadArtifact(r io.Reader) (*Artifact, error) {
	// 一つのデコーダで二つの値を読むため、同じ bufio.Reader を共有する
	br := bufio.NewReader(r)

	scaler := &preprocessing.StandardScaler{}
	if err := model.LoadModelFromReader(scaler, br); err != nil {
		return nil, errors.Wrap(err, "failed to read scaler")
	}
	forest := &ensemble.RandomForestClassifier{}
	if err := model.LoadModelFromReader(forest, br); err != nil {
		return nil, errors.Wrap(err, "failed to read forest")
	}

	a := &Artifact{Scaler: scaler, Forest: forest}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// SaveArtifact atomically replaces path with the encoded artifact.
func SaveArtifact(a *Artifact, path string) error {
	return model.WriteFileAtomic(path, func(w io.Writer) error {
		return WriteArtifact(w, a)
	})
}

// LoadArtifact reads the artifact at path.
func LoadArtifact(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open artifact %s", path)
	}
	defer f.Close()

	a, err := ReadArtifact(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load artifact %s", path)
	}
	return a, nil
}
