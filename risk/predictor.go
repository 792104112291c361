package risk

import (
	"context"

	"github.com/YuminosukeSato/respirex/audit"
	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"github.com/YuminosukeSato/respirex/sklearn/ensemble"
)

// Recorder receives one audit record per successful prediction.
type Recorder interface {
	Append(rec audit.Record) error
}

// Prediction is the result of Predictor.Predict.
type Prediction struct {
	Features      FeatureVector
	Level         Level
	Confidence    float64
	Probabilities [NumLevels]float64
	// AuditErr is set when the audit record could not be written. The
	// prediction itself is still valid.
	AuditErr error
}

// NumLevels is the number of risk classes.
const NumLevels = 3

// Probability returns the probability of level, or 0 for Unrecognized.
func (p *Prediction) Probability(level Level) float64 {
	if !level.Valid() {
		return 0
	}
	return p.Probabilities[level]
}

// Predictor runs the symptom pipeline against a loaded Artifact.
//
// A Predictor built with Unavailable rejects every request with a
// *errors.ModelUnavailableError; it never reloads the artifact.
type Predictor struct {
	artifact *Artifact
	recorder Recorder
	cause    error
	logger   log.Logger
}

// PredictorOption configures a Predictor.
type PredictorOption func(*Predictor)

// WithRecorder sets the audit sink. Without one nothing is recorded.
func WithRecorder(r Recorder) PredictorOption {
	return func(p *Predictor) {
		p.recorder = r
	}
}

// NewPredictor validates the artifact and returns a ready predictor.
func NewPredictor(a *Artifact, opts ...PredictorOption) (*Predictor, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	p := &Predictor{artifact: a, logger: log.GetLoggerWithName("risk.predictor")}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Unavailable returns a predictor that fails every request with cause.
func Unavailable(cause error, opts ...PredictorOption) *Predictor {
	if cause == nil {
		cause = errors.New("no artifact loaded")
	}
	p := &Predictor{cause: cause, logger: log.GetLoggerWithName("risk.predictor")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LoadPredictor loads the artifact at path once. A failed load is logged and
// produces an unavailable predictor instead of an error.
func LoadPredictor(path string, opts ...PredictorOption) *Predictor {
	logger := log.GetLoggerWithName("risk.predictor")
	a, err := LoadArtifact(path)
	if err == nil {
		var p *Predictor
		p, err = NewPredictor(a, opts...)
		if err == nil {
			logger.Info("Symptom model loaded", log.ArtifactPathKey, path)
			return p
		}
	}
	logger.Error("Symptom model unavailable", err,
		log.ArtifactPathKey, path,
		log.ErrorCodeKey, log.ErrorModelUnavailable,
	)
	return Unavailable(err, opts...)
}

// Available reports whether the predictor holds an artifact.
func (p *Predictor) Available() bool { return p.artifact != nil }

// Err returns the load failure of an unavailable predictor.
func (p *Predictor) Err() error {
	if p.Available() {
		return nil
	}
	return errors.NewModelUnavailableError(log.PipelineSymptom, p.cause)
}

// Artifact returns the loaded artifact, or nil.
func (p *Predictor) Artifact() *Artifact { return p.artifact }

// PredictRaw parses raw scores in FeatureNames order and predicts.
func (p *Predictor) PredictRaw(raw []string) (*Prediction, error) {
	if err := p.Err(); err != nil {
		return nil, err
	}
	v, err := ParseFeatureVector(raw)
	if err != nil {
		return nil, err
	}
	return p.Predict(v)
}

// Predict scales v with the stored scaler, runs the forest and maps the
// winning class through the Level table. On success a record is appended to
// the audit sink.
func (p *Predictor) Predict(v FeatureVector) (_ *Prediction, err error) {
	defer errors.Recover(&err, "risk.Predictor.Predict")

	if err := p.Err(); err != nil {
		return nil, err
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}

	proba, err := p.artifact.PredictProba(v)
	if err != nil {
		return nil, err
	}
	if len(proba) != NumLevels {
		return nil, errors.NewDimensionError("risk.Predictor.Predict", NumLevels, len(proba), 1)
	}

	best := ensemble.ArgMax(proba)
	pred := &Prediction{
		Features:   v,
		Level:      LevelFromIndex(p.artifact.Forest.Classes()[best]),
		Confidence: proba[best],
	}
	copy(pred.Probabilities[:], proba)

	if p.logger.Enabled(context.Background(), log.LevelDebug) {
		p.logger.Debug("Symptom prediction",
			log.OperationKey, log.OperationPredict,
			log.LabelKey, pred.Level.String(),
			log.ConfidenceKey, pred.Confidence,
		)
	}

	if p.recorder != nil {
		rec := audit.Record{Features: v, Level: pred.Level.String()}
		if auditErr := p.recorder.Append(rec); auditErr != nil {
			pred.AuditErr = auditErr
			p.logger.Warn("Failed to append audit record", auditErr)
		}
	}
	return pred, nil
}
