// Package log defines standard attribute keys for RespireX operations.
//
// Using these keys keeps training, inference, and HTTP logs queryable with
// the same field names. Keys follow a hierarchical naming convention
// (e.g., "model.name", "data.samples").

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the type of model.
	// Examples: "RandomForestClassifier", "StandardScaler", "Network"
	ModelNameKey = "model.name"

	// OperationKey specifies the operation being performed.
	// Standard values: "fit", "predict", "transform", "score"
	OperationKey = "ml.operation"

	// ComponentKey identifies which component is logging.
	// Examples: "risk", "imaging", "server"
	ComponentKey = "ml.component"

	// PhaseKey indicates the phase of model lifecycle.
	PhaseKey = "ml.phase"

	// PipelineKey names the prediction pipeline: "symptom" or "scan".
	PipelineKey = "ml.pipeline"

	// ArtifactPathKey records where a model artifact was read or written.
	ArtifactPathKey = "model.artifact_path"
)

// Data Shape and Characteristics
const (
	// SamplesKey indicates the number of samples (rows) in the dataset.
	SamplesKey = "data.samples"

	// FeaturesKey indicates the number of features (columns) in the dataset.
	FeaturesKey = "data.features"

	// ClassesKey indicates the number of target classes.
	ClassesKey = "data.classes"

	// FieldKey names the offending input field in validation failures.
	FieldKey = "data.field"

	// SourceKey identifies an input file or upload name.
	SourceKey = "data.source"
)

// Performance Metrics
const (
	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// AccuracyKey records classification accuracy in [0.0, 1.0].
	AccuracyKey = "metrics.accuracy"

	// LossKey records loss value during training or evaluation.
	LossKey = "metrics.loss"

	// IterationKey records the current iteration number during iterative processes.
	IterationKey = "training.iteration"
)

// Prediction and Output Context
const (
	// PredsKey indicates the number of predictions made.
	PredsKey = "preds.count"

	// LabelKey records the predicted label, e.g. "High Risk" or "Malignant".
	LabelKey = "preds.label"

	// ConfidenceKey records prediction confidence in [0.0, 1.0].
	ConfidenceKey = "preds.confidence"
)

// Error and Warning Context
const (
	// ErrorCodeKey provides a structured error code for programmatic handling.
	ErrorCodeKey = "error.code"

	// SuggestionKey provides helpful suggestions for resolving issues.
	SuggestionKey = "error.suggestion"
)

// Request and Configuration
const (
	// RequestIDKey correlates all logs of one HTTP request.
	RequestIDKey = "http.request_id"

	// RandomSeedKey records the random seed for reproducibility.
	RandomSeedKey = "config.random_seed"

	// ConfigFileKey records the configuration file in use.
	ConfigFileKey = "config.file"
)

// Standard attribute value constants for common operations.
const (
	OperationFit       = "fit"
	OperationPredict   = "predict"
	OperationTransform = "transform"
	OperationScore     = "score"

	PhaseTraining   = "training"
	PhaseValidation = "validation"
	PhaseInference  = "inference"

	PipelineSymptom = "symptom"
	PipelineScan    = "scan"

	ErrorNotFitted         = "NOT_FITTED"
	ErrorDimensionMismatch = "DIMENSION_MISMATCH"
	ErrorInvalidInput      = "INVALID_INPUT"
	ErrorConvergence       = "CONVERGENCE_FAILURE"
	ErrorModelUnavailable  = "MODEL_UNAVAILABLE"
)
