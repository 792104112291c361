// Package respirex predicts lung cancer risk from two independent sources:
// ten self-reported symptom scores, and a chest scan image.
//
// # Pipelines
//
// The symptom pipeline (package risk) standardizes a FeatureVector of ten
// scores in [0,9] and runs a random forest over it, giving Low, Medium or High
// risk with per-class probabilities. Each successful prediction is appended
// to a CSV audit log (package audit).
//
// The scan pipeline (package imaging) decodes an image, resizes it to
// 224×224 RGB and runs a frozen convolutional base plus a softmax head,
// giving Benign, Malignant or Normal.
//
// Both models are fitted offline and stored as single artifact files. The
// predictors load them once and never refit.
//
// # Quick Start
//
//	corpus, err := risk.ReadCorpusFile("cancer_patient_data.csv")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := risk.Fit(corpus, risk.DefaultFitConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Report)
//
//	p, _ := risk.NewPredictor(res.Artifact)
//	pred, err := p.PredictRaw([]string{"4", "5", "3", "6", "3", "2", "5", "5", "4", "3"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(pred.Level, pred.Confidence)
//
// # Packages
//
//   - risk: symptom features, corpus reading, fit, artifact and predictor
//   - imaging: preprocessing, layers, network persistence, head training, classifier
//   - audit: append-only prediction log
//   - auth: credential store (SQLite via gorm, bcrypt hashes)
//   - config: viper-backed settings
//   - server: gin HTTP API with Prometheus metrics
//   - preprocessing, sklearn/tree, sklearn/ensemble, sklearn/linear_model, metrics:
//     the estimators and evaluation behind both pipelines
//   - core/model: estimator interfaces, gob persistence and atomic file writes
//   - core/parallel: worker fan-out for tree building and convolutions
//   - pkg/errors, pkg/log: error taxonomy and structured logging
//
// The respirex command (cmd/respirex) wraps all of this: training, one-off
// predictions, account management and the HTTP server.
package respirex
