// Package risk implements the symptom-based lung cancer risk pipeline: feature
// validation, the fitted (scaler, forest) artifact, offline fitting and
// inference.
package risk

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/respirex/pkg/errors"
)

// NumFeatures is the length of a FeatureVector.
const NumFeatures = 10

// MinScore and MaxScore bound every symptom score.
const (
	MinScore = 0
	MaxScore = 9
)

// FeatureNames lists the symptom columns in the order the artifact was fitted
// with. Changing the order invalidates every persisted artifact.
var FeatureNames = [NumFeatures]string{
	"Coughing of Blood",
	"Chest Pain",
	"Weight Loss",
	"Shortness of Breath",
	"Smoking",
	"Genetic Risk",
	"Wheezing",
	"Fatigue",
	"Air Pollution",
	"Passive Smoker",
}

// FeatureDescriptions explains each symptom for the info endpoints.
var FeatureDescriptions = map[string]string{
	"Coughing of Blood":   "Coughing up blood (hemoptysis) happens when a tumour erodes vessels in the airways. It is rare in benign conditions and weighs heavily in the risk estimate.",
	"Chest Pain":          "Persistent pain when breathing or coughing can point to a tumour pressing on the chest wall or pleura, especially together with shortness of breath.",
	"Weight Loss":         "Unexplained weight loss is an early systemic sign of many cancers and raises risk even when other symptoms are mild.",
	"Shortness of Breath": "Dyspnea caused by airway obstruction, fluid or reduced lung capacity can be an early sign of pulmonary compromise.",
	"Smoking":             "Smoking is the dominant risk factor; tobacco carcinogens damage lung tissue directly and amplify every other symptom.",
	"Genetic Risk":        "Family history and inherited mutations predispose to lung cancer even without environmental exposure.",
	"Wheezing":            "New or worsening wheezing means restricted airflow, sometimes from narrowed airways or tumour growth.",
	"Fatigue":             "Chronic fatigue is non-specific on its own but supports the estimate when paired with other symptoms.",
	"Air Pollution":       "Long-term exposure to PM2.5 and toxic gases inflames and damages lung cells.",
	"Passive Smoker":      "Second-hand smoke causes damage similar to active smoking and identifies high-risk non-smokers.",
}

// FeatureVector holds one score per symptom, ordered as FeatureNames.
type FeatureVector [NumFeatures]int

// ParseFeatureVector parses raw scores given in FeatureNames order.
//
// Validation stops at the first bad entry; the returned
// *errors.InputValidationError names that feature. Missing trailing entries
// are reported against the first missing feature. Surplus entries are only
// reported once all ten scores have parsed.
func ParseFeatureVector(raw []string) (FeatureVector, error) {
	var v FeatureVector
	for i, name := range FeatureNames {
		if i >= len(raw) {
			return v, errors.NewInputValidationError(name, "", "value is missing")
		}
		score, err := parseScore(name, raw[i])
		if err != nil {
			return v, err
		}
		v[i] = score
	}
	if len(raw) > NumFeatures {
		return v, errors.NewInputValidationError("features", strconv.Itoa(len(raw)),
			fmt.Sprintf("expected %d values", NumFeatures))
	}
	return v, nil
}

// ParseFeatureMap parses scores keyed by feature name. Unknown keys are
// rejected so that typos do not silently turn into missing values.
func ParseFeatureMap(raw map[string]string) (FeatureVector, error) {
	var v FeatureVector
	for i, name := range FeatureNames {
		value, ok := raw[name]
		if !ok {
			return v, errors.NewInputValidationError(name, "", "value is missing")
		}
		score, err := parseScore(name, value)
		if err != nil {
			return v, err
		}
		v[i] = score
	}
	if len(raw) > NumFeatures {
		unknown := make([]string, 0, len(raw)-NumFeatures)
		for key := range raw {
			if FeatureIndex(key) < 0 {
				unknown = append(unknown, key)
			}
		}
		sort.Strings(unknown)
		key := unknown[0]
		return v, errors.NewInputValidationError(key, raw[key], "unknown feature")
	}
	return v, nil
}

// FeatureIndex returns the position of name in FeatureNames, or -1.
func FeatureIndex(name string) int {
	for i, n := range FeatureNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Validate checks that every score lies in [MinScore, MaxScore].
func (v FeatureVector) Validate() error {
	for i, score := range v {
		if score < MinScore || score > MaxScore {
			return errors.NewInputValidationError(FeatureNames[i], strconv.Itoa(score), rangeReason)
		}
	}
	return nil
}

// Floats converts the scores to the model's input row.
func (v FeatureVector) Floats() []float64 {
	row := make([]float64, NumFeatures)
	for i, score := range v {
		row[i] = float64(score)
	}
	return row
}

// Strings formats the scores for CSV output.
func (v FeatureVector) Strings() []string {
	out := make([]string, NumFeatures)
	for i, score := range v {
		out[i] = strconv.Itoa(score)
	}
	return out
}

const rangeReason = "enter a whole number between 0 and 9"

func parseScore(name, raw string) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, errors.NewInputValidationError(name, raw, "value is missing")
	}
	score, err := strconv.Atoi(value)
	if err != nil || score < MinScore || score > MaxScore {
		return 0, errors.NewInputValidationError(name, raw, rangeReason)
	}
	return score, nil
}
