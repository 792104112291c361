package risk

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/YuminosukeSato/respirex/audit"
	"github.com/YuminosukeSato/respirex/core/model"
	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/preprocessing"
)

// syntheticCSV builds a corpus where the level follows the overall severity.
func syntheticCSV(n int, seed int64) string {
	rng := rand.New(rand.NewSource(seed))
	var b strings.Builder
	b.WriteString("index,Patient Id,Age,")
	b.WriteString(strings.Join(FeatureNames[:], ","))
	b.WriteString(",Level\n")

	labels := []string{"Low", "Medium", "High"}
	for i := 0; i < n; i++ {
		level := i % 3
		lo := level * 3
		fmt.Fprintf(&b, "%d,P%d,%d", i, i, 20+rng.Intn(50))
		for j := 0; j < NumFeatures; j++ {
			fmt.Fprintf(&b, ",%d", lo+rng.Intn(4))
		}
		fmt.Fprintf(&b, ",%s\n", labels[level])
	}
	return b.String()
}

var (
	fitOnce   sync.Once
	fitResult *FitResult
	fitErr    error
)

func fittedArtifact(t *testing.T) *FitResult {
	t.Helper()
	fitOnce.Do(func() {
		corpus, err := ReadCorpus(strings.NewReader(syntheticCSV(300, 7)))
		if err != nil {
			fitErr = err
			return
		}
		cfg := DefaultFitConfig()
		cfg.NEstimators = 25
		fitResult, fitErr = Fit(corpus, cfg)
	})
	if fitErr != nil {
		t.Fatalf("Fit: %v", fitErr)
	}
	return fitResult
}

type memRecorder struct {
	mu   sync.Mutex
	recs []audit.Record
	err  error
}

func (m *memRecorder) Append(rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

func TestFit_ReportAndSplit(t *testing.T) {
	res := fittedArtifact(t)

	if res.TestSize != 60 || res.TrainSize != 240 {
		t.Errorf("split = %d/%d, want 240/60", res.TrainSize, res.TestSize)
	}
	if res.Accuracy < 0.9 {
		t.Errorf("held-out accuracy %.3f on separable data", res.Accuracy)
	}
	if res.AUC < 0.9 || res.AUC > 1 {
		t.Errorf("AUC = %.3f", res.AUC)
	}
	if res.Accuracy != res.Report.Accuracy {
		t.Errorf("accuracy %.3f disagrees with report %.3f", res.Accuracy, res.Report.Accuracy)
	}
	if res.LogLoss < 0 || res.LogLoss > 0.7 {
		t.Errorf("log loss = %.3f on separable data", res.LogLoss)
	}
	if len(res.Report.Classes) != 3 || res.Report.Classes[2].Label != "High Risk" {
		t.Errorf("unexpected report classes %+v", res.Report.Classes)
	}
	if !strings.Contains(res.Report.String(), "weighted avg") {
		t.Error("report table is missing the weighted average")
	}
	if len(res.Features) != NumFeatures || res.Features[0].Name != "Coughing of Blood" {
		t.Errorf("unexpected feature summary %+v", res.Features)
	}
	if res.Features[0].Min < 0 || res.Features[0].Max > 9 {
		t.Errorf("summary range out of bounds: %+v", res.Features[0])
	}
}

func TestSplit_Deterministic(t *testing.T) {
	train1, test1, err := Split(101, 0.2, 42)
	if err != nil {
		t.Fatal(err)
	}
	train2, test2, _ := Split(101, 0.2, 42)
	if fmt.Sprint(train1, test1) != fmt.Sprint(train2, test2) {
		t.Error("same seed produced different splits")
	}
	if len(test1) != 21 || len(train1) != 80 {
		t.Errorf("split sizes %d/%d, want 80/21", len(train1), len(test1))
	}
	seen := map[int]bool{}
	for _, i := range append(append([]int{}, train1...), test1...) {
		if seen[i] {
			t.Fatalf("index %d appears twice", i)
		}
		seen[i] = true
	}

	_, other, _ := Split(101, 0.2, 43)
	if fmt.Sprint(other) == fmt.Sprint(test1) {
		t.Error("different seeds produced the same held-out split")
	}

	if _, _, err := Split(1, 0.2, 42); err == nil {
		t.Error("expected error when nothing is left for training")
	}
}

func TestFit_MissingLevelInTraining(t *testing.T) {
	corpus := &Corpus{}
	for i := 0; i < 20; i++ {
		corpus.Samples = append(corpus.Samples, Sample{Features: FeatureVector{i % 10}, Level: Level(i % 2)})
	}
	_, err := Fit(corpus, DefaultFitConfig())
	var dataErr *errors.DataIntegrityError
	if !errors.As(err, &dataErr) {
		t.Fatalf("expected DataIntegrityError, got %v", err)
	}
	if dataErr.Value != "High" {
		t.Errorf("expected the missing High label to be reported, got %q", dataErr.Value)
	}
}

func TestFitConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*FitConfig)
	}{
		{"zero test size", func(c *FitConfig) { c.TestSize = 0 }},
		{"full test size", func(c *FitConfig) { c.TestSize = 1 }},
		{"no trees", func(c *FitConfig) { c.NEstimators = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultFitConfig()
			tt.mod(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPredictor_AllValidVectorsReturnALevel(t *testing.T) {
	res := fittedArtifact(t)
	p, err := NewPredictor(res.Artifact)
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		var v FeatureVector
		for j := range v {
			v[j] = rng.Intn(10)
		}
		pred, err := p.Predict(v)
		if err != nil {
			t.Fatalf("Predict(%v): %v", v, err)
		}
		if !pred.Level.Valid() {
			t.Fatalf("Predict(%v) returned %v", v, pred.Level)
		}
		sum := 0.0
		for _, prob := range pred.Probabilities {
			sum += prob
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("probabilities sum to %v", sum)
		}
		if pred.Confidence != pred.Probability(pred.Level) {
			t.Fatalf("confidence %v does not match the winning probability", pred.Confidence)
		}
	}
}

func TestPredictor_SampleBattery(t *testing.T) {
	res := fittedArtifact(t)
	p, _ := NewPredictor(res.Artifact)

	zeros, err := p.Predict(AllZeros)
	if err != nil {
		t.Fatal(err)
	}
	nines, err := p.Predict(AllNines)
	if err != nil {
		t.Fatal(err)
	}
	if zeros.Level == nines.Level {
		t.Errorf("all zeros and all nines both predicted %v", zeros.Level)
	}
	if zeros.Level != Low || nines.Level != High {
		t.Errorf("zeros=%v nines=%v, want Low Risk / High Risk", zeros.Level, nines.Level)
	}

	moderate, err := p.Predict(ModerateCase)
	if err != nil {
		t.Fatal(err)
	}
	if moderate.Level == Low {
		t.Errorf("moderate case predicted %v", moderate.Level)
	}

	// 同じ入力は同じ結果
	again, _ := p.Predict(ModerateCase)
	if again.Level != moderate.Level || again.Probabilities != moderate.Probabilities {
		t.Error("repeated prediction differs")
	}
}

func TestPredictor_InvalidInputIsNotAudited(t *testing.T) {
	res := fittedArtifact(t)
	rec := &memRecorder{}
	p, _ := NewPredictor(res.Artifact, WithRecorder(rec))

	v := FeatureVector{1, 2, 3, 10, 4, -1, 0, 0, 0, 0}
	_, err := p.Predict(v)
	var inputErr *errors.InputValidationError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected InputValidationError, got %v", err)
	}
	if inputErr.Field != "Shortness of Breath" {
		t.Errorf("expected first failing feature, got %q", inputErr.Field)
	}

	_, err = p.PredictRaw([]string{"1", "2", "x", "4", "5", "6", "7", "8", "9", "0"})
	if !errors.As(err, &inputErr) || inputErr.Field != "Weight Loss" {
		t.Errorf("expected Weight Loss to fail, got %v", err)
	}

	if len(rec.recs) != 0 {
		t.Errorf("invalid input wrote %d audit records", len(rec.recs))
	}

	if _, err := p.Predict(MediumCase); err != nil {
		t.Fatal(err)
	}
	if len(rec.recs) != 1 || rec.recs[0].Features != [10]int(MediumCase) {
		t.Errorf("unexpected audit records %+v", rec.recs)
	}
}

func TestPredictor_AuditFailureKeepsPrediction(t *testing.T) {
	res := fittedArtifact(t)
	rec := &memRecorder{err: errors.New("disk full")}
	p, _ := NewPredictor(res.Artifact, WithRecorder(rec))

	pred, err := p.Predict(AllNines)
	if err != nil {
		t.Fatalf("audit failure must not fail the prediction: %v", err)
	}
	if pred.AuditErr == nil {
		t.Error("expected AuditErr to be reported")
	}
	if !pred.Level.Valid() {
		t.Errorf("invalid level %v", pred.Level)
	}
}

func TestPredictor_WritesAuditFile(t *testing.T) {
	res := fittedArtifact(t)
	path := filepath.Join(t.TempDir(), "prediction_log.csv")
	l, err := audit.NewLog(path, FeatureNames[:])
	if err != nil {
		t.Fatal(err)
	}
	p, _ := NewPredictor(res.Artifact, WithRecorder(l))

	for _, s := range SampleBattery() {
		if _, err := p.Predict(s.Features); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := audit.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != len(SampleBattery()) {
		t.Fatalf("got %d audit rows", len(recs))
	}
	for _, r := range recs {
		if _, err := ParseLevel(strings.TrimSuffix(r.Level, " Risk")); err != nil {
			t.Errorf("audit row has level %q", r.Level)
		}
	}
}

func TestPredictor_Unavailable(t *testing.T) {
	rec := &memRecorder{}
	p := Unavailable(errors.New("artifact missing"), WithRecorder(rec))
	if p.Available() {
		t.Fatal("unavailable predictor reports available")
	}

	for i := 0; i < 2; i++ {
		_, err := p.Predict(AllZeros)
		var unavailable *errors.ModelUnavailableError
		if !errors.As(err, &unavailable) {
			t.Fatalf("expected ModelUnavailableError, got %v", err)
		}
	}
	// 入力検証より先に利用不可を返す
	_, err := p.PredictRaw([]string{"bad"})
	var unavailable *errors.ModelUnavailableError
	if !errors.As(err, &unavailable) {
		t.Errorf("expected ModelUnavailableError for bad input too, got %v", err)
	}
	if len(rec.recs) != 0 {
		t.Error("unavailable predictor wrote audit records")
	}
}

func TestLoadPredictor_MissingFile(t *testing.T) {
	p := LoadPredictor(filepath.Join(t.TempDir(), "missing.gob"))
	if p.Available() {
		t.Fatal("expected unavailable predictor")
	}
	var unavailable *errors.ModelUnavailableError
	if !errors.As(p.Err(), &unavailable) {
		t.Errorf("expected ModelUnavailableError, got %v", p.Err())
	}
}

func TestArtifact_RoundTrip(t *testing.T) {
	res := fittedArtifact(t)
	path := filepath.Join(t.TempDir(), "symptom_model.gob")

	if err := SaveArtifact(res.Artifact, path); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	loaded, err := LoadArtifact(path)
	if err != nil {
		t.Fatalf("LoadArtifact: %v", err)
	}

	for _, s := range SampleBattery() {
		want, err := res.Artifact.PredictProba(s.Features)
		if err != nil {
			t.Fatal(err)
		}
		got, err := loaded.PredictProba(s.Features)
		if err != nil {
			t.Fatal(err)
		}
		for k := range want {
			if want[k] != got[k] {
				t.Errorf("%s: class %d probability %v after reload, want %v", s.Name, k, got[k], want[k])
			}
		}
	}

	// 上書き保存
	if err := SaveArtifact(loaded, path); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the artifact in the directory, got %d entries", len(entries))
	}
}

func TestArtifact_PartialLoadFails(t *testing.T) {
	res := fittedArtifact(t)

	// scaler only
	var buf bytes.Buffer
	if err := model.SaveModelToWriter(res.Artifact.Scaler, &buf); err != nil {
		t.Fatal(err)
	}
	if a, err := ReadArtifact(bytes.NewReader(buf.Bytes())); err == nil || a != nil {
		t.Error("expected failure for an artifact without a forest")
	}

	// truncated stream
	buf.Reset()
	if err := WriteArtifact(&buf, res.Artifact); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()/2]
	if _, err := ReadArtifact(bytes.NewReader(truncated)); err == nil {
		t.Error("expected failure for a truncated artifact")
	}
}

func TestArtifact_ValidateRejectsMismatchedScaler(t *testing.T) {
	res := fittedArtifact(t)
	scaler := preprocessing.NewStandardScalerDefault()
	X, _ := (&Corpus{Samples: []Sample{{}, {Features: AllNines}}}).Matrices(nil)
	if err := scaler.Fit(X.Slice(0, 2, 0, 5)); err != nil {
		t.Fatal(err)
	}
	a := &Artifact{Scaler: scaler, Forest: res.Artifact.Forest}
	if err := a.Validate(); err == nil {
		t.Error("expected dimension error for a 5-feature scaler")
	}
	if err := WriteArtifact(&bytes.Buffer{}, a); err == nil {
		t.Error("WriteArtifact must refuse an invalid artifact")
	}
}

func TestPlotImportances(t *testing.T) {
	res := fittedArtifact(t)
	path := filepath.Join(t.TempDir(), "importance.png")
	if err := PlotImportances(res.Artifact, path); err != nil {
		t.Fatalf("PlotImportances: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Error("output is not a PNG")
	}

	if err := PlotImportances(res.Artifact, filepath.Join(t.TempDir(), "noext")); err == nil {
		t.Error("expected error without an extension")
	}
}
