package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/YuminosukeSato/respirex/audit"
	"github.com/YuminosukeSato/respirex/imaging"
	"github.com/YuminosukeSato/respirex/risk"
)

type env struct {
	dir    string
	config string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`log:
  level: error
tabular:
  artifact: %[1]s/models/symptom.gob
  trees: 15
image:
  artifact: %[1]s/models/scan.gob
audit:
  path: %[1]s/predictions.csv
database:
  path: %[1]s/users.db
auth:
  bcrypt_cost: 4
server:
  mode: test
`, filepath.ToSlash(dir))
	path := filepath.Join(dir, "respirex.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &env{dir: dir, config: path}
}

// run executes one command line and returns stdout, or the message main
// would print on failure.
func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.config}, args...))
	err := root.Execute()
	return out.String(), err
}

func (e *env) writeCorpus(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("index,Patient Id,Age,")
	b.WriteString(strings.Join(risk.FeatureNames[:], ","))
	b.WriteString(",Level\n")
	rng := rand.New(rand.NewSource(11))
	labels := []string{"Low", "Medium", "High"}
	for i := 0; i < 120; i++ {
		level := i % 3
		fmt.Fprintf(&b, "%d,P%d,%d", i, i, 30+rng.Intn(40))
		for j := 0; j < risk.NumFeatures; j++ {
			fmt.Fprintf(&b, ",%d", level*3+rng.Intn(3))
		}
		fmt.Fprintf(&b, ",%s\n", labels[level])
	}
	path := filepath.Join(e.dir, "corpus.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	return path
}

func TestFeaturesCommand(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "features")
	if err != nil {
		t.Fatalf("features error = %v", err)
	}
	for _, name := range risk.FeatureNames {
		if !strings.Contains(out, name) {
			t.Errorf("output missing %q", name)
		}
	}
}

func TestTrainAndPredictSymptoms(t *testing.T) {
	e := newEnv(t)
	corpus := e.writeCorpus(t)
	plot := filepath.Join(e.dir, "importance.png")

	out, err := e.run(t, "train-symptoms", "--data", corpus, "--importance-plot", plot)
	if err != nil {
		t.Fatalf("train-symptoms error = %v", err)
	}
	for _, want := range []string{"Corpus: 120 rows (Low Risk: 40, Medium Risk: 40, High Risk: 40)", "Trained on 96 rows", "Log loss:", "weighted avg", "all nines prediction: High Risk", "Model saved to"} {
		if !strings.Contains(out, want) {
			t.Errorf("train output missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(plot); err != nil {
		t.Errorf("importance plot not written: %v", err)
	}

	out, err = e.run(t, "predict-symptoms", "9", "9", "9", "9", "9", "9", "9", "9", "9", "9")
	if err != nil {
		t.Fatalf("predict-symptoms error = %v", err)
	}
	if !strings.Contains(out, "Prediction: High Risk") {
		t.Errorf("predict output = %q", out)
	}

	_, err = e.run(t, "predict-symptoms", "1", "2", "12", "0", "0", "0", "0", "0", "0", "0")
	if err == nil {
		t.Fatal("out of range score should fail")
	}
	if msg := userMessage(err); !strings.HasPrefix(msg, "Input error: Weight Loss") {
		t.Errorf("userMessage = %q", msg)
	}

	records, err := audit.ReadFile(filepath.Join(e.dir, "predictions.csv"))
	if err != nil {
		t.Fatalf("audit.ReadFile() error = %v", err)
	}
	if len(records) != 1 || records[0].Level != "High Risk" {
		t.Errorf("audit records = %+v", records)
	}
}

func TestPredictWithoutModel(t *testing.T) {
	e := newEnv(t)

	_, err := e.run(t, "predict-symptoms", "1", "1", "1", "1", "1", "1", "1", "1", "1", "1")
	if msg := userMessage(err); !strings.Contains(msg, "symptom model is not loaded") {
		t.Errorf("symptom userMessage = %q", msg)
	}

	_, err = e.run(t, "predict-scan", filepath.Join(e.dir, "scan.png"))
	if msg := userMessage(err); !strings.Contains(msg, "scan model is not loaded") {
		t.Errorf("scan userMessage = %q", msg)
	}
}

func TestExportBase(t *testing.T) {
	e := newEnv(t)
	out := filepath.Join(e.dir, "base.gob")
	stdout, err := e.run(t, "export-base", "--out", out)
	if err != nil {
		t.Fatalf("export-base error = %v", err)
	}
	if !strings.Contains(stdout, "32 features") {
		t.Errorf("output = %q", stdout)
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		t.Errorf("base not written: %v", err)
	}
}

// writeScans lays out train/ and validate/ with flat colour scans per class.
func (e *env) writeScans(t *testing.T) string {
	t.Helper()
	root := filepath.Join(e.dir, "scans")
	tints := []color.NRGBA{{R: 220, A: 255}, {G: 220, A: 255}, {B: 220, A: 255}}
	for part, n := range map[string]int{"train": 4, "validate": 2} {
		for c, class := range imaging.ImageClasses {
			dir := filepath.Join(root, part, class)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < n; i++ {
				img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
				for p := 0; p < len(img.Pix); p += 4 {
					px := tints[c]
					px.R += uint8(i * 5)
					img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = px.R, px.G, px.B, px.A
				}
				var buf bytes.Buffer
				if err := png.Encode(&buf, img); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%s_%d.png", class, i)), buf.Bytes(), 0o644); err != nil {
					t.Fatal(err)
				}
			}
		}
	}
	return root
}

func TestTrainScanOneVsRest(t *testing.T) {
	e := newEnv(t)
	scans := e.writeScans(t)
	out := filepath.Join(e.dir, "models", "ovr.gob")

	stdout, err := e.run(t, "train-scan", "--data", scans, "--out", out, "--epochs", "60", "--multi-class", "ovr")
	if err != nil {
		t.Fatalf("train-scan error = %v", err)
	}
	for _, want := range []string{"Trained on 12 images, validated on 6", "Validation log loss:", "Model saved to"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("train-scan output missing %q:\n%s", want, stdout)
		}
	}
	net, err := imaging.LoadNetwork(out)
	if err != nil {
		t.Fatalf("LoadNetwork: %v", err)
	}
	spec := net.Spec()
	if head := spec.Layers[len(spec.Layers)-1]; head.Activation != imaging.ActivationNormalizedSigmoid {
		t.Errorf("head activation = %q, want %q", head.Activation, imaging.ActivationNormalizedSigmoid)
	}

	bogus := filepath.Join(e.dir, "broken.onnx")
	if err := os.WriteFile(bogus, []byte{0xff, 0xff, 0xff}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := e.run(t, "train-scan", "--data", scans, "--out", out, "--base", bogus); err == nil {
		t.Error("an unreadable ONNX base should fail")
	}
	if _, err := e.run(t, "train-scan", "--data", scans, "--out", out, "--multi-class", "softmax"); err == nil {
		t.Error("an unknown head type should fail")
	}
}

func TestImportBaseRejectsBrokenCheckpoints(t *testing.T) {
	e := newEnv(t)
	bogus := filepath.Join(e.dir, "model.onnx")
	if err := os.WriteFile(bogus, []byte("not a protobuf graph"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(e.dir, "base.gob")
	if _, err := e.run(t, "import-base", "--onnx", bogus, "--out", out); err == nil {
		t.Error("import-base accepted a broken checkpoint")
	}
	if _, err := e.run(t, "import-base", "--onnx", bogus, "--out", out, "--mean", "0.5,0.5"); err == nil {
		t.Error("import-base accepted two channel means")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("no base should be written, stat err = %v", err)
	}
}

func TestAccountCommands(t *testing.T) {
	e := newEnv(t)

	if out, err := e.run(t, "register", "--email", "a@x.org", "--password", "pw1"); err != nil || !strings.Contains(out, "Registration successful") {
		t.Fatalf("register = %q, %v", out, err)
	}
	_, err := e.run(t, "register", "--email", "a@x.org", "--password", "pw2")
	if msg := userMessage(err); msg != "Email already exists!" {
		t.Errorf("duplicate register message = %q", msg)
	}

	if out, err := e.run(t, "login", "--email", "a@x.org", "--password", "pw1"); err != nil || !strings.Contains(out, "Welcome") {
		t.Errorf("login = %q, %v", out, err)
	}
	_, err = e.run(t, "login", "--email", "a@x.org", "--password", "nope")
	if msg := userMessage(err); msg != "Invalid Credentials!" {
		t.Errorf("bad login message = %q", msg)
	}
	_, err = e.run(t, "login", "--email", "", "--password", "pw1")
	if msg := userMessage(err); !strings.HasPrefix(msg, "Input error: email") {
		t.Errorf("empty email message = %q", msg)
	}
}

func TestBadConfig(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "--log-level", "shout", "features")
	if msg := userMessage(err); !strings.HasPrefix(msg, "Configuration error") {
		t.Errorf("userMessage = %q", msg)
	}
}
