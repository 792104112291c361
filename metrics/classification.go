package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/YuminosukeSato/respirex/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// logLossEpsilon は log(0) を避けるための確率のクリップ幅
const logLossEpsilon = 1e-15

// Accuracy は正解率を計算する
func Accuracy(yTrue, yPred []int) (float64, error) {
	if len(yTrue) == 0 {
		return 0, errors.NewValueError("Accuracy", "empty input")
	}
	if len(yTrue) != len(yPred) {
		return 0, errors.NewDimensionError("Accuracy", len(yTrue), len(yPred), 0)
	}
	correct := 0
	for i, y := range yTrue {
		if y == yPred[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(yTrue)), nil
}

// LogLoss は多クラスの対数損失を計算する
//
// proba の列は classes の順に並んでいる必要がある。各行は正規化してから評価する
func LogLoss(yTrue []int, proba mat.Matrix, classes []int) (float64, error) {
	rows, cols := proba.Dims()
	if len(yTrue) == 0 {
		return 0, errors.NewValueError("LogLoss", "empty input")
	}
	if rows != len(yTrue) {
		return 0, errors.NewDimensionError("LogLoss", len(yTrue), rows, 0)
	}
	if cols != len(classes) {
		return 0, errors.NewDimensionError("LogLoss", len(classes), cols, 1)
	}
	index := classIndex(classes)

	sum := 0.0
	for i, label := range yTrue {
		c, ok := index[label]
		if !ok {
			return 0, errors.NewValueError("LogLoss", fmt.Sprintf("label %d is not among classes %v", label, classes))
		}
		rowSum := 0.0
		for j := 0; j < cols; j++ {
			rowSum += proba.At(i, j)
		}
		if rowSum <= 0 {
			return 0, errors.NewValueError("LogLoss", fmt.Sprintf("row %d has no probability mass", i))
		}
		sum -= math.Log(clip(proba.At(i, c) / rowSum))
	}
	return sum / float64(len(yTrue)), nil
}

// RocAUCOvR は多クラスの one-vs-rest ROC AUC をマクロ平均で返す
//
// 各クラスについて「そのクラスか否か」を正解、そのクラスの確率をスコアとして AUC を計算する
func RocAUCOvR(yTrue []int, proba mat.Matrix, classes []int) (float64, error) {
	rows, cols := proba.Dims()
	if len(yTrue) == 0 {
		return 0, errors.NewValueError("RocAUCOvR", "empty input")
	}
	if rows != len(yTrue) {
		return 0, errors.NewDimensionError("RocAUCOvR", len(yTrue), rows, 0)
	}
	if cols != len(classes) {
		return 0, errors.NewDimensionError("RocAUCOvR", len(classes), cols, 1)
	}

	labels := make([]float64, rows)
	total := 0.0
	for j, class := range classes {
		for i, l := range yTrue {
			labels[i] = 0
			if l == class {
				labels[i] = 1
			}
		}
		total += rankAUC(fmt.Sprintf("RocAUCOvR[class=%d]", class), labels, mat.Col(nil, j, proba))
	}
	return total / float64(len(classes)), nil
}

// ConfusionMatrix は混同行列を返す。行が正解ラベル、列が予測ラベルで labels の順に並ぶ
func ConfusionMatrix(yTrue, yPred []int, labels []int) (*mat.Dense, error) {
	if len(yTrue) == 0 {
		return nil, errors.NewValueError("ConfusionMatrix", "empty input")
	}
	if len(yTrue) != len(yPred) {
		return nil, errors.NewDimensionError("ConfusionMatrix", len(yTrue), len(yPred), 0)
	}
	if len(labels) == 0 {
		labels = UniqueLabels(yTrue, yPred)
	}
	index := classIndex(labels)

	cm := mat.NewDense(len(labels), len(labels), nil)
	for i := range yTrue {
		r, okT := index[yTrue[i]]
		c, okP := index[yPred[i]]
		if !okT || !okP {
			continue
		}
		cm.Set(r, c, cm.At(r, c)+1)
	}
	return cm, nil
}

// UniqueLabels は ys に現れるラベルを昇順で返す
func UniqueLabels(ys ...[]int) []int {
	seen := map[int]struct{}{}
	for _, y := range ys {
		for _, v := range y {
			seen[v] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// ClassMetrics は1クラス分（または平均）の評価値
type ClassMetrics struct {
	Label     string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Report は scikit-learn の classification_report 相当の結果
type Report struct {
	Classes     []ClassMetrics
	Accuracy    float64
	MacroAvg    ClassMetrics
	WeightedAvg ClassMetrics
	Confusion   *mat.Dense
	Support     int
}

// ClassificationReport はクラスごとの precision / recall / F1 と平均を計算する
//
// names は labels と同じ順の表示名。nil の場合はラベル値をそのまま使う。
// 予測がないクラスの precision や正例がないクラスの recall は 0 とし、警告を出す
func ClassificationReport(yTrue, yPred []int, labels []int, names []string) (*Report, error) {
	if len(labels) == 0 {
		labels = UniqueLabels(yTrue, yPred)
	}
	if names != nil && len(names) != len(labels) {
		return nil, errors.NewDimensionError("ClassificationReport", len(labels), len(names), 0)
	}
	cm, err := ConfusionMatrix(yTrue, yPred, labels)
	if err != nil {
		return nil, err
	}

	k := len(labels)
	report := &Report{Confusion: cm, Support: len(yTrue)}
	for i := 0; i < k; i++ {
		tp := cm.At(i, i)
		predicted := 0.0
		actual := 0.0
		for j := 0; j < k; j++ {
			predicted += cm.At(j, i)
			actual += cm.At(i, j)
		}

		name := fmt.Sprint(labels[i])
		if names != nil {
			name = names[i]
		}

		precision := ratio("precision", name, tp, predicted)
		recall := ratio("recall", name, tp, actual)
		f1 := 0.0
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}
		report.Classes = append(report.Classes, ClassMetrics{
			Label:     name,
			Precision: precision,
			Recall:    recall,
			F1:        f1,
			Support:   int(actual),
		})
	}
	if report.Accuracy, err = Accuracy(yTrue, yPred); err != nil {
		return nil, err
	}

	report.MacroAvg = ClassMetrics{Label: "macro avg", Support: len(yTrue)}
	report.WeightedAvg = ClassMetrics{Label: "weighted avg", Support: len(yTrue)}
	for _, c := range report.Classes {
		report.MacroAvg.Precision += c.Precision / float64(k)
		report.MacroAvg.Recall += c.Recall / float64(k)
		report.MacroAvg.F1 += c.F1 / float64(k)

		w := float64(c.Support) / float64(len(yTrue))
		report.WeightedAvg.Precision += c.Precision * w
		report.WeightedAvg.Recall += c.Recall * w
		report.WeightedAvg.F1 += c.F1 * w
	}
	return report, nil
}

// String は classification_report と同じ体裁の表を返す
func (r *Report) String() string {
	width := len("weighted avg")
	for _, c := range r.Classes {
		if len(c.Label) > width {
			width = len(c.Label)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%*s %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")
	for _, c := range r.Classes {
		fmt.Fprintf(&b, "%*s %9.2f %9.2f %9.2f %9d\n", width, c.Label, c.Precision, c.Recall, c.F1, c.Support)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%*s %9s %9s %9.2f %9d\n", width, "accuracy", "", "", r.Accuracy, r.Support)
	for _, c := range []ClassMetrics{r.MacroAvg, r.WeightedAvg} {
		fmt.Fprintf(&b, "%*s %9.2f %9.2f %9.2f %9d\n", width, c.Label, c.Precision, c.Recall, c.F1, c.Support)
	}
	return b.String()
}

func ratio(metric, label string, num, den float64) float64 {
	if den == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning(metric,
			fmt.Sprintf("no samples for class %s", label), 0))
		return 0
	}
	return num / den
}

// rankAUC は平均順位を使って AUC を計算する
func rankAUC(op string, labels, scores []float64) float64 {
	n := len(labels)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && scores[order[j+1]] == scores[order[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[order[k]] = avg
		}
		i = j + 1
	}

	nPos, rankSum := 0.0, 0.0
	for i, l := range labels {
		if l == 1 {
			nPos++
			rankSum += ranks[i]
		}
	}
	nNeg := float64(n) - nPos
	if nPos == 0 || nNeg == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning(op, "only one class present in y_true", 0.5))
		return 0.5
	}
	return (rankSum - nPos*(nPos+1)/2) / (nPos * nNeg)
}

func classIndex(classes []int) map[int]int {
	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	return index
}

func clip(p float64) float64 {
	return math.Max(logLossEpsilon, math.Min(1-logLossEpsilon, p))
}
