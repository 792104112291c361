package risk

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/respirex/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// LevelColumn is the corpus column holding the Low/Medium/High label.
const LevelColumn = "Level"

// Sample is one labelled corpus row.
type Sample struct {
	Features FeatureVector
	Level    Level
}

// Corpus is a labelled tabular training set.
type Corpus struct {
	Samples []Sample
}

// Len returns the number of samples.
func (c *Corpus) Len() int { return len(c.Samples) }

// Matrices returns the design matrix and the label column for the samples at
// idx, or for every sample when idx is nil.
func (c *Corpus) Matrices(idx []int) (*mat.Dense, *mat.Dense) {
	if idx == nil {
		idx = make([]int, len(c.Samples))
		for i := range idx {
			idx[i] = i
		}
	}
	X := mat.NewDense(len(idx), NumFeatures, nil)
	y := mat.NewDense(len(idx), 1, nil)
	for r, i := range idx {
		X.SetRow(r, c.Samples[i].Features.Floats())
		y.Set(r, 0, float64(c.Samples[i].Level))
	}
	return X, y
}

// ClassCounts returns how many samples carry each level, ordered as Levels.
func (c *Corpus) ClassCounts() []int {
	counts := make([]int, len(Levels))
	for _, s := range c.Samples {
		counts[s.Level]++
	}
	return counts
}

// ReadCorpusFile opens path and reads it with ReadCorpus.
func ReadCorpusFile(path string) (*Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open corpus %s", path)
	}
	defer f.Close()
	return ReadCorpus(f)
}

// ReadCorpus reads a CSV corpus with a header row. The feature columns and
// LevelColumn are located by name; other columns are ignored.
//
// Any unknown label or score outside [0,9] stops the read with a
// *errors.DataIntegrityError carrying the 1-based data row and the column.
func ReadCorpus(r io.Reader) (*Corpus, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.NewDataIntegrityError(0, LevelColumn, "", "corpus is empty")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read corpus header")
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := columns[name]; !dup {
			columns[name] = i
		}
	}

	var featureCols [NumFeatures]int
	for i, name := range FeatureNames {
		col, ok := columns[name]
		if !ok {
			return nil, errors.NewDataIntegrityError(0, name, "", "column is missing")
		}
		featureCols[i] = col
	}
	levelCol, ok := columns[LevelColumn]
	if !ok {
		return nil, errors.NewDataIntegrityError(0, LevelColumn, "", "column is missing")
	}

	corpus := &Corpus{}
	for row := 1; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read corpus row %d", row)
		}

		var s Sample
		for i, col := range featureCols {
			raw := field(record, col)
			score, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil || score < MinScore || score > MaxScore {
				return nil, errors.NewDataIntegrityError(row, FeatureNames[i], raw,
					"score must be an integer between 0 and 9")
			}
			s.Features[i] = score
		}

		raw := field(record, levelCol)
		level, err := ParseLevel(raw)
		if err != nil {
			return nil, errors.NewDataIntegrityError(row, LevelColumn, raw,
				"label must be exactly Low, Medium or High")
		}
		s.Level = level
		corpus.Samples = append(corpus.Samples, s)
	}

	if len(corpus.Samples) == 0 {
		return nil, errors.NewDataIntegrityError(0, LevelColumn, "", "corpus has no rows")
	}
	return corpus, nil
}

func field(record []string, col int) string {
	if col < len(record) {
		return record[col]
	}
	return ""
}
