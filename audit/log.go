// Package audit appends symptom predictions to a CSV log.
package audit

import (
	"bytes"
	"encoding/csv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/YuminosukeSato/respirex/pkg/errors"
)

// NumFeatures is the number of score columns in every row.
const NumFeatures = 10

// ResultColumn is the header of the last column.
const ResultColumn = "Predicted Risk"

// Record is one logged prediction.
type Record struct {
	Features [NumFeatures]int
	Level    string
}

// Log is an append-only CSV file. The file is opened and closed on every
// Append; Log holds no handle between calls and is safe for concurrent use.
type Log struct {
	path   string
	header []string

	// mu keeps the header first when the file is created under concurrent appends
	mu sync.Mutex
}

// NewLog returns a Log writing to path. featureNames become the first ten
// header columns.
func NewLog(path string, featureNames []string) (*Log, error) {
	if path == "" {
		return nil, errors.NewValidationError("audit.path", "must not be empty", path)
	}
	if len(featureNames) != NumFeatures {
		return nil, errors.NewDimensionError("audit.NewLog", NumFeatures, len(featureNames), 0)
	}
	header := make([]string, 0, NumFeatures+1)
	header = append(header, featureNames...)
	header = append(header, ResultColumn)
	return &Log{path: path, header: header}, nil
}

// Path returns the file the log appends to.
func (l *Log) Path() string { return l.path }

// Header returns a copy of the header row.
func (l *Log) Header() []string { return append([]string(nil), l.header...) }

// Append writes rec as one row. The header is written only by the call that
// creates the file.
func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create audit directory for %s", l.path)
	}

	created := true
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if errors.Is(err, fs.ErrExist) {
		created = false
		f, err = os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to open audit log %s", l.path)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if created {
		_ = w.Write(l.header)
	}
	_ = w.Write(rec.row())
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "failed to format audit record")
	}

	// 一回の write で追記する
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to append to audit log %s", l.path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close audit log %s", l.path)
	}
	return nil
}

func (r Record) row() []string {
	row := make([]string, 0, NumFeatures+1)
	for _, v := range r.Features {
		row = append(row, strconv.Itoa(v))
	}
	return append(row, r.Level)
}

// ReadFile reads every record of the log at path, skipping the header.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open audit log %s", path)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a log written by Append.
func Read(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = NumFeatures + 1

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read audit header")
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read audit line %d", line)
		}
		var rec Record
		for i := 0; i < NumFeatures; i++ {
			v, err := strconv.Atoi(row[i])
			if err != nil {
				return nil, errors.NewDataIntegrityError(line-1, header[i], row[i], "score is not an integer")
			}
			rec.Features[i] = v
		}
		rec.Level = row[NumFeatures]
		records = append(records, rec)
	}
}
