package risk

import (
	"fmt"

	"github.com/YuminosukeSato/respirex/pkg/errors"
)

// Level is the encoded risk class. The integer values are the class labels
// the forest is fitted on and must not change.
type Level int

const (
	Low    Level = 0
	Medium Level = 1
	High   Level = 2

	// Unrecognized is returned by LevelFromIndex for indices outside the
	// fitted output space. It is never a valid training label.
	Unrecognized Level = -1
)

// Levels lists the valid classes in encoding order.
var Levels = []Level{Low, Medium, High}

var levelByLabel = map[string]Level{
	"Low":    Low,
	"Medium": Medium,
	"High":   High,
}

var labelByLevel = map[Level]string{
	Low:    "Low",
	Medium: "Medium",
	High:   "High",
}

// ParseLevel encodes a corpus label. Matching is exact and case-sensitive.
func ParseLevel(label string) (Level, error) {
	level, ok := levelByLabel[label]
	if !ok {
		return Unrecognized, errors.NewValueError("risk.ParseLevel",
			fmt.Sprintf("unknown risk label %q, expected one of Low, Medium, High", label))
	}
	return level, nil
}

// LevelFromIndex maps a predicted class index back to a Level.
func LevelFromIndex(index int) Level {
	level := Level(index)
	if _, ok := labelByLevel[level]; !ok {
		return Unrecognized
	}
	return level
}

// Valid reports whether l is one of Low, Medium or High.
func (l Level) Valid() bool {
	_, ok := labelByLevel[l]
	return ok
}

// Label returns the corpus label ("Low", "Medium", "High").
func (l Level) Label() string {
	if label, ok := labelByLevel[l]; ok {
		return label
	}
	return "Unrecognized"
}

// String returns the display form, e.g. "High Risk".
func (l Level) String() string {
	if !l.Valid() {
		return "Unrecognized"
	}
	return l.Label() + " Risk"
}

// LevelNames returns the display names in encoding order.
func LevelNames() []string {
	names := make([]string, len(Levels))
	for i, l := range Levels {
		names[i] = l.String()
	}
	return names
}

func levelClasses() []int {
	classes := make([]int, len(Levels))
	for i, l := range Levels {
		classes[i] = int(l)
	}
	return classes
}
