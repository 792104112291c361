package risk

// Sample vectors printed after fitting as a quick sanity check. All-nines
// and all-zeros are expected to land on different levels, and ModerateCase
// on Medium or High.
var (
	AllZeros     = FeatureVector{}
	AllNines     = FeatureVector{9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
	MediumCase   = FeatureVector{4, 5, 3, 6, 3, 2, 5, 5, 4, 3}
	ModerateCase = FeatureVector{3, 4, 5, 3, 4, 5, 4, 5, 4, 5}
)

// SampleBattery returns the named sanity-check vectors in a fixed order.
func SampleBattery() []NamedVector {
	return []NamedVector{
		{Name: "all zeros", Features: AllZeros},
		{Name: "all nines", Features: AllNines},
		{Name: "medium case", Features: MediumCase},
		{Name: "moderate case", Features: ModerateCase},
	}
}

// NamedVector labels a FeatureVector for reports.
type NamedVector struct {
	Name     string
	Features FeatureVector
}
