package dataset

import (
	"fmt"
	"math/rand"
)

// SplitRatios gives the train and validation shares; the test share is
// whatever remains.
type SplitRatios struct {
	Train      float64
	Validation float64
}

func DefaultSplitRatios() SplitRatios {
	return SplitRatios{Train: 0.8, Validation: 0.1}
}

func (r SplitRatios) validate() error {
	if r.Train <= 0 || r.Validation < 0 {
		return fmt.Errorf("split ratios out of range: train=%v validation=%v", r.Train, r.Validation)
	}
	if r.Train+r.Validation >= 1 {
		return fmt.Errorf("split ratios leave no test share: train=%v validation=%v", r.Train, r.Validation)
	}
	return nil
}

// Split shuffles the rows with the seeded source and cuts the permutation
// at floor(train*N) and floor((train+validation)*N). The three subsets are
// disjoint deep copies covering every row; the same seed always produces
// the same assignment.
func Split(d *Dataset, ratios SplitRatios, seed int64) (train, val, test *Dataset, err error) {
	if err := ratios.validate(); err != nil {
		return nil, nil, nil, err
	}

	n := d.Len()
	perm := rand.New(rand.NewSource(seed)).Perm(n)

	trainEnd := int(ratios.Train * float64(n))
	valEnd := int((ratios.Train + ratios.Validation) * float64(n))

	train = subset(d, perm[:trainEnd])
	val = subset(d, perm[trainEnd:valEnd])
	test = subset(d, perm[valEnd:])
	return train, val, test, nil
}

func subset(d *Dataset, indices []int) *Dataset {
	out := &Dataset{
		Rows:        make([]Row, 0, len(indices)),
		Path:        d.Path,
		Fingerprint: d.Fingerprint,
	}
	for _, i := range indices {
		out.Rows = append(out.Rows, cloneRow(d.Rows[i]))
	}
	return out
}
