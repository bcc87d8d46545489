package dataset

import (
	"fmt"
	"math"
	"math/rand"
)

// Ratios are the train and validation fractions; the test split takes the
// remainder.
type Ratios struct {
	Train float64
	Val   float64
}

// Splits holds disjoint index sets covering [0, n).
type Splits struct {
	Train []int
	Val   []int
	Test  []int
}

// Split permutes [0, n) with seed and cuts it into train = floor(Train*n),
// val = floor(Val*n) and test = the rest.
func Split(n int, r Ratios, seed int64) (Splits, error) {
	if n <= 0 {
		return Splits{}, fmt.Errorf("split: need at least one sample, got %d", n)
	}
	if r.Train <= 0 || r.Val < 0 || r.Train+r.Val > 1 {
		return Splits{}, fmt.Errorf("split: invalid ratios train=%v val=%v", r.Train, r.Val)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	nTrain := int(math.Floor(r.Train*float64(n) + 1e-9))
	nVal := int(math.Floor(r.Val*float64(n) + 1e-9))
	return Splits{
		Train: perm[:nTrain],
		Val:   perm[nTrain : nTrain+nVal],
		Test:  perm[nTrain+nVal:],
	}, nil
}
