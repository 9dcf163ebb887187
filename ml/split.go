package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// SplitDataset shuffles row indices with seed and holds out
// ceil(n*testRatio) rows for testing.
func SplitDataset(features [][]float64, labels []int, testRatio float64, seed int64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int, err error) {
	if len(features) != len(labels) {
		return nil, nil, nil, nil, errors.New("features and labels size mismatch")
	}
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	n := len(features)
	nTest := int(math.Ceil(float64(n) * testRatio))
	if nTest == 0 || nTest >= n {
		return nil, nil, nil, nil, fmt.Errorf("cannot split %d rows with test ratio %.2f", n, testRatio)
	}

	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(n)
	for i, idx := range indices {
		if i < nTest {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		} else {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY, nil
}

// Fold holds row indices into the searched training split.
type Fold struct {
	Train []int
	Test  []int
}

// StratifiedKFold partitions rows into k folds without shuffling. Each class
// is cut into consecutive blocks whose sizes keep the class ratio of every
// fold as close as possible to the full set.
func StratifiedKFold(labels []int, k int) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("need at least 2 folds, got %d", k)
	}
	byClass := [2][]int{}
	for i, label := range labels {
		if label != 0 && label != 1 {
			return nil, fmt.Errorf("label %d is not binary", label)
		}
		byClass[label] = append(byClass[label], i)
	}
	for class, members := range byClass {
		if len(members) < k {
			return nil, fmt.Errorf("class %d has %d members, fewer than %d folds", class, len(members), k)
		}
	}

	// Deal the label-sorted rows round robin, then count what each fold got
	// per class.
	alloc := make([][2]int, k)
	pos := 0
	for class, members := range byClass {
		for range members {
			alloc[pos%k][class]++
			pos++
		}
	}

	testFold := make([]int, len(labels))
	for class, members := range byClass {
		next := 0
		for f := 0; f < k; f++ {
			for c := 0; c < alloc[f][class]; c++ {
				testFold[members[next]] = f
				next++
			}
		}
	}

	folds := make([]Fold, k)
	for i, f := range testFold {
		for j := range folds {
			if j == f {
				folds[j].Test = append(folds[j].Test, i)
			} else {
				folds[j].Train = append(folds[j].Train, i)
			}
		}
	}
	return folds, nil
}

func selectRows(features [][]float64, labels []int, idx []int) ([][]float64, []int) {
	x := make([][]float64, len(idx))
	y := make([]int, len(idx))
	for i, row := range idx {
		x[i] = features[row]
		y[i] = labels[row]
	}
	return x, y
}
