package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
)

// ForestParams is one point of the hyperparameter space.
type ForestParams struct {
	NEstimators     int    `msgpack:"n_estimators" json:"n_estimators" yaml:"n_estimators"`
	MaxDepth        int    `msgpack:"max_depth" json:"max_depth" yaml:"max_depth"` // 0 => unlimited
	MinSamplesSplit int    `msgpack:"min_samples_split" json:"min_samples_split" yaml:"min_samples_split"`
	MinSamplesLeaf  int    `msgpack:"min_samples_leaf" json:"min_samples_leaf" yaml:"min_samples_leaf"`
	MaxFeatures     string `msgpack:"max_features" json:"max_features" yaml:"max_features"`
	Bootstrap       bool   `msgpack:"bootstrap" json:"bootstrap" yaml:"bootstrap"`
}

func (p ForestParams) String() string {
	depth := "none"
	if p.MaxDepth > 0 {
		depth = fmt.Sprint(p.MaxDepth)
	}
	return fmt.Sprintf("n_estimators=%d max_depth=%s min_samples_split=%d min_samples_leaf=%d max_features=%s bootstrap=%t",
		p.NEstimators, depth, p.MinSamplesSplit, p.MinSamplesLeaf, p.MaxFeatures, p.Bootstrap)
}

// ResolveMaxFeatures turns the feature-subset strategy into a count.
// "auto" is the classifier alias of "sqrt".
func ResolveMaxFeatures(strategy string, nFeatures int) (int, error) {
	if nFeatures <= 0 {
		return 0, errors.New("no features")
	}
	var k int
	switch strategy {
	case "", "all", "none":
		return nFeatures, nil
	case "auto", "sqrt":
		k = int(math.Sqrt(float64(nFeatures)))
	case "log2":
		k = int(math.Log2(float64(nFeatures)))
	default:
		return 0, fmt.Errorf("unknown max_features %q", strategy)
	}
	return max(k, 1), nil
}

// RandomForest averages the class-1 probability of its trees.
type RandomForest struct {
	Params ForestParams    `msgpack:"params" json:"params"`
	Seed   int64           `msgpack:"seed" json:"seed"`
	Trees  []*DecisionTree `msgpack:"trees" json:"trees"`
}

func NewRandomForest(params ForestParams, seed int64) *RandomForest {
	return &RandomForest{Params: params, Seed: seed}
}

func (rf *RandomForest) Fit(features [][]float64, labels []int) error {
	return rf.FitContext(context.Background(), features, labels)
}

// FitContext builds the trees concurrently. Tree i always draws from
// Seed+i, so the forest does not depend on goroutine scheduling.
func (rf *RandomForest) FitContext(ctx context.Context, features [][]float64, labels []int) error {
	if len(features) == 0 {
		return errors.New("randomforest: empty features")
	}
	n := len(features)
	if len(labels) != n {
		return errors.New("randomforest: features and labels length mismatch")
	}
	if rf.Params.NEstimators <= 0 {
		return errors.New("randomforest: n_estimators must be positive")
	}
	maxFeatures, err := ResolveMaxFeatures(rf.Params.MaxFeatures, len(features[0]))
	if err != nil {
		return fmt.Errorf("randomforest: %w", err)
	}

	trees := make([]*DecisionTree, rf.Params.NEstimators)
	errs := make([]error, rf.Params.NEstimators)
	sem := make(chan struct{}, maxParallelTrees())
	var wg sync.WaitGroup

	for i := range trees {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			seed := rf.Seed + int64(idx)
			sample := make([]int, n)
			if rf.Params.Bootstrap {
				treeRand := rand.New(rand.NewSource(seed))
				for j := range sample {
					sample[j] = treeRand.Intn(n)
				}
			} else {
				for j := range sample {
					sample[j] = j
				}
			}

			tree := NewDecisionTree(rf.Params.MaxDepth, rf.Params.MinSamplesSplit, rf.Params.MinSamplesLeaf, maxFeatures, seed)
			if err := tree.fitSamples(features, labels, sample); err != nil {
				errs[idx] = err
				return
			}
			trees[idx] = tree
		}(i)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("randomforest: %w", err)
	}
	rf.Trees = trees
	return nil
}

func maxParallelTrees() int {
	return max(runtime.GOMAXPROCS(0), 1)
}

// PredictProba returns the mean class-1 probability across trees.
func (rf *RandomForest) PredictProba(features []float64) (float64, error) {
	if len(rf.Trees) == 0 {
		return 0, errors.New("model not trained")
	}
	total := 0.0
	for _, tree := range rf.Trees {
		p, err := tree.PredictProba(features)
		if err != nil {
			return 0, err
		}
		total += p
	}
	return total / float64(len(rf.Trees)), nil
}

// Predict returns the winning label and the averaged probability behind it.
// A 0.5 tie resolves to label 0.
func (rf *RandomForest) Predict(features []float64) (int, float64, error) {
	p, err := rf.PredictProba(features)
	if err != nil {
		return 0, 0, err
	}
	if p > 0.5 {
		return 1, p, nil
	}
	return 0, 1 - p, nil
}

func (rf *RandomForest) PredictBatch(features [][]float64) ([]int, error) {
	out := make([]int, len(features))
	for i, row := range features {
		label, _, err := rf.Predict(row)
		if err != nil {
			return nil, err
		}
		out[i] = label
	}
	return out, nil
}
