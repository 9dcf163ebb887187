package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ParamGrid lists the candidate values of every forest hyperparameter.
// A MaxDepth of 0 means unlimited depth.
type ParamGrid struct {
	NEstimators     []int    `yaml:"n_estimators" json:"n_estimators"`
	MaxDepth        []int    `yaml:"max_depth" json:"max_depth"`
	MinSamplesSplit []int    `yaml:"min_samples_split" json:"min_samples_split"`
	MinSamplesLeaf  []int    `yaml:"min_samples_leaf" json:"min_samples_leaf"`
	MaxFeatures     []string `yaml:"max_features" json:"max_features"`
	Bootstrap       []bool   `yaml:"bootstrap" json:"bootstrap"`
}

func DefaultParamGrid() ParamGrid {
	return ParamGrid{
		NEstimators:     []int{100, 200, 300, 500},
		MaxDepth:        []int{0, 10, 20, 30, 50},
		MinSamplesSplit: []int{2, 5, 10},
		MinSamplesLeaf:  []int{1, 2, 4},
		MaxFeatures:     []string{"auto", "sqrt", "log2"},
		Bootstrap:       []bool{true, false},
	}
}

func (g ParamGrid) Size() int {
	return len(g.NEstimators) * len(g.MaxDepth) * len(g.MinSamplesSplit) *
		len(g.MinSamplesLeaf) * len(g.MaxFeatures) * len(g.Bootstrap)
}

func (g ParamGrid) Validate() error {
	var err error
	if len(g.NEstimators) == 0 {
		err = multierr.Append(err, errors.New("n_estimators has no values"))
	}
	for _, v := range g.NEstimators {
		if v <= 0 {
			err = multierr.Append(err, fmt.Errorf("n_estimators %d must be positive", v))
		}
	}
	if len(g.MaxDepth) == 0 {
		err = multierr.Append(err, errors.New("max_depth has no values"))
	}
	for _, v := range g.MaxDepth {
		if v < 0 {
			err = multierr.Append(err, fmt.Errorf("max_depth %d must not be negative", v))
		}
	}
	if len(g.MinSamplesSplit) == 0 {
		err = multierr.Append(err, errors.New("min_samples_split has no values"))
	}
	for _, v := range g.MinSamplesSplit {
		if v < 2 {
			err = multierr.Append(err, fmt.Errorf("min_samples_split %d must be at least 2", v))
		}
	}
	if len(g.MinSamplesLeaf) == 0 {
		err = multierr.Append(err, errors.New("min_samples_leaf has no values"))
	}
	for _, v := range g.MinSamplesLeaf {
		if v < 1 {
			err = multierr.Append(err, fmt.Errorf("min_samples_leaf %d must be at least 1", v))
		}
	}
	if len(g.MaxFeatures) == 0 {
		err = multierr.Append(err, errors.New("max_features has no values"))
	}
	for _, v := range g.MaxFeatures {
		if _, e := ResolveMaxFeatures(v, 1); e != nil {
			err = multierr.Append(err, e)
		}
	}
	if len(g.Bootstrap) == 0 {
		err = multierr.Append(err, errors.New("bootstrap has no values"))
	}
	return err
}

// At decodes the i-th grid point. The last dimension varies fastest.
func (g ParamGrid) At(i int) ForestParams {
	var p ForestParams
	p.Bootstrap = g.Bootstrap[i%len(g.Bootstrap)]
	i /= len(g.Bootstrap)
	p.MaxFeatures = g.MaxFeatures[i%len(g.MaxFeatures)]
	i /= len(g.MaxFeatures)
	p.MinSamplesLeaf = g.MinSamplesLeaf[i%len(g.MinSamplesLeaf)]
	i /= len(g.MinSamplesLeaf)
	p.MinSamplesSplit = g.MinSamplesSplit[i%len(g.MinSamplesSplit)]
	i /= len(g.MinSamplesSplit)
	p.MaxDepth = g.MaxDepth[i%len(g.MaxDepth)]
	i /= len(g.MaxDepth)
	p.NEstimators = g.NEstimators[i%len(g.NEstimators)]
	return p
}

// Sample draws n distinct grid points using seed. Asking for more points
// than the grid holds returns the whole grid in shuffled order.
func (g ParamGrid) Sample(n int, seed int64) []ForestParams {
	size := g.Size()
	if n <= 0 || n > size {
		n = size
	}
	rnd := rand.New(rand.NewSource(seed))
	perm := rnd.Perm(size)
	out := make([]ForestParams, n)
	for i := range out {
		out[i] = g.At(perm[i])
	}
	return out
}

type SearchConfig struct {
	NIter     int   `yaml:"n_iter"`
	Folds     int   `yaml:"cv"`
	Seed      int64 `yaml:"search_seed"`
	ModelSeed int64 `yaml:"model_seed"`
	Workers   int   `yaml:"workers"`
}

func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		NIter:     50,
		Folds:     5,
		Seed:      1,
		ModelSeed: 1,
		Workers:   runtime.GOMAXPROCS(0),
	}
}

// SearchIteration records one sampled candidate and its cross-validation
// scores.
type SearchIteration struct {
	ID         int           `json:"id" msgpack:"id"`
	Params     ForestParams  `json:"params" msgpack:"params"`
	FoldScores []float64     `json:"fold_scores" msgpack:"fold_scores"`
	MeanScore  float64       `json:"mean_score" msgpack:"mean_score"`
	StdScore   float64       `json:"std_score" msgpack:"std_score"`
	Duration   time.Duration `json:"duration" msgpack:"duration"`
	Status     string        `json:"status" msgpack:"status"` // completed, failed
	Error      string        `json:"error,omitempty" msgpack:"error,omitempty"`
}

type SearchResult struct {
	Best       SearchIteration   `json:"best"`
	Iterations []SearchIteration `json:"iterations"`
	Duration   time.Duration     `json:"duration"`
}

// ProgressFunc is called once per finished candidate. Calls are serialized.
type ProgressFunc func(done, total int, it SearchIteration)

type RandomizedSearch struct {
	grid     ParamGrid
	config   SearchConfig
	logger   *zap.Logger
	progress ProgressFunc
}

func NewRandomizedSearch(grid ParamGrid, config SearchConfig, logger *zap.Logger, progress ProgressFunc) *RandomizedSearch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RandomizedSearch{grid: grid, config: config, logger: logger, progress: progress}
}

// Run scores every sampled candidate with stratified k-fold accuracy and
// picks the highest mean; ties go to the earlier candidate.
func (s *RandomizedSearch) Run(ctx context.Context, features [][]float64, labels []int) (*SearchResult, error) {
	if err := s.grid.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid parameter grid: %v", ErrTrainingFailure, err)
	}
	folds, err := StratifiedKFold(labels, s.config.Folds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrainingFailure, err)
	}

	candidates := s.grid.Sample(s.config.NIter, s.config.Seed)
	s.logger.Info("randomized search started",
		zap.Int("grid_size", s.grid.Size()),
		zap.Int("candidates", len(candidates)),
		zap.Int("folds", len(folds)),
		zap.Int("samples", len(labels)),
	)

	start := time.Now()
	iterations := make([]SearchIteration, len(candidates))
	workers := s.config.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	wp := workerpool.New(workers)

	var mu sync.Mutex
	done := 0
	for i, params := range candidates {
		i, params := i, params
		wp.Submit(func() {
			it := s.evaluate(ctx, i+1, params, folds, features, labels)
			iterations[i] = it

			mu.Lock()
			defer mu.Unlock()
			done++
			if s.progress != nil {
				s.progress(done, len(candidates), it)
			}
		})
	}
	wp.StopWait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: search cancelled: %v", ErrTrainingFailure, err)
	}

	result := &SearchResult{Iterations: iterations, Duration: time.Since(start)}
	found := false
	for _, it := range iterations {
		if it.Status != "completed" {
			s.logger.Warn("candidate failed", zap.Int("id", it.ID), zap.Stringer("params", it.Params), zap.String("error", it.Error))
			continue
		}
		if !found || it.MeanScore > result.Best.MeanScore {
			result.Best = it
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no candidate produced a score", ErrTrainingFailure)
	}

	s.logger.Info("randomized search completed",
		zap.Stringer("best_params", result.Best.Params),
		zap.Float64("best_cv_accuracy", result.Best.MeanScore),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (s *RandomizedSearch) evaluate(ctx context.Context, id int, params ForestParams, folds []Fold, features [][]float64, labels []int) SearchIteration {
	start := time.Now()
	it := SearchIteration{ID: id, Params: params}
	fail := func(err error) SearchIteration {
		it.Status = "failed"
		it.Error = err.Error()
		it.Duration = time.Since(start)
		return it
	}

	for _, fold := range folds {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		trainX, trainY := selectRows(features, labels, fold.Train)
		testX, testY := selectRows(features, labels, fold.Test)

		forest := NewRandomForest(params, s.config.ModelSeed)
		if err := forest.FitContext(ctx, trainX, trainY); err != nil {
			return fail(err)
		}
		preds, err := forest.PredictBatch(testX)
		if err != nil {
			return fail(err)
		}
		it.FoldScores = append(it.FoldScores, Accuracy(testY, preds))
	}

	it.MeanScore, it.StdScore = meanStd(it.FoldScores)
	it.Status = "completed"
	it.Duration = time.Since(start)
	return it
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(values)))
}
