package ml

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type TrainConfig struct {
	TestRatio float64      `yaml:"test_ratio"`
	SplitSeed int64        `yaml:"split_seed"`
	Grid      ParamGrid    `yaml:"grid"`
	Search    SearchConfig `yaml:"search"`
}

func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		TestRatio: 0.2,
		SplitSeed: 1,
		Grid:      DefaultParamGrid(),
		Search:    DefaultSearchConfig(),
	}
}

type TrainReport struct {
	RunID      string        `json:"run_id"`
	BestParams ForestParams  `json:"best_params"`
	CVAccuracy float64       `json:"cv_accuracy"`
	Evaluation Evaluation    `json:"evaluation"`
	Search     *SearchResult `json:"search"`
	TrainRows  int           `json:"train_rows"`
	TestRows   int           `json:"test_rows"`
	Duration   time.Duration `json:"duration"`
}

// Train standardizes the full feature set, holds out a seeded test split,
// searches the grid on the training split, refits the best candidate on the
// whole training split and scores it on the held-out rows.
func Train(ctx context.Context, ds *Dataset, cfg TrainConfig, logger *zap.Logger, progress ProgressFunc) (*Artifact, *TrainReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	if ds == nil || ds.Len() == 0 {
		return nil, nil, fmt.Errorf("%w: dataset is empty", ErrTrainingFailure)
	}
	if pos := ds.Positives(); pos == 0 || pos == ds.Len() {
		return nil, nil, fmt.Errorf("%w: dataset has a single class", ErrTrainingFailure)
	}

	var scaler StandardScaler
	scaled, err := scaler.FitTransform(ds.Features)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: fit scaler: %v", ErrTrainingFailure, err)
	}

	trainX, trainY, testX, testY, err := SplitDataset(scaled, ds.Labels, cfg.TestRatio, cfg.SplitSeed)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTrainingFailure, err)
	}
	logger.Info("dataset prepared",
		zap.Int("rows", ds.Len()),
		zap.Int("features", ds.NumFeatures()),
		zap.Int("train_rows", len(trainY)),
		zap.Int("test_rows", len(testY)),
		zap.String("fingerprint", ds.Fingerprint),
	)

	search := NewRandomizedSearch(cfg.Grid, cfg.Search, logger, progress)
	result, err := search.Run(ctx, trainX, trainY)
	if err != nil {
		return nil, nil, err
	}

	best := NewRandomForest(result.Best.Params, cfg.Search.ModelSeed)
	if err := best.FitContext(ctx, trainX, trainY); err != nil {
		return nil, nil, fmt.Errorf("%w: refit best model: %v", ErrTrainingFailure, err)
	}

	eval, err := Evaluate(best, testX, testY)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: evaluate: %v", ErrTrainingFailure, err)
	}
	logger.Info("model evaluated",
		zap.Stringer("best_params", result.Best.Params),
		zap.String("accuracy", fmt.Sprintf("%.2f%%", eval.Accuracy*100)),
		zap.Stringer("confusion_matrix", eval.Confusion),
		zap.Stringer("classification_report", eval.Report),
	)

	artifact := &Artifact{
		FormatVersion:      ArtifactFormatVersion,
		ModelType:          ModelTypeRandomForest,
		RunID:              runID,
		CreatedAt:          time.Now().UTC(),
		FeatureNames:       append([]string(nil), ds.FeatureNames...),
		Scaler:             scaler,
		Forest:             best,
		BestParams:         result.Best.Params,
		CVAccuracy:         result.Best.MeanScore,
		Evaluation:         eval,
		DatasetFingerprint: ds.Fingerprint,
		DatasetRows:        ds.Len(),
		TestRatio:          cfg.TestRatio,
		SplitSeed:          cfg.SplitSeed,
		SearchSeed:         cfg.Search.Seed,
		ModelSeed:          cfg.Search.ModelSeed,
	}
	report := &TrainReport{
		RunID:      runID,
		BestParams: result.Best.Params,
		CVAccuracy: result.Best.MeanScore,
		Evaluation: eval,
		Search:     result,
		TrainRows:  len(trainY),
		TestRows:   len(testY),
		Duration:   time.Since(start),
	}
	return artifact, report, nil
}
