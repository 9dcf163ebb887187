package serving

import (
	"context"
	"fmt"
	"time"

	"diabetesrisk/db"
	"diabetesrisk/ml"
	"diabetesrisk/monitoring"

	"go.uber.org/zap"
)

type TrainingLogWriter interface {
	SaveTrainingLog(ctx context.Context, log db.TrainingLog) error
}

// TrainJob describes one offline training run from dataset to artifact.
type TrainJob struct {
	DatasetPath string
	Dataset     ml.DatasetOptions
	ModelPath   string
	Config      ml.TrainConfig
	Progress    ml.ProgressFunc
	History     TrainingLogWriter
	Events      EventPublisher
	Logger      *zap.Logger
}

// TrainAndSave loads the dataset, trains, writes the artifact and records
// the run. A history write failure is logged but does not fail the run.
func TrainAndSave(ctx context.Context, job TrainJob) (*ml.Artifact, *ml.TrainReport, error) {
	logger := job.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if job.ModelPath == "" {
		return nil, nil, fmt.Errorf("%w: no model path configured", ml.ErrTrainingFailure)
	}

	ds, err := ml.LoadDataset(job.DatasetPath, job.Dataset)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("dataset loaded",
		zap.String("path", job.DatasetPath),
		zap.Int("rows", ds.Len()),
		zap.Int("positives", ds.Positives()),
		zap.Strings("features", ds.FeatureNames),
	)

	artifact, report, err := ml.Train(ctx, ds, job.Config, logger, job.Progress)
	if err != nil {
		return nil, nil, err
	}
	if err := artifact.Save(job.ModelPath); err != nil {
		return nil, nil, fmt.Errorf("%w: save artifact: %v", ml.ErrTrainingFailure, err)
	}
	logger.Info("artifact saved",
		zap.String("path", job.ModelPath),
		zap.String("run_id", artifact.RunID),
		zap.Duration("duration", report.Duration.Round(time.Millisecond)),
	)

	if job.History != nil {
		if err := job.History.SaveTrainingLog(ctx, db.TrainingLogFromArtifact(artifact)); err != nil {
			logger.Warn("record training log", zap.String("run_id", artifact.RunID), zap.Error(err))
		}
	}
	if job.Events != nil {
		job.Events.Publish(monitoring.EventTrainingCompleted, map[string]any{
			"run_id":      artifact.RunID,
			"accuracy":    artifact.Evaluation.Accuracy,
			"cv_accuracy": artifact.CVAccuracy,
			"best_params": artifact.BestParams,
		})
	}
	return artifact, report, nil
}
