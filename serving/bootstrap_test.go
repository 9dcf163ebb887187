package serving

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"diabetesrisk/db"
	"diabetesrisk/ml"
	"diabetesrisk/monitoring"
)

type memoryHistory struct {
	logs []db.TrainingLog
}

func (m *memoryHistory) SaveTrainingLog(_ context.Context, log db.TrainingLog) error {
	m.logs = append(m.logs, log)
	return nil
}

func TestTrainAndSave(t *testing.T) {
	dir := t.TempDir()
	var b strings.Builder
	b.WriteString("x,y,Outcome\n")
	for i := 0; i < 60; i++ {
		label := 0
		if i >= 30 {
			label = 1
		}
		b.WriteString(strings.Join([]string{strconv.Itoa(i), strconv.Itoa(i % 5), strconv.Itoa(label)}, ",") + "\n")
	}
	datasetPath := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(datasetPath, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("write dataset: %v", err)
	}

	cfg := ml.DefaultTrainConfig()
	cfg.Grid.NEstimators = []int{5}
	cfg.Search.NIter = 2
	cfg.Search.Folds = 2

	history := &memoryHistory{}
	events := &memoryEvents{}
	progress := 0
	modelPath := filepath.Join(dir, "models", "model.bin")
	artifact, report, err := TrainAndSave(context.Background(), TrainJob{
		DatasetPath: datasetPath,
		ModelPath:   modelPath,
		Config:      cfg,
		Progress:    func(done, total int, it ml.SearchIteration) { progress++ },
		History:     history,
		Events:      events,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if progress != 2 || len(report.Search.Iterations) != 2 {
		t.Fatalf("expected 2 searched candidates, got progress %d", progress)
	}
	if len(history.logs) != 1 || history.logs[0].RunID != artifact.RunID {
		t.Fatalf("expected one training log for %s, got %+v", artifact.RunID, history.logs)
	}
	if events.count(monitoring.EventTrainingCompleted) != 1 {
		t.Fatal("expected a training_completed event")
	}
	if _, err := ml.LoadModel(modelPath); err != nil {
		t.Fatalf("saved artifact should load: %v", err)
	}
}

func TestTrainAndSaveMissingDataset(t *testing.T) {
	_, _, err := TrainAndSave(context.Background(), TrainJob{
		DatasetPath: filepath.Join(t.TempDir(), "missing.csv"),
		ModelPath:   filepath.Join(t.TempDir(), "model.bin"),
		Config:      ml.DefaultTrainConfig(),
	})
	if !errors.Is(err, ml.ErrDatasetUnavailable) {
		t.Fatalf("expected ErrDatasetUnavailable, got %v", err)
	}
}
