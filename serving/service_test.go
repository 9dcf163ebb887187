package serving

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"diabetesrisk/db"
	"diabetesrisk/ml"
	"diabetesrisk/monitoring"
)

// testArtifact trains a small forest on a two-feature dataset where the
// label is 1 when the first feature exceeds 50.
func testArtifact(t *testing.T, modelSeed int64) *ml.Artifact {
	t.Helper()
	var b strings.Builder
	b.WriteString("x,y,Outcome\n")
	for i := 0; i < 80; i++ {
		x := float64(i * 100 / 80)
		label := 0
		if x > 50 {
			label = 1
		}
		fmt.Fprintf(&b, "%v,%d,%d\n", x, i%7, label)
	}
	ds, err := ml.ReadDataset(strings.NewReader(b.String()), ml.DatasetOptions{})
	if err != nil {
		t.Fatalf("read dataset: %v", err)
	}

	cfg := ml.DefaultTrainConfig()
	cfg.Grid = ml.ParamGrid{
		NEstimators:     []int{10},
		MaxDepth:        []int{0},
		MinSamplesSplit: []int{2},
		MinSamplesLeaf:  []int{1},
		MaxFeatures:     []string{"sqrt"},
		Bootstrap:       []bool{true},
	}
	cfg.Search.NIter = 1
	cfg.Search.Folds = 2
	cfg.Search.ModelSeed = modelSeed
	artifact, _, err := ml.Train(context.Background(), ds, cfg, nil, nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	return artifact
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []db.PredictionRecord
}

func (m *memoryRecorder) SavePrediction(_ context.Context, rec db.PredictionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

type memoryEvents struct {
	mu    sync.Mutex
	types []monitoring.EventType
}

func (m *memoryEvents) Publish(typ monitoring.EventType, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = append(m.types, typ)
}

func (m *memoryEvents) count(typ monitoring.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.types {
		if t == typ {
			n++
		}
	}
	return n
}

func TestServiceWithoutModel(t *testing.T) {
	svc, err := NewService(Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.Ready() {
		t.Fatal("service should not be ready without a model")
	}
	if _, err := svc.Predict(context.Background(), []float64{1, 2}); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if _, err := svc.ModelInfo(); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if err := svc.Load(filepath.Join(t.TempDir(), "missing.model")); err == nil {
		t.Fatal("expected load error")
	}
	if svc.Metrics().Snapshot().ReloadErrors != 1 {
		t.Fatal("failed load should be counted")
	}
}

func TestServicePredict(t *testing.T) {
	recorder := &memoryRecorder{}
	events := &memoryEvents{}
	svc, err := NewService(Options{CacheSize: 16, Recorder: recorder, Events: events})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.bin")
	artifact := testArtifact(t, 1)
	if err := artifact.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := svc.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx := WithRequestID(context.Background(), "req-1")
	values := url.Values{"n1": {"90"}, "n2": {"3"}}
	pred, err := svc.PredictQuery(ctx, values)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pred.Result != ml.VerdictPositive || pred.ModelRunID != artifact.RunID {
		t.Fatalf("unexpected prediction %+v", pred)
	}
	again, err := svc.PredictQuery(ctx, values)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != pred {
		t.Fatalf("cached prediction differs: %+v vs %+v", again, pred)
	}

	low, err := svc.Predict(ctx, []float64{5, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if low.Result != ml.VerdictNegative {
		t.Fatalf("expected Negative, got %s", low.Result)
	}

	if _, err := svc.PredictQuery(ctx, url.Values{"n1": {"90"}}); !errors.Is(err, ml.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := svc.PredictQuery(ctx, url.Values{"n1": {"90"}, "n2": {"many"}}); !errors.Is(err, ml.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := svc.Predict(ctx, []float64{1}); !errors.Is(err, ml.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}

	svc.Close()
	recorder.mu.Lock()
	recorded := len(recorder.records)
	first := recorder.records[0]
	recorder.mu.Unlock()
	if recorded != 3 {
		t.Fatalf("expected 3 recorded predictions, got %d", recorded)
	}
	if first.RequestID != "req-1" {
		t.Fatalf("expected request id to be recorded, got %q", first.RequestID)
	}

	snap := svc.Metrics().Snapshot()
	if snap.CacheHits != 1 || snap.InvalidInputs != 2 || snap.Failures != 1 {
		t.Fatalf("unexpected metrics %+v", snap)
	}
	if events.count(monitoring.EventPrediction) != 3 || events.count(monitoring.EventModelLoaded) != 1 {
		t.Fatalf("unexpected events %v", events.types)
	}

	info, err := svc.ModelInfo()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.RunID != artifact.RunID || info.Trees != 10 || len(info.FeatureNames) != 2 {
		t.Fatalf("unexpected model info %+v", info)
	}
}

func TestServiceSwapPurgesCache(t *testing.T) {
	svc, err := NewService(Options{CacheSize: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, _ := ml.NewPredictor(testArtifact(t, 1))
	second, _ := ml.NewPredictor(testArtifact(t, 2))

	svc.Swap(first)
	a, err := svc.Predict(context.Background(), []float64{60, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc.Swap(second)
	b, err := svc.Predict(context.Background(), []float64{60, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ModelRunID == b.ModelRunID {
		t.Fatal("prediction after swap should come from the new model")
	}
	if svc.Metrics().Snapshot().CacheHits != 0 {
		t.Fatal("swap should purge cached predictions")
	}
}

func TestWatcherReloadsAndKeepsModelOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	first := testArtifact(t, 1)
	if err := first.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	svc, err := NewService(Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	w, err := NewWatcher(svc, path, nil)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	second := testArtifact(t, 2)
	if err := second.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	waitFor(t, func() bool { return svc.Predictor().Artifact().RunID == second.RunID })

	if err := os.WriteFile(path, []byte("corrupt"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return svc.Metrics().Snapshot().ReloadErrors > 0 })
	if svc.Predictor().Artifact().RunID != second.RunID {
		t.Fatal("a failed reload must keep the current model")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
