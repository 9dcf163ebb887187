package ml

import (
	"context"
	"errors"
	"testing"
)

func separableData() ([][]float64, []int) {
	features := make([][]float64, 0, 80)
	labels := make([]int, 0, 80)
	for i := 0; i < 40; i++ {
		x := float64(i) / 40
		features = append(features, []float64{x, 1 - x, 0.5})
		features = append(features, []float64{x + 2, 3 - x, 0.5})
		labels = append(labels, 0, 1)
	}
	return features, labels
}

func TestRandomForestFitPredict(t *testing.T) {
	features, labels := separableData()
	params := ForestParams{NEstimators: 20, MinSamplesSplit: 2, MinSamplesLeaf: 1, MaxFeatures: "sqrt", Bootstrap: true}
	rf := NewRandomForest(params, 1)
	if err := rf.Fit(features, labels); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rf.Trees) != 20 {
		t.Fatalf("expected 20 trees, got %d", len(rf.Trees))
	}
	preds, err := rf.PredictBatch(features)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc := Accuracy(labels, preds); acc < 0.99 {
		t.Fatalf("expected separable data to be learned, accuracy %f", acc)
	}
	p, err := rf.PredictProba([]float64{2.5, 2.5, 0.5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p <= 0.5 || p > 1 {
		t.Fatalf("expected positive probability, got %f", p)
	}
}

func TestRandomForestDeterministic(t *testing.T) {
	features, labels := separableData()
	params := ForestParams{NEstimators: 10, MaxDepth: 3, MinSamplesSplit: 2, MinSamplesLeaf: 1, MaxFeatures: "log2", Bootstrap: true}

	probe := []float64{1.1, 1.9, 0.5}
	var first float64
	for run := 0; run < 3; run++ {
		rf := NewRandomForest(params, 9)
		if err := rf.Fit(features, labels); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		p, err := rf.PredictProba(probe)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if run == 0 {
			first = p
		} else if p != first {
			t.Fatalf("run %d: probability %f differs from %f", run, p, first)
		}
	}
}

func TestRandomForestErrors(t *testing.T) {
	rf := NewRandomForest(ForestParams{NEstimators: 0}, 1)
	if err := rf.Fit([][]float64{{1}}, []int{0}); err == nil {
		t.Fatal("expected error for zero estimators")
	}
	rf = NewRandomForest(ForestParams{NEstimators: 2, MaxFeatures: "half"}, 1)
	if err := rf.Fit([][]float64{{1}, {2}}, []int{0, 1}); err == nil {
		t.Fatal("expected error for unknown max_features")
	}
	if _, err := rf.PredictProba([]float64{1}); err == nil {
		t.Fatal("expected error for untrained forest")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	features, labels := separableData()
	rf = NewRandomForest(ForestParams{NEstimators: 5, MinSamplesSplit: 2, MinSamplesLeaf: 1}, 1)
	if err := rf.FitContext(ctx, features, labels); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestResolveMaxFeatures(t *testing.T) {
	cases := []struct {
		strategy string
		want     int
	}{
		{"auto", 2},
		{"sqrt", 2},
		{"log2", 3},
		{"", 8},
	}
	for _, tc := range cases {
		got, err := ResolveMaxFeatures(tc.strategy, 8)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.strategy, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.strategy, tc.want, got)
		}
	}
	if got, _ := ResolveMaxFeatures("log2", 1); got != 1 {
		t.Fatalf("expected at least one feature, got %d", got)
	}
}
