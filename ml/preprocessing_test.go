package ml

import (
	"errors"
	"math"
	"testing"
)

func TestStandardScalerFitTransform(t *testing.T) {
	features := [][]float64{
		{1, 10, 5},
		{2, 20, 5},
		{3, 30, 5},
		{4, 40, 5},
	}

	var scaler StandardScaler
	scaled, err := scaler.FitTransform(features)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for col := 0; col < 2; col++ {
		mean, std := 0.0, 0.0
		for _, row := range scaled {
			mean += row[col]
		}
		mean /= float64(len(scaled))
		for _, row := range scaled {
			std += (row[col] - mean) * (row[col] - mean)
		}
		std = math.Sqrt(std / float64(len(scaled)))
		if math.Abs(mean) > 1e-9 || math.Abs(std-1) > 1e-9 {
			t.Fatalf("column %d: expected mean 0 std 1, got %f %f", col, mean, std)
		}
	}
	for _, row := range scaled {
		if row[2] != 0 {
			t.Fatalf("constant column should scale to 0, got %f", row[2])
		}
	}
	if scaler.Scale[2] != 1 {
		t.Fatalf("constant column should keep scale 1, got %f", scaler.Scale[2])
	}

	stats := scaler.FeatureStats([]string{"a", "b", "c"})
	if stats["b"][0] != 25 {
		t.Fatalf("expected mean 25 for b, got %f", stats["b"][0])
	}
}

func TestStandardScalerTransformRowMatchesTransform(t *testing.T) {
	features := [][]float64{{1, 2}, {3, 5}, {8, 13}}
	var scaler StandardScaler
	all, err := scaler.FitTransform(features)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, row := range features {
		single, err := scaler.TransformRow(row)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for j := range single {
			if single[j] != all[i][j] {
				t.Fatalf("row %d col %d: %f != %f", i, j, single[j], all[i][j])
			}
		}
	}
}

func TestStandardScalerShapeMismatch(t *testing.T) {
	var scaler StandardScaler
	if _, err := scaler.TransformRow([]float64{1}); err == nil {
		t.Fatal("expected error for unfitted scaler")
	}
	if err := scaler.Fit([][]float64{{1, 2}, {3}}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
	if err := scaler.Fit([][]float64{{1, 2}, {3, 4}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := scaler.TransformRow([]float64{1, 2, 3}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}
