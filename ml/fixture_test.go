package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

const testHeader = "Pregnancies,Glucose,BloodPressure,SkinThickness,Insulin,BMI,DiabetesPedigreeFunction,Age,Outcome"

var (
	knownDiabetic    = []float64{6, 148, 72, 35, 0, 33.6, 0.627, 50}
	knownNonDiabetic = []float64{1, 85, 66, 29, 0, 26.6, 0.351, 31}
)

// syntheticCSV builds a Pima-shaped dataset whose outcome is driven mostly by
// glucose, BMI and age. The first two rows are the well-known records above.
func syntheticCSV(rows int, seed int64) string {
	rnd := rand.New(rand.NewSource(seed))
	var b strings.Builder
	b.WriteString(testHeader + "\n")
	b.WriteString(formatRow(knownDiabetic, 1))
	b.WriteString(formatRow(knownNonDiabetic, 0))
	for i := 2; i < rows; i++ {
		row := []float64{
			float64(rnd.Intn(12)),
			math.Round(70 + rnd.Float64()*130),
			math.Round(50 + rnd.Float64()*50),
			math.Round(10 + rnd.Float64()*40),
			math.Round(rnd.Float64() * 300),
			math.Round((18+rnd.Float64()*30)*10) / 10,
			math.Round((0.08+rnd.Float64()*1.5)*1000) / 1000,
			math.Round(21 + rnd.Float64()*50),
		}
		score := 0.03*(row[1]-120) + 0.08*(row[5]-32) + 0.03*(row[7]-33) + rnd.NormFloat64()*0.3
		label := 0
		if score > 0 {
			label = 1
		}
		b.WriteString(formatRow(row, label))
	}
	return b.String()
}

func formatRow(row []float64, label int) string {
	parts := make([]string, 0, len(row)+1)
	for _, v := range row {
		parts = append(parts, fmt.Sprint(v))
	}
	parts = append(parts, fmt.Sprint(label))
	return strings.Join(parts, ",") + "\n"
}

func writeDataset(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diabetes.csv")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

func smallTrainConfig() TrainConfig {
	cfg := DefaultTrainConfig()
	cfg.Grid = ParamGrid{
		NEstimators:     []int{15, 30},
		MaxDepth:        []int{0, 6},
		MinSamplesSplit: []int{2, 5},
		MinSamplesLeaf:  []int{1, 2},
		MaxFeatures:     []string{"sqrt", "log2"},
		Bootstrap:       []bool{true, false},
	}
	cfg.Search.NIter = 4
	cfg.Search.Folds = 3
	cfg.Search.Workers = 2
	return cfg
}

var (
	fixtureOnce     sync.Once
	fixtureDataset  *Dataset
	fixtureArtifact *Artifact
	fixtureReport   *TrainReport
	fixtureErr      error
)

// trainedFixture trains once per test binary on the 768-row dataset.
func trainedFixture(t *testing.T) (*Dataset, *Artifact, *TrainReport) {
	t.Helper()
	fixtureOnce.Do(func() {
		fixtureDataset, fixtureErr = ReadDataset(strings.NewReader(syntheticCSV(768, 42)), DatasetOptions{})
		if fixtureErr != nil {
			return
		}
		fixtureArtifact, fixtureReport, fixtureErr = Train(context.Background(), fixtureDataset, smallTrainConfig(), nil, nil)
	})
	if fixtureErr != nil {
		t.Fatalf("train fixture: %v", fixtureErr)
	}
	return fixtureDataset, fixtureArtifact, fixtureReport
}
