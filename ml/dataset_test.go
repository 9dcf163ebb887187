package ml

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDataset(t *testing.T) {
	path := writeDataset(t, syntheticCSV(50, 3))
	ds, err := LoadDataset(path, DatasetOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ds.Len() != 50 {
		t.Fatalf("expected 50 rows, got %d", ds.Len())
	}
	if ds.NumFeatures() != 8 {
		t.Fatalf("expected 8 features, got %d", ds.NumFeatures())
	}
	if ds.FeatureNames[0] != "Pregnancies" || ds.FeatureNames[7] != "Age" {
		t.Fatalf("unexpected feature names: %v", ds.FeatureNames)
	}
	if ds.Labels[0] != 1 || ds.Labels[1] != 0 {
		t.Fatalf("expected known rows first, got labels %v", ds.Labels[:2])
	}
	if ds.Features[0][1] != 148 {
		t.Fatalf("expected glucose 148, got %f", ds.Features[0][1])
	}
	if len(ds.Fingerprint) != 64 {
		t.Fatalf("expected hex fingerprint, got %q", ds.Fingerprint)
	}

	again, err := LoadDataset(path, DatasetOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Fingerprint != ds.Fingerprint {
		t.Fatal("fingerprint should be stable for identical content")
	}
}

func TestReadDatasetOutcomeColumnAnywhere(t *testing.T) {
	content := "label,a,b\n1,1.5,2\n0,3,4\n"
	ds, err := ReadDataset(strings.NewReader(content), DatasetOptions{OutcomeColumn: "LABEL"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ds.FeatureNames) != 2 || ds.FeatureNames[0] != "a" {
		t.Fatalf("unexpected feature names: %v", ds.FeatureNames)
	}
	if ds.Features[0][0] != 1.5 || ds.Labels[0] != 1 {
		t.Fatalf("unexpected first row: %v %d", ds.Features[0], ds.Labels[0])
	}
}

func TestReadDatasetEncodings(t *testing.T) {
	withBOM := "\ufeffa,Outcome\n1,0\n2,1\n"
	ds, err := ReadDataset(strings.NewReader(withBOM), DatasetOptions{})
	if err != nil {
		t.Fatalf("utf-8 with BOM: %v", err)
	}
	if ds.FeatureNames[0] != "a" {
		t.Fatalf("BOM should be stripped, got %q", ds.FeatureNames[0])
	}

	cp1252 := "caf\xe9,Outcome\n1,0\n2,1\n"
	ds, err = ReadDataset(strings.NewReader(cp1252), DatasetOptions{Encoding: "windows-1252"})
	if err != nil {
		t.Fatalf("windows-1252: %v", err)
	}
	if ds.FeatureNames[0] != "café" {
		t.Fatalf("expected decoded header, got %q", ds.FeatureNames[0])
	}

	if _, err := ReadDataset(strings.NewReader(cp1252), DatasetOptions{Encoding: "ebcdic"}); !errors.Is(err, ErrDatasetUnavailable) {
		t.Fatalf("expected dataset unavailable for unknown encoding, got %v", err)
	}
}

func TestReadDatasetErrors(t *testing.T) {
	cases := map[string]string{
		"empty":           "",
		"missing outcome": "a,b\n1,2\n",
		"non numeric":     "a,Outcome\nx,1\n",
		"bad outcome":     "a,Outcome\n1,2\n",
		"ragged row":      "a,b,Outcome\n1,2\n",
		"only outcome":    "Outcome\n1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadDataset(strings.NewReader(content), DatasetOptions{})
			if !errors.Is(err, ErrDatasetUnavailable) {
				t.Fatalf("expected ErrDatasetUnavailable, got %v", err)
			}
		})
	}
}

func TestLoadDatasetMissingFile(t *testing.T) {
	_, err := LoadDataset(filepath.Join(t.TempDir(), "nope.csv"), DatasetOptions{})
	if !errors.Is(err, ErrDatasetUnavailable) {
		t.Fatalf("expected ErrDatasetUnavailable, got %v", err)
	}
	if ErrorKind(err) != "dataset_unavailable" {
		t.Fatalf("unexpected kind %q", ErrorKind(err))
	}
	if _, err := LoadDataset("", DatasetOptions{}); !errors.Is(err, ErrDatasetUnavailable) {
		t.Fatalf("expected ErrDatasetUnavailable for empty path, got %v", err)
	}
}
