package ml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	ArtifactFormatVersion = 1
	ModelTypeRandomForest = "random_forest"
)

// Artifact is everything serving needs: the fitted scaler and forest plus
// the provenance of the training run that produced them.
type Artifact struct {
	FormatVersion      int            `msgpack:"format_version"`
	ModelType          string         `msgpack:"model_type"`
	RunID              string         `msgpack:"run_id"`
	CreatedAt          time.Time      `msgpack:"created_at"`
	FeatureNames       []string       `msgpack:"feature_names"`
	Scaler             StandardScaler `msgpack:"scaler"`
	Forest             *RandomForest  `msgpack:"forest"`
	BestParams         ForestParams   `msgpack:"best_params"`
	CVAccuracy         float64        `msgpack:"cv_accuracy"`
	Evaluation         Evaluation     `msgpack:"evaluation"`
	DatasetFingerprint string         `msgpack:"dataset_fingerprint"`
	DatasetRows        int            `msgpack:"dataset_rows"`
	TestRatio          float64        `msgpack:"test_ratio"`
	SplitSeed          int64          `msgpack:"split_seed"`
	SearchSeed         int64          `msgpack:"search_seed"`
	ModelSeed          int64          `msgpack:"model_seed"`
}

func (a *Artifact) Validate() error {
	if a.FormatVersion != ArtifactFormatVersion {
		return fmt.Errorf("unsupported artifact format %d", a.FormatVersion)
	}
	if !a.Scaler.Fitted() {
		return errors.New("artifact scaler not fitted")
	}
	if a.Forest == nil || len(a.Forest.Trees) == 0 {
		return errors.New("artifact has no trained forest")
	}
	if len(a.FeatureNames) != a.Scaler.NumFeatures() {
		return fmt.Errorf("%w: %d feature names, scaler fitted on %d", ErrShapeMismatch, len(a.FeatureNames), a.Scaler.NumFeatures())
	}
	return nil
}

// Save writes the artifact next to path and renames it into place, so a
// watcher never observes a half-written file.
func (a *Artifact) Save(path string) error {
	if err := a.Validate(); err != nil {
		return err
	}
	payload, err := msgpack.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func ReadArtifact(path string) (*Artifact, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := msgpack.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", path, err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", path, err)
	}
	return &a, nil
}
