package ml

import (
	"errors"
	"fmt"
)

func LoadModel(path string) (*Predictor, error) {
	if path == "" {
		return nil, errors.New("model path is required")
	}
	artifact, err := ReadArtifact(path)
	if err != nil {
		return nil, err
	}
	switch artifact.ModelType {
	case ModelTypeRandomForest:
		return NewPredictor(artifact)
	default:
		return nil, fmt.Errorf("unsupported model type %q", artifact.ModelType)
	}
}
