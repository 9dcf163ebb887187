package ml

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

const (
	VerdictPositive     = "Positive"
	VerdictNegative     = "Negative"
	InvalidInputMessage = "Invalid input"
)

type Prediction struct {
	Label       int     `json:"label"`
	Result      string  `json:"result"`
	Probability float64 `json:"probability"` // probability of label 1
	ModelRunID  string  `json:"model_version"`
}

func Verdict(label int) string {
	if label == 1 {
		return VerdictPositive
	}
	return VerdictNegative
}

// Predictor applies a loaded artifact to raw, unscaled feature vectors.
// It is immutable and safe for concurrent use.
type Predictor struct {
	artifact *Artifact
}

func NewPredictor(a *Artifact) (*Predictor, error) {
	if a == nil {
		return nil, fmt.Errorf("nil artifact")
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &Predictor{artifact: a}, nil
}

func (p *Predictor) Artifact() *Artifact {
	return p.artifact
}

func (p *Predictor) NumFeatures() int {
	return len(p.artifact.FeatureNames)
}

func (p *Predictor) FeatureNames() []string {
	return append([]string(nil), p.artifact.FeatureNames...)
}

func (p *Predictor) Predict(vector []float64) (Prediction, error) {
	if len(vector) != p.NumFeatures() {
		return Prediction{}, fmt.Errorf("%w: got %d values, model expects %d", ErrShapeMismatch, len(vector), p.NumFeatures())
	}
	for i, v := range vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Prediction{}, fmt.Errorf("%w: value %d is not finite", ErrInvalidInput, i+1)
		}
	}
	scaled, err := p.artifact.Scaler.TransformRow(vector)
	if err != nil {
		return Prediction{}, err
	}
	proba, err := p.artifact.Forest.PredictProba(scaled)
	if err != nil {
		return Prediction{}, err
	}
	label := 0
	if proba > 0.5 {
		label = 1
	}
	return Prediction{
		Label:       label,
		Result:      Verdict(label),
		Probability: proba,
		ModelRunID:  p.artifact.RunID,
	}, nil
}

// FeatureParam is the query parameter carrying feature i (zero based).
func FeatureParam(i int) string {
	return "n" + strconv.Itoa(i+1)
}

// ParseFeatureVector reads n1..nN in order. A missing, non-numeric or
// non-finite value fails the whole vector.
func ParseFeatureVector(values url.Values, n int) ([]float64, error) {
	vector := make([]float64, n)
	for i := range vector {
		name := FeatureParam(i)
		raw, ok := values[name]
		if !ok || len(raw) == 0 {
			return nil, fmt.Errorf("%w: %s is missing", ErrInvalidInput, name)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidInput, name, raw[0])
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s is not finite", ErrInvalidInput, name)
		}
		vector[i] = v
	}
	return vector, nil
}
