package ml

import (
	"errors"
	"fmt"
	"math"
)

// StandardScaler standardizes each column to zero mean and unit variance
// using the population standard deviation. Columns with zero variance keep
// a scale of 1.
type StandardScaler struct {
	Mean  []float64 `msgpack:"mean" json:"mean"`
	Scale []float64 `msgpack:"scale" json:"scale"`
}

func (s *StandardScaler) Fit(features [][]float64) error {
	if len(features) == 0 {
		return errors.New("features is empty")
	}
	cols := len(features[0])
	if cols == 0 {
		return errors.New("features have no columns")
	}
	mean := make([]float64, cols)
	for i, row := range features {
		if len(row) != cols {
			return fmt.Errorf("%w: row %d has %d columns, want %d", ErrShapeMismatch, i, len(row), cols)
		}
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(features))
	for j := range mean {
		mean[j] /= n
	}

	scale := make([]float64, cols)
	for _, row := range features {
		for j, v := range row {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}

	s.Mean = mean
	s.Scale = scale
	return nil
}

func (s *StandardScaler) Fitted() bool {
	return len(s.Mean) > 0 && len(s.Mean) == len(s.Scale)
}

func (s *StandardScaler) NumFeatures() int {
	return len(s.Mean)
}

func (s *StandardScaler) TransformRow(row []float64) ([]float64, error) {
	if !s.Fitted() {
		return nil, errors.New("scaler not fitted")
	}
	if len(row) != len(s.Mean) {
		return nil, fmt.Errorf("%w: got %d features, scaler expects %d", ErrShapeMismatch, len(row), len(s.Mean))
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

func (s *StandardScaler) Transform(features [][]float64) ([][]float64, error) {
	out := make([][]float64, len(features))
	for i, row := range features {
		scaled, err := s.TransformRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = scaled
	}
	return out, nil
}

func (s *StandardScaler) FitTransform(features [][]float64) ([][]float64, error) {
	if err := s.Fit(features); err != nil {
		return nil, err
	}
	return s.Transform(features)
}

// FeatureStats returns {mean, std} keyed by feature name.
func (s *StandardScaler) FeatureStats(names []string) map[string][2]float64 {
	if !s.Fitted() || len(names) != len(s.Mean) {
		return nil
	}
	stats := make(map[string][2]float64, len(names))
	for i, name := range names {
		stats[name] = [2]float64{s.Mean[i], s.Scale[i]}
	}
	return stats
}
