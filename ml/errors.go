package ml

import "errors"

var (
	ErrDatasetUnavailable = errors.New("dataset unavailable")
	ErrTrainingFailure    = errors.New("training failure")
	ErrInvalidInput       = errors.New("invalid input")
	ErrShapeMismatch      = errors.New("shape mismatch")
)

// ErrorKind maps an error onto the stable identifier used in API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrDatasetUnavailable):
		return "dataset_unavailable"
	case errors.Is(err, ErrTrainingFailure):
		return "training_failure"
	default:
		return "internal"
	}
}
