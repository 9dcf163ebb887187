package ml

// Classifier is a binary model over standardized feature vectors.
type Classifier interface {
	Fit(features [][]float64, labels []int) error
	Predict(features []float64) (int, float64, error)
	PredictProba(features []float64) (float64, error)
}

var (
	_ Classifier = (*DecisionTree)(nil)
	_ Classifier = (*RandomForest)(nil)
)
