package ports

// Estimator is an external predictive model.
type Estimator interface {
	Predict(features []float64) (string, error)
	Fit(features [][]float64, labels []string) error
}
