// Package estimator provides the built-in nearest-centroid model used when no
// external estimator is wired in.
package estimator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/hivemind-plus/hivelink/internal/ports"
)

var ErrNotFitted = errors.New("estimator not fitted")

// Centroid predicts the label whose mean feature vector is closest in
// Euclidean distance. Safe for concurrent use.
type Centroid struct {
	mu        sync.RWMutex
	dim       int
	labels    []string
	centroids [][]float64
}

func NewCentroid() *Centroid {
	return &Centroid{}
}

func (c *Centroid) Fit(features [][]float64, labels []string) error {
	if len(features) == 0 {
		return errors.New("no training examples")
	}
	if len(features) != len(labels) {
		return fmt.Errorf("%d feature rows for %d labels", len(features), len(labels))
	}
	dim := len(features[0])
	if dim == 0 {
		return errors.New("empty feature vector")
	}

	sums := make(map[string][]float64)
	counts := make(map[string]int)
	for i, row := range features {
		if len(row) != dim {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), dim)
		}
		s, ok := sums[labels[i]]
		if !ok {
			s = make([]float64, dim)
			sums[labels[i]] = s
		}
		for j, v := range row {
			s[j] += v
		}
		counts[labels[i]]++
	}

	names := make([]string, 0, len(sums))
	for l := range sums {
		names = append(names, l)
	}
	sort.Strings(names)

	centroids := make([][]float64, len(names))
	for i, l := range names {
		s := sums[l]
		for j := range s {
			s[j] /= float64(counts[l])
		}
		centroids[i] = s
	}

	c.mu.Lock()
	c.dim, c.labels, c.centroids = dim, names, centroids
	c.mu.Unlock()
	return nil
}

func (c *Centroid) Predict(features []float64) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.centroids) == 0 {
		return "", ErrNotFitted
	}
	if len(features) != c.dim {
		return "", fmt.Errorf("got %d features, want %d", len(features), c.dim)
	}

	best, bestDist := 0, math.Inf(1)
	for i, ctr := range c.centroids {
		var d float64
		for j, v := range features {
			diff := v - ctr[j]
			d += diff * diff
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return c.labels[best], nil
}

// Labels returns the classes seen by the last Fit.
func (c *Centroid) Labels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.labels...)
}

var _ ports.Estimator = (*Centroid)(nil)
