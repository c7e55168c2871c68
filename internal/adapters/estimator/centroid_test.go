package estimator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCentroidPredictsNearestClass(t *testing.T) {
	c := NewCentroid()

	_, err := c.Predict([]float64{1, 1})
	assert.True(t, errors.Is(err, ErrNotFitted))

	require.NoError(t, c.Fit(
		[][]float64{{20, 40}, {22, 44}, {35, 80}, {37, 78}},
		[]string{"ok", "ok", "stressed", "stressed"},
	))
	assert.Equal(t, []string{"ok", "stressed"}, c.Labels())

	got, err := c.Predict([]float64{21, 41})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	got, err = c.Predict([]float64{34, 75})
	require.NoError(t, err)
	assert.Equal(t, "stressed", got)

	_, err = c.Predict([]float64{1})
	assert.Error(t, err)
}

func TestCentroidFitValidates(t *testing.T) {
	c := NewCentroid()
	assert.Error(t, c.Fit(nil, nil))
	assert.Error(t, c.Fit([][]float64{{1}}, []string{"a", "b"}))
	assert.Error(t, c.Fit([][]float64{{1, 2}, {1}}, []string{"a", "b"}))
	assert.Error(t, c.Fit([][]float64{{}}, []string{"a"}))

	_, err := c.Predict([]float64{1})
	assert.True(t, errors.Is(err, ErrNotFitted), "failed fits leave the model untouched")
}
