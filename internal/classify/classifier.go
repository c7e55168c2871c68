// Package classify attaches estimator predictions to incoming samples and
// refits the estimators from operator-labelled history.
package classify

import (
	"errors"
	"fmt"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

// Binding ties an estimator to the reading fields that make up its feature
// vector, in order.
type Binding struct {
	Name      string
	Features  []string
	Estimator ports.Estimator
}

// Classifier evaluates every bound estimator independently.
type Classifier struct {
	bindings []Binding
	obs      ports.Observability
}

type Option func(*Classifier)

func WithObservability(obs ports.Observability) Option {
	return func(c *Classifier) { c.obs = obs }
}

func NewClassifier(bindings []Binding, opts ...Option) (*Classifier, error) {
	seen := make(map[string]struct{}, len(bindings))
	for _, b := range bindings {
		switch {
		case b.Name == "":
			return nil, domain.Config("classifier", errors.New("estimator name is required"))
		case len(b.Features) == 0:
			return nil, domain.Config("classifier", fmt.Errorf("estimator %s has no features", b.Name))
		case b.Estimator == nil:
			return nil, domain.Config("classifier", fmt.Errorf("estimator %s has no model", b.Name))
		}
		if _, dup := seen[b.Name]; dup {
			return nil, domain.Config("classifier", fmt.Errorf("estimator %s bound twice", b.Name))
		}
		seen[b.Name] = struct{}{}
	}

	c := &Classifier{bindings: bindings, obs: ports.NopObservability{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Bindings returns the configured estimators in configuration order.
func (c *Classifier) Bindings() []Binding {
	return c.bindings
}

// Classify returns one entry per bound estimator. An estimator whose features
// are missing from the reading, or whose model fails, reports
// domain.Unavailable; the others are unaffected.
func (c *Classifier) Classify(m *domain.TelemetryMessage) domain.Estimates {
	if len(c.bindings) == 0 {
		return nil
	}
	out := make(domain.Estimates, len(c.bindings))
	for _, b := range c.bindings {
		vec, err := Vector(b, m.Fields)
		if err != nil {
			out[b.Name] = domain.Unavailable
			continue
		}
		label, err := b.Estimator.Predict(vec)
		if err != nil {
			c.obs.LogError("estimator predict failed", err,
				ports.Field{Key: "estimator", Value: b.Name},
				ports.Field{Key: "node_id", Value: m.NodeID})
			out[b.Name] = domain.Unavailable
			continue
		}
		out[b.Name] = label
	}
	return out
}

// Partial reports whether any estimator in e was unavailable.
func Partial(e domain.Estimates) bool {
	for _, v := range e {
		if v == domain.Unavailable {
			return true
		}
	}
	return false
}

// Vector extracts the feature vector for b from r.
func Vector(b Binding, r domain.Reading) ([]float64, error) {
	vec := make([]float64, len(b.Features))
	for i, f := range b.Features {
		v, ok := r.Float(f)
		if !ok {
			return nil, fmt.Errorf("estimator %s: missing feature %s", b.Name, f)
		}
		vec[i] = v
	}
	return vec, nil
}
