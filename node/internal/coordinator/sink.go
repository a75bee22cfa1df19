package coordinator

import (
	"context"
	"errors"
	"sync"

	"trinity-symphony-coordination/node/internal/protocol"
)

const maxInsightsPerCategory = 50

// MemorySink accumulates learning updates in process. Weight adjustments
// merge additively per category; insights keep a bounded recent window.
type MemorySink struct {
	mu       sync.Mutex
	weights  map[string]map[string]float64
	insights map[string][]map[string]any
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		weights:  make(map[string]map[string]float64),
		insights: make(map[string][]map[string]any),
	}
}

func (s *MemorySink) ApplyLearning(ctx context.Context, update protocol.LearningUpdate) error {
	if update.Category == "" {
		return errors.New("learning update without category")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(update.WeightAdjustments) > 0 {
		w, ok := s.weights[update.Category]
		if !ok {
			w = make(map[string]float64)
			s.weights[update.Category] = w
		}
		for key, delta := range update.WeightAdjustments {
			w[key] += delta * update.Confidence
		}
	}
	if len(update.Insights) > 0 {
		window := append(s.insights[update.Category], update.Insights)
		if len(window) > maxInsightsPerCategory {
			window = window[len(window)-maxInsightsPerCategory:]
		}
		s.insights[update.Category] = window
	}
	return nil
}

// Weights returns a copy of the accumulated weights for one category.
func (s *MemorySink) Weights(category string) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.weights[category]))
	for k, v := range s.weights[category] {
		out[k] = v
	}
	return out
}

// Insights returns the retained insight window for one category.
func (s *MemorySink) Insights(category string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.insights[category]))
	copy(out, s.insights[category])
	return out
}
