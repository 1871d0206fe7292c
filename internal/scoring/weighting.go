// Package scoring reduces a cycle's signals to one score and maps that score
// to a discrete action and rate.
package scoring

import (
	"strings"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// NeutralScore is returned when there is nothing to aggregate.
const NeutralScore = 50.0

// DefaultCategoryWeights is the category lookup used when none is configured.
var DefaultCategoryWeights = map[string]float64{
	"politics": 1.5,
	"breaking": 1.5,
	"crypto":   1.4,
	"business": 1.3,
	"world":    1.0,
	"tech":     1.0,
	"science":  0.8,
	"sports":   0.6,
	"esports":  0.5,
}

// WeightingConfig tunes the reducer.
type WeightingConfig struct {
	CategoryWeights map[string]float64
	// Scores at or beyond these bounds count double.
	ExtremeLow  float64
	ExtremeHigh float64
	// MaxWeight is the share of the final score taken by the single highest
	// score; the rest comes from the weighted average.
	MaxWeight float64
}

// DefaultWeightingConfig returns the production weighting.
func DefaultWeightingConfig() WeightingConfig {
	return WeightingConfig{
		CategoryWeights: DefaultCategoryWeights,
		ExtremeLow:      15,
		ExtremeHigh:     85,
		MaxWeight:       0.7,
	}
}

// Engine is the weighting engine. It holds only configuration and is safe for
// concurrent use.
type Engine struct {
	weights     map[string]float64
	extremeLow  float64
	extremeHigh float64
	maxWeight   float64
}

// NewEngine creates an Engine. Category names are matched case-insensitively.
func NewEngine(cfg WeightingConfig) *Engine {
	weights := cfg.CategoryWeights
	if len(weights) == 0 {
		weights = DefaultCategoryWeights
	}
	normalised := make(map[string]float64, len(weights))
	for k, v := range weights {
		normalised[strings.ToLower(strings.TrimSpace(k))] = v
	}
	maxWeight := cfg.MaxWeight
	if maxWeight < 0 || maxWeight > 1 {
		maxWeight = 0.7
	}
	return &Engine{
		weights:     normalised,
		extremeLow:  cfg.ExtremeLow,
		extremeHigh: cfg.ExtremeHigh,
		maxWeight:   maxWeight,
	}
}

// CategoryWeight returns the weight for category, 1.0 when unknown.
func (e *Engine) CategoryWeight(category string) float64 {
	if w, ok := e.weights[strings.ToLower(strings.TrimSpace(category))]; ok && w > 0 {
		return w
	}
	return 1.0
}

func (e *Engine) weight(score float64, category string) float64 {
	w := e.CategoryWeight(category)
	if score <= e.extremeLow || score >= e.extremeHigh {
		w *= 2
	}
	return w
}

// Reduce blends the highest score with the weighted average of all scored
// signals. Unscored signals are skipped; with nothing left it returns
// NeutralScore. The result is always within [0, 100].
func (e *Engine) Reduce(signals []domain.Signal) float64 {
	var (
		sum, weights float64
		maxScore     float64
		scored       int
	)
	for _, s := range signals {
		score, ok := s.Scored()
		if !ok {
			continue
		}
		score = clamp(score)
		w := e.weight(score, s.Category)
		sum += score * w
		weights += w
		if scored == 0 || score > maxScore {
			maxScore = score
		}
		scored++
	}
	if scored == 0 || weights == 0 {
		return NeutralScore
	}

	avg := sum / weights
	return clamp(e.maxWeight*maxScore + (1-e.maxWeight)*avg)
}

// Unscored counts signals that will be excluded from Reduce.
func Unscored(signals []domain.Signal) int {
	n := 0
	for _, s := range signals {
		if _, ok := s.Scored(); !ok {
			n++
		}
	}
	return n
}

func clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return NeutralScore
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
