package scoring

import (
	"fmt"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// Classification is the classifier output for one score.
type Classification struct {
	Action  domain.Action `json:"action"`
	RateBps int           `json:"rate_bps"`
}

// RateSteps are the five basis-point rates, strongest first.
var RateSteps = [5]int{30, 25, 20, 15, 10}

// Tier boundaries. Mint tiers count up from 0, burn tiers count down from 100.
var (
	mintCeilings = [4]float64{8, 16, 24, 32}
	burnFloors   = [4]float64{92, 84, 76, 68}
)

// Classifier maps a score onto {action, rate}. Scores inside the closed band
// [NeutralLow, NeutralHigh] are NEUTRAL at 0bp.
type Classifier struct {
	neutralLow  float64
	neutralHigh float64
}

// NewClassifier creates a Classifier with the given neutral band.
func NewClassifier(neutralLow, neutralHigh float64) (*Classifier, error) {
	if neutralLow < 0 || neutralHigh > 100 || neutralLow > neutralHigh {
		return nil, fmt.Errorf("scoring: invalid neutral band [%v, %v]", neutralLow, neutralHigh)
	}
	return &Classifier{neutralLow: neutralLow, neutralHigh: neutralHigh}, nil
}

// NeutralBand returns the configured band.
func (c *Classifier) NeutralBand() (low, high float64) {
	return c.neutralLow, c.neutralHigh
}

// Classify maps score to a classification. It never fails; out-of-range
// scores are clamped.
func (c *Classifier) Classify(score float64) Classification {
	score = clamp(score)

	switch {
	case score < c.neutralLow:
		for i, ceiling := range mintCeilings {
			if score <= ceiling {
				return Classification{Action: domain.ActionMint, RateBps: RateSteps[i]}
			}
		}
		return Classification{Action: domain.ActionMint, RateBps: RateSteps[4]}
	case score > c.neutralHigh:
		for i, floor := range burnFloors {
			if score >= floor {
				return Classification{Action: domain.ActionBurn, RateBps: RateSteps[i]}
			}
		}
		return Classification{Action: domain.ActionBurn, RateBps: RateSteps[4]}
	default:
		return Classification{Action: domain.ActionNeutral, RateBps: 0}
	}
}
