package domain

import "time"

// Signal is one externally scored item admitted into a cycle. A nil Score
// means the scoring collaborator produced no usable score; such signals are
// kept on the cycle but excluded from aggregation.
type Signal struct {
	ID         string    `json:"id,omitempty"`
	Score      *float64  `json:"score"`
	Category   string    `json:"category"`
	Title      string    `json:"title,omitempty"`
	Source     string    `json:"source,omitempty"`
	AdmittedAt time.Time `json:"admitted_at"`
}

// NewSignal builds a scored signal.
func NewSignal(score float64, category string) Signal {
	return Signal{Score: &score, Category: category}
}

// Scored returns the signal's score and whether it has one.
func (s Signal) Scored() (float64, bool) {
	if s.Score == nil {
		return 0, false
	}
	return *s.Score, true
}
