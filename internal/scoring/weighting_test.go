package scoring_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/scoring"
)

func newEngine() *scoring.Engine {
	return scoring.NewEngine(scoring.DefaultWeightingConfig())
}

func TestReduce_EmptyIsNeutral(t *testing.T) {
	e := newEngine()
	assert.Equal(t, scoring.NeutralScore, e.Reduce(nil))
	assert.Equal(t, scoring.NeutralScore, e.Reduce([]domain.Signal{}))
}

func TestReduce_SingleExtremePolitics(t *testing.T) {
	e := newEngine()
	got := e.Reduce([]domain.Signal{domain.NewSignal(95, "politics")})
	assert.InDelta(t, 95.0, got, 1e-9)
}

func TestReduce_BlendsMaxWithWeightedAverage(t *testing.T) {
	e := newEngine()
	// sports 20 (w 0.6), tech 90 (extreme, w 2.0)
	// avg = (12 + 180) / 2.6 = 73.846..., final = 63 + 0.3*avg
	got := e.Reduce([]domain.Signal{
		domain.NewSignal(20, "sports"),
		domain.NewSignal(90, "tech"),
	})
	avg := (20*0.6 + 90*2.0) / 2.6
	assert.InDelta(t, 0.7*90+0.3*avg, got, 1e-9)
}

func TestReduce_UnknownCategoryDefaultsToOne(t *testing.T) {
	e := newEngine()
	assert.Equal(t, 1.0, e.CategoryWeight("gardening"))
	assert.Equal(t, 1.5, e.CategoryWeight("Politics"))
}

func TestReduce_SkipsUnscoredSignals(t *testing.T) {
	e := newEngine()
	signals := []domain.Signal{
		{Category: "politics"},
		domain.NewSignal(30, "world"),
	}
	assert.InDelta(t, 30.0, e.Reduce(signals), 1e-9)
	assert.Equal(t, 1, scoring.Unscored(signals))
}

func TestReduce_AllUnscoredFallsBackToNeutral(t *testing.T) {
	e := newEngine()
	got := e.Reduce([]domain.Signal{{Category: "crypto"}, {Category: "world"}})
	assert.Equal(t, scoring.NeutralScore, got)
}

func TestReduce_OutOfRangeScoresAreClamped(t *testing.T) {
	e := newEngine()
	assert.Equal(t, 100.0, e.Reduce([]domain.Signal{domain.NewSignal(250, "world")}))
	assert.Equal(t, 0.0, e.Reduce([]domain.Signal{domain.NewSignal(-40, "world")}))
}

func TestReduce_AlwaysWithinBounds(t *testing.T) {
	e := newEngine()
	rng := rand.New(rand.NewSource(7))
	categories := []string{"politics", "sports", "science", "unknown", "crypto"}

	for i := 0; i < 500; i++ {
		n := rng.Intn(12)
		signals := make([]domain.Signal, n)
		for j := range signals {
			signals[j] = domain.NewSignal(rng.Float64()*100, categories[rng.Intn(len(categories))])
		}
		got := e.Reduce(signals)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 100.0)
	}
}

func TestReduce_MonotonicInMaxScore(t *testing.T) {
	e := newEngine()
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 300; i++ {
		base := []domain.Signal{
			domain.NewSignal(rng.Float64()*60, "sports"),
			domain.NewSignal(rng.Float64()*60, "business"),
		}
		top := 60 + rng.Float64()*30
		lower := append(append([]domain.Signal{}, base...), domain.NewSignal(top, "world"))
		higher := append(append([]domain.Signal{}, base...), domain.NewSignal(top+rng.Float64()*10, "world"))

		assert.GreaterOrEqual(t, e.Reduce(higher), e.Reduce(lower))
	}
}

func TestReduce_OrderIndependent(t *testing.T) {
	e := newEngine()
	a := []domain.Signal{
		domain.NewSignal(10, "crypto"),
		domain.NewSignal(55, "world"),
		domain.NewSignal(88, "sports"),
	}
	b := []domain.Signal{a[2], a[0], a[1]}
	assert.InDelta(t, e.Reduce(a), e.Reduce(b), 1e-9)
}
