package memory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes pipeline metrics and implements Observer.
type Collector struct {
	StageDuration    *prometheus.HistogramVec
	StageItems       *prometheus.CounterVec
	SaveOutcomes     *prometheus.CounterVec
	Verdicts         *prometheus.CounterVec
	Extractions      *prometheus.CounterVec
	ProviderFailures *prometheus.CounterVec
}

// NewCollector registers the pipeline metrics. Pass nil to use the default
// registry; tests pass their own.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engram_stage_duration_seconds",
				Help:    "Duration of pipeline stages",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"op", "stage"},
		),
		StageItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_stage_items_total",
				Help: "Items processed per pipeline stage",
			},
			[]string{"op", "stage"},
		),
		SaveOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_save_outcomes_total",
				Help: "Save outcomes by result",
			},
			[]string{"outcome"},
		),
		Verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_supersession_verdicts_total",
				Help: "Relationship verdicts from topic supersession",
			},
			[]string{"verdict"},
		),
		Extractions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_extraction_outcomes_total",
				Help: "Extraction outcomes by parse result",
			},
			[]string{"outcome"},
		),
		ProviderFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_provider_failures_total",
				Help: "Failed provider calls by provider",
			},
			[]string{"provider"},
		),
	}

	reg.MustRegister(
		c.StageDuration,
		c.StageItems,
		c.SaveOutcomes,
		c.Verdicts,
		c.Extractions,
		c.ProviderFailures,
	)
	return c
}

func (c *Collector) StageCompleted(op, stage string, count int, elapsed time.Duration) {
	c.StageDuration.WithLabelValues(op, stage).Observe(elapsed.Seconds())
	c.StageItems.WithLabelValues(op, stage).Add(float64(count))
}

func (c *Collector) SaveOutcome(outcome string) {
	c.SaveOutcomes.WithLabelValues(outcome).Inc()
}

func (c *Collector) SupersessionVerdict(verdict Verdict) {
	c.Verdicts.WithLabelValues(string(verdict)).Inc()
}

func (c *Collector) ExtractionOutcome(outcome string) {
	c.Extractions.WithLabelValues(outcome).Inc()
}

func (c *Collector) ProviderFailure(provider string) {
	c.ProviderFailures.WithLabelValues(provider).Inc()
}
