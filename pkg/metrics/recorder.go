// Package metrics records workflow metrics to Prometheus and queries them back.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rlm/pkg/proto"
)

// Recorder receives workflow observations.
type Recorder interface {
	ObserveTransition(from, to proto.Phase)
	ObserveRunnerTurn(phase proto.Phase, finishReason string, duration time.Duration)
	ObserveOutcome(outcome string)
	ObserveDoomLoop(rule string)
	ObserveCheckpointSave(success bool)
	ObserveTokens(sessionID string, promptTokens, completionTokens int)
}

// Nop discards observations.
type Nop struct{}

func (Nop) ObserveTransition(proto.Phase, proto.Phase) {}
func (Nop) ObserveRunnerTurn(proto.Phase, string, time.Duration) {}
func (Nop) ObserveOutcome(string) {}
func (Nop) ObserveDoomLoop(string) {}
func (Nop) ObserveCheckpointSave(bool) {}
func (Nop) ObserveTokens(string, int, int) {}

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	transitionsTotal *prometheus.CounterVec
	turnsTotal       *prometheus.CounterVec
	outcomesTotal    *prometheus.CounterVec
	doomLoopsTotal   *prometheus.CounterVec
	checkpointSaves  *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
}

// NewPrometheusRecorder registers collectors with reg. A nil reg uses the
// default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_phase_transitions_total",
				Help: "Total number of workflow phase transitions",
			},
			[]string{"from", "to"},
		),
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_runner_turns_total",
				Help: "Total number of agent runner turns by phase and finish reason",
			},
			[]string{"phase", "finish_reason"},
		),
		outcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_workflow_outcomes_total",
				Help: "Total number of finished workflow runs by outcome",
			},
			[]string{"outcome"},
		),
		doomLoopsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_doom_loops_total",
				Help: "Total number of doom loops detected by rule",
			},
			[]string{"rule"},
		),
		checkpointSaves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_checkpoint_saves_total",
				Help: "Total number of checkpoint saves by result",
			},
			[]string{"result"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_runner_tokens_total",
				Help: "Total number of LLM tokens by session and direction",
			},
			[]string{"session_id", "direction"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rlm_runner_turn_duration_seconds",
				Help:    "Duration of agent runner turns in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
	}
}

// ObserveTransition counts a phase transition.
func (p *PrometheusRecorder) ObserveTransition(from, to proto.Phase) {
	p.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveRunnerTurn counts a runner turn and records its duration.
func (p *PrometheusRecorder) ObserveRunnerTurn(phase proto.Phase, finishReason string, duration time.Duration) {
	p.turnsTotal.WithLabelValues(string(phase), finishReason).Inc()
	p.turnDuration.WithLabelValues(string(phase)).Observe(duration.Seconds())
}

// ObserveOutcome counts a finished run.
func (p *PrometheusRecorder) ObserveOutcome(outcome string) {
	p.outcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDoomLoop counts a detected doom loop.
func (p *PrometheusRecorder) ObserveDoomLoop(rule string) {
	p.doomLoopsTotal.WithLabelValues(rule).Inc()
}

// ObserveCheckpointSave counts a checkpoint save attempt.
func (p *PrometheusRecorder) ObserveCheckpointSave(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	p.checkpointSaves.WithLabelValues(result).Inc()
}

// ObserveTokens adds prompt and completion tokens for a session.
func (p *PrometheusRecorder) ObserveTokens(sessionID string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		p.tokensTotal.WithLabelValues(sessionID, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		p.tokensTotal.WithLabelValues(sessionID, "completion").Add(float64(completionTokens))
	}
}
