package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llamad",
		Name:      "model_loads_total",
		Help:      "Model loads by result.",
	}, []string{"result"})
	metricLoadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "llamad",
		Name:      "model_load_duration_seconds",
		Help:      "Time spent loading models.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})
	metricGenerations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llamad",
		Name:      "generations_total",
		Help:      "Finished generations by outcome (stop, length, error, cancelled).",
	}, []string{"outcome"})
	metricTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "llamad",
		Name:      "generated_tokens_total",
		Help:      "Tokens delivered to streams.",
	})
	metricFirstToken = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "llamad",
		Name:      "first_token_seconds",
		Help:      "Latency from generation start to the first token.",
		Buckets:   prometheus.DefBuckets,
	})
	metricState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "llamad",
		Name:      "session_state",
		Help:      "1 for the current session state, 0 otherwise.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(metricLoads, metricLoadDuration, metricGenerations, metricTokens, metricFirstToken, metricState)
}

func observeLoad(ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	metricLoads.WithLabelValues(result).Inc()
	metricLoadDuration.Observe(d.Seconds())
}

func observeGeneration(outcome string, tokens int, firstTok time.Duration) {
	metricGenerations.WithLabelValues(outcome).Inc()
	metricTokens.Add(float64(tokens))
	if tokens > 0 {
		metricFirstToken.Observe(firstTok.Seconds())
	}
}

func setStateGauge(s State) {
	for _, st := range States {
		v := 0.0
		if st == s {
			v = 1
		}
		metricState.WithLabelValues(string(st)).Set(v)
	}
}
