package metrics

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes counters and histograms for the analysis pipeline and chat.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runsTotal          *prometheus.CounterVec
	promptsTotal       *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	storeFailuresTotal *prometheus.CounterVec
	chatTotal          *prometheus.CounterVec
	runDuration        prometheus.Histogram
}

// New registers pipeline metrics on reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "policy",
			Subsystem: "analysis",
			Name:      "runs_total",
			Help:      "Analysis runs by lifecycle status",
		}, []string{"status"}),
		promptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "policy",
			Subsystem: "analysis",
			Name:      "prompts_total",
			Help:      "Named prompt outcomes",
		}, []string{"prompt", "status"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "policy",
			Subsystem: "analysis",
			Name:      "retries_total",
			Help:      "Retried operations by target",
		}, []string{"target"}),
		storeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "policy",
			Subsystem: "statestore",
			Name:      "write_failures_total",
			Help:      "State store writes that failed after retries",
		}, []string{"document"}),
		chatTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "policy",
			Subsystem: "chat",
			Name:      "questions_total",
			Help:      "Follow-up questions by outcome",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "policy",
			Subsystem: "analysis",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a full analysis run",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300, 600},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.runsTotal, m.promptsTotal, m.retriesTotal, m.storeFailuresTotal, m.chatTotal, m.runDuration)
	return m
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues("started").Inc()
}

func (m *Metrics) RunCompleted(seconds float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues("completed").Inc()
	m.runDuration.Observe(clamp(seconds))
}

func (m *Metrics) RunFailed(seconds float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues("failed").Inc()
	m.runDuration.Observe(clamp(seconds))
}

func (m *Metrics) PromptOutcome(prompt, status string) {
	if m == nil {
		return
	}
	m.promptsTotal.WithLabelValues(prompt, status).Inc()
}

func (m *Metrics) Retry(target string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(target).Inc()
}

func (m *Metrics) StoreWriteFailed(document string) {
	if m == nil {
		return
	}
	m.storeFailuresTotal.WithLabelValues(document).Inc()
}

func (m *Metrics) ChatQuestion(status string) {
	if m == nil {
		return
	}
	m.chatTotal.WithLabelValues(status).Inc()
}

// Handler exposes metrics gathered from g in Prometheus text format.
func Handler(g prometheus.Gatherer) gin.HandlerFunc {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Status(http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
