package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type engineMetrics struct {
	operations       prometheus.CounterVec
	executionLatency prometheus.Histogram
	successRate      prometheus.Gauge
	totalVolume      prometheus.Counter
	activeOps        prometheus.Gauge
	successCount     prometheus.Counter
	totalCount       prometheus.Counter
}

func newEngineMetrics() *engineMetrics {
	m := &engineMetrics{}
	m.operations = *prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "levbot_operations_total",
		Help: "Number of open/unwind operations by kind and outcome",
	}, []string{"kind", "outcome"})

	m.executionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "levbot_operation_latency_seconds",
		Help:    "Latency of open/unwind operations",
		Buckets: prometheus.DefBuckets,
	})

	m.successRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "levbot_operation_success_rate",
		Help: "Success rate of open/unwind operations",
	})

	m.totalVolume = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "levbot_flash_loan_volume",
		Help: "Total flash loan volume drawn across operations",
	})

	m.activeOps = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "levbot_active_operations",
		Help: "Number of currently executing operations",
	})

	m.successCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "levbot_operation_success_count",
		Help: "Number of successful operations",
	})

	m.totalCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "levbot_operation_total_count",
		Help: "Total number of operations",
	})

	return m
}

func (m *engineMetrics) record(kind string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.operations.WithLabelValues(kind, outcome).Inc()
	m.totalCount.Inc()
	if err == nil {
		m.successCount.Inc()
	}
	m.updateSuccessRate()
}

func (m *engineMetrics) updateSuccessRate() {
	var successCount, totalCount float64

	ch := make(chan prometheus.Metric, 1)
	m.successCount.Collect(ch)
	if metric := <-ch; metric != nil {
		out := &dto.Metric{}
		if err := metric.Write(out); err == nil && out.Counter != nil {
			successCount = *out.Counter.Value
		}
	}

	m.totalCount.Collect(ch)
	if metric := <-ch; metric != nil {
		out := &dto.Metric{}
		if err := metric.Write(out); err == nil && out.Counter != nil {
			totalCount = *out.Counter.Value
		}
	}

	if totalCount > 0 {
		m.successRate.Set(successCount / totalCount)
	}
}
