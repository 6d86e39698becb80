// Package promexport exposes a collection of circuit breakers as a single
// prometheus.Collector, generalizing the constant-metric collector pattern
// from the teacher's examples/prometheus to a whole ShardGroup or Factory:
// every series is labeled by service and shard id instead of a single
// breaker name.
package promexport

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/1mb-dev/distbreaker/internal/breaker"
)

// Source is the minimal view a collector needs of one breaker instance.
type Source struct {
	Service string
	ShardID int
	Breaker *breaker.Breaker
}

// Collector is a prometheus.Collector over an arbitrary set of breakers,
// re-queried on every Collect call (as prometheus.Collector requires)
// rather than cached, so a scrape always reflects the latest Stats/metrics.
type Collector struct {
	sources func() []Source

	stateDesc          *prometheus.Desc
	failureCountDesc   *prometheus.Desc
	totalRequestsDesc  *prometheus.Desc
	successfulReqsDesc *prometheus.Desc
	failedReqsDesc     *prometheus.Desc
	currentLoadDesc    *prometheus.Desc
	avgResponseDesc    *prometheus.Desc
	requestRateDesc    *prometheus.Desc
	errorRateDesc      *prometheus.Desc
}

// New returns a Collector that calls sources() on every Collect to discover
// the current set of breakers to report. sources must be safe to call
// concurrently with registration/scraping.
func New(sources func() []Source) *Collector {
	labels := []string{"service", "shard_id"}
	return &Collector{
		sources: sources,
		stateDesc: prometheus.NewDesc(
			"circuit_breaker_state",
			"Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			labels, nil,
		),
		failureCountDesc: prometheus.NewDesc(
			"circuit_breaker_failure_count",
			"Consecutive failures counted toward the trip threshold",
			labels, nil,
		),
		totalRequestsDesc: prometheus.NewDesc(
			"circuit_breaker_requests_total",
			"Total number of requests observed for this service key",
			labels, nil,
		),
		successfulReqsDesc: prometheus.NewDesc(
			"circuit_breaker_successful_requests_total",
			"Total number of successful requests",
			labels, nil,
		),
		failedReqsDesc: prometheus.NewDesc(
			"circuit_breaker_failed_requests_total",
			"Total number of failed requests",
			labels, nil,
		),
		currentLoadDesc: prometheus.NewDesc(
			"circuit_breaker_current_load",
			"Number of in-flight calls on this breaker instance",
			labels, nil,
		),
		avgResponseDesc: prometheus.NewDesc(
			"circuit_breaker_average_response_time_seconds",
			"Rolling average response time over the last 100 samples",
			labels, nil,
		),
		requestRateDesc: prometheus.NewDesc(
			"circuit_breaker_request_rate",
			"Requests per second over the trailing 5s window",
			labels, nil,
		),
		errorRateDesc: prometheus.NewDesc(
			"circuit_breaker_error_rate",
			"Errors per second over the trailing 5s window",
			labels, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.failureCountDesc
	ch <- c.totalRequestsDesc
	ch <- c.successfulReqsDesc
	ch <- c.failedReqsDesc
	ch <- c.currentLoadDesc
	ch <- c.avgResponseDesc
	ch <- c.requestRateDesc
	ch <- c.errorRateDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources() {
		shardLabel := strconv.Itoa(src.ShardID)

		stats, err := src.Breaker.GetStats(context.Background())
		if err == nil && stats != nil {
			ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, float64(stats.State), src.Service, shardLabel)
			ch <- prometheus.MustNewConstMetric(c.failureCountDesc, prometheus.GaugeValue, float64(stats.FailureCount), src.Service, shardLabel)
			ch <- prometheus.MustNewConstMetric(c.totalRequestsDesc, prometheus.CounterValue, float64(stats.TotalRequests), src.Service, shardLabel)
			ch <- prometheus.MustNewConstMetric(c.successfulReqsDesc, prometheus.CounterValue, float64(stats.SuccessfulRequests), src.Service, shardLabel)
			ch <- prometheus.MustNewConstMetric(c.failedReqsDesc, prometheus.CounterValue, float64(stats.FailedRequests), src.Service, shardLabel)
		}

		metrics := src.Breaker.GetMetrics()
		ch <- prometheus.MustNewConstMetric(c.currentLoadDesc, prometheus.GaugeValue, float64(metrics.CurrentLoad), src.Service, shardLabel)
		ch <- prometheus.MustNewConstMetric(c.avgResponseDesc, prometheus.GaugeValue, metrics.AverageResponseTime.Seconds(), src.Service, shardLabel)
		ch <- prometheus.MustNewConstMetric(c.requestRateDesc, prometheus.GaugeValue, metrics.RequestRate, src.Service, shardLabel)
		ch <- prometheus.MustNewConstMetric(c.errorRateDesc, prometheus.GaugeValue, metrics.ErrorRate, src.Service, shardLabel)
	}
}
