// Package metrics collects Prometheus counters for authentication flows.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector registers and records authentication metrics. A nil Collector
// is a no-op so callers can run without a registry.
type Collector struct {
	signInAttempts    *prometheus.CounterVec
	tokenRefreshes    *prometheus.CounterVec
	rateLimitRejected *prometheus.CounterVec
	secondFactor      *prometheus.CounterVec
	webhooks          *prometheus.CounterVec
}

// NewCollector creates a collector and registers its metrics.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signInAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_signin_attempts_total",
			Help: "Sign-in attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_token_refreshes_total",
			Help: "Refresh-token rotations by outcome.",
		}, []string{"outcome"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_rate_limit_rejections_total",
			Help: "Requests refused by the fixed-window rate limiter.",
		}, []string{"scope"}),
		secondFactor: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_second_factor_verifications_total",
			Help: "Second-factor verification attempts by outcome.",
		}, []string{"outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_webhook_events_total",
			Help: "Provider webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}

	reg.MustRegister(
		c.signInAttempts,
		c.tokenRefreshes,
		c.rateLimitRejected,
		c.secondFactor,
		c.webhooks,
	)
	return c
}

// RecordSignIn counts one sign-in attempt.
func (c *Collector) RecordSignIn(provider, outcome string) {
	if c == nil {
		return
	}
	c.signInAttempts.WithLabelValues(provider, outcome).Inc()
}

// RecordTokenRefresh counts one refresh rotation.
func (c *Collector) RecordTokenRefresh(outcome string) {
	if c == nil {
		return
	}
	c.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// RecordRateLimitRejection counts one limiter refusal.
func (c *Collector) RecordRateLimitRejection(scope string) {
	if c == nil {
		return
	}
	c.rateLimitRejected.WithLabelValues(scope).Inc()
}

// RecordSecondFactor counts one second-factor verification attempt.
func (c *Collector) RecordSecondFactor(outcome string) {
	if c == nil {
		return
	}
	c.secondFactor.WithLabelValues(outcome).Inc()
}

// RecordWebhook counts one webhook delivery.
func (c *Collector) RecordWebhook(provider, outcome string) {
	if c == nil {
		return
	}
	c.webhooks.WithLabelValues(provider, outcome).Inc()
}

// Handler returns the Prometheus scrape handler for the gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
