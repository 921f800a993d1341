// Package metrics exposes counters for the simulated host agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Provider records agent activity.
type Provider interface {
	IncrementVMOperation(op, outcome string)
	ObserveVMOperationDuration(op string, duration time.Duration)
	IncrementRuleDecision(reason string)
	IncrementRuleRejection(reason string)
	SetConsolePortsInUse(count float64)
}

// NoopProvider implements Provider with no-op operations.
type NoopProvider struct{}

func (NoopProvider) IncrementVMOperation(op, outcome string)                      {}
func (NoopProvider) ObserveVMOperationDuration(op string, duration time.Duration) {}
func (NoopProvider) IncrementRuleDecision(reason string)                          {}
func (NoopProvider) IncrementRuleRejection(reason string)                         {}
func (NoopProvider) SetConsolePortsInUse(count float64)                           {}

// PrometheusProvider implements Provider using Prometheus collectors.
type PrometheusProvider struct {
	vmOperations        *prometheus.CounterVec
	vmOperationDuration *prometheus.HistogramVec
	ruleDecisions       *prometheus.CounterVec
	ruleRejections      *prometheus.CounterVec
	consolePortsInUse   prometheus.Gauge
}

// NewPrometheusProvider creates the collectors and registers them with registry.
func NewPrometheusProvider(registry prometheus.Registerer) *PrometheusProvider {
	p := &PrometheusProvider{
		vmOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simhost_vm_operations_total",
			Help: "VM lifecycle operations by operation and outcome",
		}, []string{"op", "outcome"}),
		vmOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "simhost_vm_operation_duration_seconds",
			Help:    "Duration of VM lifecycle operations",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
		ruleDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simhost_security_rule_decisions_total",
			Help: "Security group rule updates by reconciliation reason",
		}, []string{"reason"}),
		ruleRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simhost_security_rule_rejections_total",
			Help: "Security group rule updates rejected before reconciliation",
		}, []string{"reason"}),
		consolePortsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simhost_console_ports_in_use",
			Help: "Number of allocated console ports",
		}),
	}

	registry.MustRegister(
		p.vmOperations,
		p.vmOperationDuration,
		p.ruleDecisions,
		p.ruleRejections,
		p.consolePortsInUse,
	)
	return p
}

func (p *PrometheusProvider) IncrementVMOperation(op, outcome string) {
	p.vmOperations.WithLabelValues(op, outcome).Inc()
}

func (p *PrometheusProvider) ObserveVMOperationDuration(op string, duration time.Duration) {
	p.vmOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (p *PrometheusProvider) IncrementRuleDecision(reason string) {
	p.ruleDecisions.WithLabelValues(reason).Inc()
}

func (p *PrometheusProvider) IncrementRuleRejection(reason string) {
	p.ruleRejections.WithLabelValues(reason).Inc()
}

func (p *PrometheusProvider) SetConsolePortsInUse(count float64) {
	p.consolePortsInUse.Set(count)
}

var (
	_ Provider = NoopProvider{}
	_ Provider = (*PrometheusProvider)(nil)
)
