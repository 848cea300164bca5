package stats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/pilot-net/fleetsync/pkg/types"
)

// MetricPrefix namespaces exported Prometheus metrics.
const MetricPrefix = "fleetsync_"

var (
	activeAgentsDesc = prometheus.NewDesc(MetricPrefix+"active_agents",
		"Agents currently ready or running.", nil, nil)
	totalAgentsDesc = prometheus.NewDesc(MetricPrefix+"total_agents",
		"Agents contributing to the aggregated metrics.", nil, nil)
)

// Collector exposes the current snapshot as Prometheus metrics. It is an
// unchecked collector: metric names depend on what agents report.
func (a *Aggregator) Collector() prometheus.Collector {
	return collector{a: a}
}

type collector struct {
	a *Aggregator
}

func (c collector) Describe(chan<- *prometheus.Desc) {}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.a.Snapshot()
	ch <- prometheus.MustNewConstMetric(activeAgentsDesc, prometheus.GaugeValue, float64(snap.ActiveAgents))
	ch <- prometheus.MustNewConstMetric(totalAgentsDesc, prometheus.GaugeValue, float64(snap.TotalAgents))

	seen := map[string]bool{
		MetricPrefix + "active_agents": true,
		MetricPrefix + "total_agents":  true,
	}
	for _, name := range snap.MetricNames() {
		promName := PrometheusName(name)
		if seen[promName] {
			continue
		}
		seen[promName] = true

		kind, help := prometheus.CounterValue, "sum across agents"
		if c.a.IsGauge(name) {
			kind, help = prometheus.GaugeValue, "latest reported value"
		}
		desc := prometheus.NewDesc(promName, fmt.Sprintf("Fleet-wide %s (%s).", name, help), nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, kind, snap.Metrics[name])
	}
}

// PrometheusName maps an agent metric name to a valid Prometheus metric name.
func PrometheusName(name string) string {
	var b strings.Builder
	b.WriteString(MetricPrefix)
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// PrometheusText renders the current snapshot in the Prometheus text
// exposition format. Families are sorted by name, so equal snapshots render
// identically.
func (a *Aggregator) PrometheusText() (string, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(a.Collector()); err != nil {
		return "", fmt.Errorf("registering collector: %w", err)
	}
	families, err := reg.Gather()
	if err != nil {
		return "", fmt.Errorf("gathering metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}

// JSON renders the current snapshot. Map keys are sorted by encoding/json.
func (a *Aggregator) JSON() ([]byte, error) {
	return MarshalSnapshot(a.Snapshot())
}

// MarshalSnapshot encodes a snapshot for the API and publishers.
func MarshalSnapshot(s types.AggregatedStats) ([]byte, error) {
	s = s.Clone()
	return json.Marshal(s)
}
