// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fluxmesh"

// Collector exposes fabric and endpoint snapshots as Prometheus metrics.
// Values are read on every scrape.
type Collector struct {
	fabric    Fabric
	endpoints []Endpoint

	messages      *prometheus.Desc
	failed        *prometheus.Desc
	failovers     *prometheus.Desc
	queued        *prometheus.Desc
	pending       *prometheus.Desc
	latency       *prometheus.Desc
	online        *prometheus.Desc
	memberHealthy *prometheus.Desc
	memberActive  *prometheus.Desc

	connections *prometheus.Desc
	routed      *prometheus.Desc
	delivered   *prometheus.Desc
	dropped     *prometheus.Desc
	reaped      *prometheus.Desc
}

// NewCollector creates a collector. f may be nil.
func NewCollector(f Fabric, endpoints []Endpoint) *Collector {
	fq := func(sub, name string) string { return prometheus.BuildFQName(namespace, sub, name) }
	return &Collector{
		fabric:    f,
		endpoints: endpoints,

		messages:      prometheus.NewDesc(fq("fabric", "messages_total"), "Messages sent by the fabric.", []string{"priority"}, nil),
		failed:        prometheus.NewDesc(fq("fabric", "messages_failed_total"), "Messages the fabric could not send.", nil, nil),
		failovers:     prometheus.NewDesc(fq("fabric", "failovers_total"), "Active endpoint switches.", nil, nil),
		queued:        prometheus.NewDesc(fq("fabric", "queued_messages"), "Messages waiting in the dispatch queue.", []string{"priority"}, nil),
		pending:       prometheus.NewDesc(fq("fabric", "pending_responses"), "Requests awaiting a response.", nil, nil),
		latency:       prometheus.NewDesc(fq("fabric", "average_latency_seconds"), "Moving average of link and response latency.", nil, nil),
		online:        prometheus.NewDesc(fq("fabric", "online_participants"), "Participants currently online.", nil, nil),
		memberHealthy: prometheus.NewDesc(fq("topology", "member_healthy"), "Whether a topology member is healthy.", []string{"member"}, nil),
		memberActive:  prometheus.NewDesc(fq("topology", "member_active"), "Whether a topology member carries traffic.", []string{"member"}, nil),

		connections: prometheus.NewDesc(fq("endpoint", "connections"), "Open connections.", []string{"endpoint"}, nil),
		routed:      prometheus.NewDesc(fq("endpoint", "routed_total"), "Messages routed.", []string{"endpoint"}, nil),
		delivered:   prometheus.NewDesc(fq("endpoint", "delivered_total"), "Envelopes delivered to connections.", []string{"endpoint"}, nil),
		dropped:     prometheus.NewDesc(fq("endpoint", "dropped_total"), "Envelopes dropped.", []string{"endpoint"}, nil),
		reaped:      prometheus.NewDesc(fq("endpoint", "reaped_total"), "Idle connections reaped.", []string{"endpoint"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.messages, c.failed, c.failovers, c.queued, c.pending, c.latency, c.online,
		c.memberHealthy, c.memberActive,
		c.connections, c.routed, c.delivered, c.dropped, c.reaped,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.fabric != nil {
		st := c.fabric.GetStats()
		other := st.TotalMessages - st.CriticalMessages - st.HighPriorityMessages
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(st.CriticalMessages), "critical")
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(st.HighPriorityMessages), "high")
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(other), "standard")
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(st.FailedMessages))
		ch <- prometheus.MustNewConstMetric(c.failovers, prometheus.CounterValue, float64(st.Failovers))
		for p, n := range st.QueuedByPriority {
			ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(n), p)
		}
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(st.PendingResponses))
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, st.AverageLatency.Seconds())
		ch <- prometheus.MustNewConstMetric(c.online, prometheus.GaugeValue, float64(st.OnlineParticipants))
		for _, m := range st.Endpoints {
			ch <- prometheus.MustNewConstMetric(c.memberHealthy, prometheus.GaugeValue, boolValue(m.Healthy), m.Name)
			ch <- prometheus.MustNewConstMetric(c.memberActive, prometheus.GaugeValue, boolValue(m.Active), m.Name)
		}
	}

	for _, e := range c.endpoints {
		st := e.Stats()
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(st.Connections), st.Name)
		ch <- prometheus.MustNewConstMetric(c.routed, prometheus.CounterValue, float64(st.Routed), st.Name)
		ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(st.Delivered), st.Name)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.Dropped), st.Name)
		ch <- prometheus.MustNewConstMetric(c.reaped, prometheus.CounterValue, float64(st.Reaped), st.Name)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
