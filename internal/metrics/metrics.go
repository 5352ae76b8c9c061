package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of active calls.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// DispositionCounter returns CDR counts grouped by disposition.
type DispositionCounter interface {
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// RTPStatsProvider returns aggregate RTP transport statistics.
type RTPStatsProvider interface {
	RTPPacketsReceived() uint64
	RTPPacketsSent() uint64
}

// Collector is a prometheus.Collector that gathers voicebridge metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	activeCalls ActiveCallsProvider
	cdrs        DispositionCounter
	rtp         RTPStatsProvider
	startTime   time.Time

	activeCallsDesc  *prometheus.Desc
	callsTotalDesc   *prometheus.Desc
	rtpPacketsRxDesc *prometheus.Desc
	rtpPacketsTxDesc *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(activeCalls ActiveCallsProvider, cdrs DispositionCounter, rtp RTPStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		cdrs:        cdrs,
		rtp:         rtp,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voicebridge_active_calls",
			"Number of currently active calls",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voicebridge_calls_total",
			"Total number of calls processed, by disposition",
			[]string{"disposition"}, nil,
		),
		rtpPacketsRxDesc: prometheus.NewDesc(
			"voicebridge_rtp_packets_received_total",
			"Total RTP packets received from callers",
			nil, nil,
		),
		rtpPacketsTxDesc: prometheus.NewDesc(
			"voicebridge_rtp_packets_sent_total",
			"Total RTP packets sent to callers",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicebridge_uptime_seconds",
			"Seconds since the voicebridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callsTotalDesc
	ch <- c.rtpPacketsRxDesc
	ch <- c.rtpPacketsTxDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.cdrs != nil {
		counts, err := c.cdrs.CountByDisposition(ctx)
		if err != nil {
			slog.Error("metrics: failed to count cdrs by disposition", "error", err)
		} else {
			for _, disposition := range []string{"answered", "completed", "failed"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[disposition]), disposition,
				)
			}
		}
	}

	if c.rtp != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rtpPacketsRxDesc, prometheus.CounterValue,
			float64(c.rtp.RTPPacketsReceived()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpPacketsTxDesc, prometheus.CounterValue,
			float64(c.rtp.RTPPacketsSent()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
