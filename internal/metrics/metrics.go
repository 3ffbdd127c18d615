// Package metrics exposes relay statistics as Prometheus metrics. All
// values are gathered at scrape time from provider interfaces, so the hot
// relay path never touches a prometheus object.
package metrics

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BrokerStatsProvider exposes live broker state and relay counters.
type BrokerStatsProvider interface {
	DeviceCount() int
	ActiveCallCount() int
	FramesRelayed() uint64
	FramesDropped() uint64
	BytesRelayed() uint64
	ConnectionsTotal() uint64
	CallsTotal() uint64
}

// BridgeStatsProvider exposes the number of live browser bridge sessions.
type BridgeStatsProvider interface {
	Count() int
}

// HistoryCounter returns the total number of recorded calls.
type HistoryCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Collector is a prometheus.Collector that gathers talkwire metrics at scrape time.
type Collector struct {
	broker    BrokerStatsProvider
	bridge    BridgeStatsProvider
	history   HistoryCounter
	startTime time.Time

	// Metric descriptors.
	devicesDesc       *prometheus.Desc
	activeCallsDesc   *prometheus.Desc
	framesRelayedDesc *prometheus.Desc
	framesDroppedDesc *prometheus.Desc
	bytesRelayedDesc  *prometheus.Desc
	connectionsDesc   *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	bridgeDesc        *prometheus.Desc
	historyDesc       *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(broker BrokerStatsProvider, bridge BridgeStatsProvider, history HistoryCounter, startTime time.Time) *Collector {
	// A nil concrete pointer wrapped in a provider interface survives the
	// != nil checks in Collect and panics at scrape time, outside any HTTP
	// recovery middleware. Normalise typed nils here.
	if isNilProvider(broker) {
		broker = nil
	}
	if isNilProvider(bridge) {
		bridge = nil
	}
	if isNilProvider(history) {
		history = nil
	}
	return &Collector{
		broker:    broker,
		bridge:    bridge,
		history:   history,
		startTime: startTime,

		devicesDesc: prometheus.NewDesc(
			"talkwire_registered_devices",
			"Number of currently registered intercom devices",
			nil, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"talkwire_active_calls",
			"Number of currently active calls (ringing + in-call)",
			nil, nil,
		),
		framesRelayedDesc: prometheus.NewDesc(
			"talkwire_audio_frames_relayed_total",
			"Total audio frames enqueued for delivery to call peers",
			nil, nil,
		),
		framesDroppedDesc: prometheus.NewDesc(
			"talkwire_audio_frames_dropped_total",
			"Total audio frames discarded because a peer queue was full",
			nil, nil,
		),
		bytesRelayedDesc: prometheus.NewDesc(
			"talkwire_audio_bytes_relayed_total",
			"Total audio payload bytes enqueued for delivery to call peers",
			nil, nil,
		),
		connectionsDesc: prometheus.NewDesc(
			"talkwire_connections_total",
			"Total TCP connections accepted by the broker",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"talkwire_calls_total",
			"Total calls created since the process started",
			nil, nil,
		),
		bridgeDesc: prometheus.NewDesc(
			"talkwire_bridge_sessions_active",
			"Number of active point-to-point bridge sessions",
			nil, nil,
		),
		historyDesc: prometheus.NewDesc(
			"talkwire_call_history_records",
			"Total call history records in the database",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"talkwire_uptime_seconds",
			"Seconds since the talkwire process started",
			nil, nil,
		),
	}
}

// isNilProvider reports whether v is nil or an interface holding a nil pointer.
func isNilProvider(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.devicesDesc
	ch <- c.activeCallsDesc
	ch <- c.framesRelayedDesc
	ch <- c.framesDroppedDesc
	ch <- c.bytesRelayedDesc
	ch <- c.connectionsDesc
	ch <- c.callsTotalDesc
	ch <- c.bridgeDesc
	ch <- c.historyDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.broker != nil {
		ch <- prometheus.MustNewConstMetric(
			c.devicesDesc, prometheus.GaugeValue,
			float64(c.broker.DeviceCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.broker.ActiveCallCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesRelayedDesc, prometheus.CounterValue,
			float64(c.broker.FramesRelayed()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesDroppedDesc, prometheus.CounterValue,
			float64(c.broker.FramesDropped()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.bytesRelayedDesc, prometheus.CounterValue,
			float64(c.broker.BytesRelayed()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.connectionsDesc, prometheus.CounterValue,
			float64(c.broker.ConnectionsTotal()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callsTotalDesc, prometheus.CounterValue,
			float64(c.broker.CallsTotal()),
		)
	}

	if c.bridge != nil {
		ch <- prometheus.MustNewConstMetric(
			c.bridgeDesc, prometheus.GaugeValue,
			float64(c.bridge.Count()),
		)
	}

	if c.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		count, err := c.history.Count(ctx)
		cancel()
		if err != nil {
			slog.Error("metrics: failed to count call history", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.historyDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
