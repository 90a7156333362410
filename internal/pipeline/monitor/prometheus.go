package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	// StreamConnectionState 流连接状态 (0=closed, 1=connecting, 2=open, 3=reconnecting)
	StreamConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_connection_state",
			Help: "Current state of the streaming connection (0=closed, 1=connecting, 2=open, 3=reconnecting).",
		},
	)
	StreamReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_reconnect_attempts_total",
			Help: "Total number of reconnection attempts.",
		},
	)
	StreamFramesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_frames_received_total",
			Help: "Total number of raw frames received on the streaming connection.",
		},
	)
	StreamFramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_frames_dropped_total",
			Help: "Total number of inbound frames dropped before dispatch.",
		},
		[]string{"reason"},
	)

	// DispatcherEnvelopesDelivered 分发器指标
	DispatcherEnvelopesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_envelopes_delivered_total",
			Help: "Total number of envelopes delivered to subscribers, by topic.",
		},
		[]string{"topic"},
	)
	DispatcherSubscriberPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_subscriber_panics_total",
			Help: "Total number of subscriber callbacks that panicked during dispatch.",
		},
	)

	// SnapshotFetches 快照拉取指标
	SnapshotFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_fetches_total",
			Help: "Total number of snapshot fetches, by outcome (applied, stale, error).",
		},
		[]string{"outcome"},
	)

	// FeedItemsEvicted 有界存储指标
	FeedItemsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_items_evicted_total",
			Help: "Total number of feed items evicted at the store cap.",
		},
	)

	// NoticesEmitted 通知指标
	NoticesEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_notices_emitted_total",
			Help: "Total number of notices shown to the user.",
		},
	)
	NoticesSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_notices_suppressed_total",
			Help: "Total number of notices suppressed by the cooldown window.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		// 连接指标
		StreamConnectionState,
		StreamReconnectAttempts,
		StreamFramesReceived,
		StreamFramesDropped,

		// 分发指标
		DispatcherEnvelopesDelivered,
		DispatcherSubscriberPanics,

		// 快照与存储指标
		SnapshotFetches,
		FeedItemsEvicted,

		// 通知指标
		NoticesEmitted,
		NoticesSuppressed,
	)
}
