// Package metrics は Prometheus 用のコレクタと公開用ハンドラーを提供します。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "audioforge"

var registry = prometheus.NewRegistry()

var (
	// UploadSessionsActive は進行中のチャンクアップロード数です。
	UploadSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "sessions_active",
		Help:      "Number of in-flight chunked upload sessions",
	})

	// UploadChunksReceived は受信したチャンク数です。
	UploadChunksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "chunks_received_total",
		Help:      "Total number of chunks written",
	})

	// UploadBytes は保存が確定したバイト数です。
	UploadBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "bytes_total",
		Help:      "Bytes of finalized uploads",
	}, []string{"kind"}) // kind: "chunked", "simple"

	// JobsStarted は受け付けたジョブ数です。
	JobsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "started_total",
		Help:      "Total number of accepted processing jobs",
	})

	// JobsFinished は終了したジョブ数です。
	JobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Total number of jobs reaching a terminal state",
	}, []string{"status"}) // status: "complete", "error"

	// JobDuration は変換処理の所要時間です。
	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Wall time of the external tool per job",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	// SubscribersActive は購読中のクライアント数です。
	SubscribersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "subscribers_active",
		Help:      "Number of live job event subscribers",
	})

	// EventsDropped は配信できなかったイベント数です。
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber buffer was full",
	})

	// CleanupRemoved は掃除で削除した件数です。
	CleanupRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cleanup",
		Name:      "removed_total",
		Help:      "Entries removed by the sweeper",
	}, []string{"target"}) // target: "uploads", "output", "jobs", "sessions"

	// CleanupErrors は掃除中に発生したエラー数です。
	CleanupErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cleanup",
		Name:      "errors_total",
		Help:      "Entries the sweeper failed to remove",
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		UploadSessionsActive,
		UploadChunksReceived,
		UploadBytes,
		JobsStarted,
		JobsFinished,
		JobDuration,
		SubscribersActive,
		EventsDropped,
		CleanupRemoved,
		CleanupErrors,
	)
}

// Registry はアプリケーション専用のレジストリを返します。
func Registry() *prometheus.Registry {
	return registry
}

// Handler は /metrics 用のハンドラーを返します。
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
