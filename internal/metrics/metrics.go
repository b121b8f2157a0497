// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、ワーカー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordTransition(from, to string)
	RecordHistoryAppended(action string, count int)
	RecordNotificationCreated(notificationType string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordChangefeedReconnect(channel string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	transitions     *prometheus.CounterVec
	historyAppended *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	requestLatency  prometheus.Histogram
	feedReconnects  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskboard_task_transitions_total",
			Help: "タスク状態遷移の合計数",
		}, []string{"from", "to"}),
		historyAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskboard_history_entries_total",
			Help: "追記された履歴エントリの合計数",
		}, []string{"action"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskboard_notifications_created_total",
			Help: "作成された通知の合計数",
		}, []string{"type"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskboard_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskboard_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		feedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskboard_changefeed_reconnects_total",
			Help: "変更フィード購読の再接続回数",
		}, []string{"channel"}),
	}

	reg.MustRegister(
		c.transitions,
		c.historyAppended,
		c.notifications,
		c.httpStatus,
		c.requestLatency,
		c.feedReconnects,
	)

	return c
}

// RecordTransition は状態遷移を記録する。
func (c *Collector) RecordTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
}

// RecordHistoryAppended は追記された履歴エントリ数を記録する。
func (c *Collector) RecordHistoryAppended(action string, count int) {
	c.historyAppended.WithLabelValues(action).Add(float64(count))
}

// RecordNotificationCreated は通知の作成を記録する。
func (c *Collector) RecordNotificationCreated(notificationType string) {
	c.notifications.WithLabelValues(notificationType).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordChangefeedReconnect は変更フィードの再接続を記録する。
func (c *Collector) RecordChangefeedReconnect(channel string) {
	c.feedReconnects.WithLabelValues(channel).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordTransition(string, string)    {}
func (Nop) RecordHistoryAppended(string, int)  {}
func (Nop) RecordNotificationCreated(string)   {}
func (Nop) RecordHTTPStatus(int)               {}
func (Nop) RecordRequestLatency(time.Duration) {}
func (Nop) RecordChangefeedReconnect(string)   {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 一部のメトリクス収集に失敗しても残りは返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// SetupMetricsRoute はワーカー用の監視サーバーのハンドラーを返す。
// /metrics でスクレイプに応じ、/health で稼働確認に200を返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
