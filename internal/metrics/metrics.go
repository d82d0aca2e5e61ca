// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordSyncSuccess(sourceID string)
	RecordSyncBozo(sourceID string)
	RecordSyncFailure(sourceID string)
	RecordSyncLatency(duration time.Duration)
	RecordEntriesAdded(count int)
	RecordOPMLImport(feeds, sourcesCreated int)
	RecordLogin(success bool)
}

// ソース同期の結果ラベル。
const (
	SyncResultOK     = "ok"
	SyncResultBozo   = "bozo"
	SyncResultFailed = "failed"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncs        *prometheus.CounterVec
	syncLatency  prometheus.Histogram
	entriesAdded prometheus.Counter
	opml         *prometheus.CounterVec
	logins       *prometheus.CounterVec
}

// NewCollector はメトリクスを生成してregに登録する。
// 結果ラベルはゼロ値のまま事前に作成し、スクレイプ直後から系列が見えるようにする。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "source_syncs_total",
			Help:      "結果別のソース同期数（ok: 成功, bozo: 取得またはパース失敗, failed: 保存失敗）",
		}, []string{"result"}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "feedsync",
			Name:      "sync_latency_seconds",
			Help:      "ソース1件の同期レイテンシ（秒）",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		entriesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "entries_added_total",
			Help:      "新規に保存された記事の合計数",
		}),
		opml: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "opml_items_total",
			Help:      "OPML取り込みの件数（kind: imports, feeds, sources_created）",
		}, []string{"kind"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "logins_total",
			Help:      "結果別のログイン試行数",
		}, []string{"result"}),
	}

	for _, r := range []string{SyncResultOK, SyncResultBozo, SyncResultFailed} {
		c.syncs.WithLabelValues(r)
	}
	for _, k := range []string{"imports", "feeds", "sources_created"} {
		c.opml.WithLabelValues(k)
	}
	c.logins.WithLabelValues("success")
	c.logins.WithLabelValues("failure")

	reg.MustRegister(c.syncs, c.syncLatency, c.entriesAdded, c.opml, c.logins)
	return c
}

func (c *Collector) RecordSyncSuccess(string) { c.syncs.WithLabelValues(SyncResultOK).Inc() }
func (c *Collector) RecordSyncBozo(string)    { c.syncs.WithLabelValues(SyncResultBozo).Inc() }
func (c *Collector) RecordSyncFailure(string) { c.syncs.WithLabelValues(SyncResultFailed).Inc() }

// RecordSyncLatency はソース1件の同期にかかった時間を記録する。
func (c *Collector) RecordSyncLatency(d time.Duration) {
	c.syncLatency.Observe(d.Seconds())
}

func (c *Collector) RecordEntriesAdded(count int) {
	c.entriesAdded.Add(float64(count))
}

// RecordOPMLImport はOPML取り込み1回分の結果を記録する。
func (c *Collector) RecordOPMLImport(feeds, sourcesCreated int) {
	c.opml.WithLabelValues("imports").Inc()
	c.opml.WithLabelValues("feeds").Add(float64(feeds))
	c.opml.WithLabelValues("sources_created").Add(float64(sourcesCreated))
}

func (c *Collector) RecordLogin(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.logins.WithLabelValues(result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。CLIの単発実行やテストで使用する。
type Nop struct{}

func (Nop) RecordSyncSuccess(string) {}
func (Nop) RecordSyncBozo(string) {}
func (Nop) RecordSyncFailure(string) {}
func (Nop) RecordSyncLatency(time.Duration) {}
func (Nop) RecordEntriesAdded(int) {}
func (Nop) RecordOPMLImport(int, int) {}
func (Nop) RecordLogin(bool) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
