// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン方式
const (
	MethodLocal     = "local"
	MethodFederated = "federated"
)

// ログイン結果
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultError   = "error"
)

// Recorder はメトリクス収集のインターフェース。
// 認証サービスやミドルウェアから利用する。
type Recorder interface {
	RecordLogin(method, result string)
	RecordCSRFRejection()
	RecordRateLimited(limiter string)
	RecordOriginRejection()
	RecordFederatedEmployeeCreated()
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins           *prometheus.CounterVec
	csrfRejections   prometheus.Counter
	rateLimited      *prometheus.CounterVec
	originRejections prometheus.Counter
	federatedCreated prometheus.Counter
	httpStatus       *prometheus.CounterVec
	requestLatency   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evergreen_login_total",
			Help: "ログイン試行の合計数（方式・結果別）",
		}, []string{"method", "result"}),
		csrfRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evergreen_csrf_rejections_total",
			Help: "CSRFトークン検証で拒否したリクエスト数",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evergreen_rate_limited_total",
			Help: "レート制限で拒否したリクエスト数",
		}, []string{"limiter"}),
		originRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evergreen_origin_rejections_total",
			Help: "許可リスト外オリジンとして拒否したリクエスト数",
		}),
		federatedCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evergreen_federated_employees_created_total",
			Help: "Googleログインで自動作成された従業員数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evergreen_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evergreen_request_latency_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.logins,
		c.csrfRejections,
		c.rateLimited,
		c.originRejections,
		c.federatedCreated,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordLogin はログイン試行を記録する。
func (c *Collector) RecordLogin(method, result string) {
	c.logins.WithLabelValues(method, result).Inc()
}

// RecordCSRFRejection はCSRF拒否を記録する。
func (c *Collector) RecordCSRFRejection() {
	c.csrfRejections.Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(limiter string) {
	c.rateLimited.WithLabelValues(limiter).Inc()
}

// RecordOriginRejection はオリジン拒否を記録する。
func (c *Collector) RecordOriginRejection() {
	c.originRejections.Inc()
}

// RecordFederatedEmployeeCreated はフェデレーションによる従業員作成を記録する。
func (c *Collector) RecordFederatedEmployeeCreated() {
	c.federatedCreated.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないRecorder。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordLogin(string, string)         {}
func (Nop) RecordCSRFRejection()               {}
func (Nop) RecordRateLimited(string)           {}
func (Nop) RecordOriginRejection()             {}
func (Nop) RecordFederatedEmployeeCreated()    {}
func (Nop) RecordHTTPStatus(int)               {}
func (Nop) RecordRequestLatency(time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
