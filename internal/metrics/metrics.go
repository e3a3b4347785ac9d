// ============================================================================
// Faucet Claim Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 claim 流程的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. Claim 計數器 (Counter)：
//      - faucet_claims_started_total: 開始的 claim 數
//      - faucet_claims_done_total: 成功領取的 claim 數
//      - faucet_claims_failed_total{stage}: 失敗的 claim 數（negotiate / mine / dispense / validate / protocol）
//      - faucet_claims_stopped_total: 被停止的 claim 數
//      - faucet_hashes_tried_total: 挖掘時嘗試的 nonce 總數
//
//   2. 性能指標 (Histogram)：
//      - faucet_mining_duration_seconds: 單次挖掘耗時
//      - faucet_request_duration_seconds{op}: 對 faucet 服務的請求延遲（session / dispense）
//
//   3. 狀態指標 (Gauge)：
//      - faucet_claim_state{state}: 當前 coordinator 狀態（目前狀態為 1，其餘為 0）
//
// Prometheus 查詢示例:
//
//   # 平均挖掘算力 (hashes/s)
//   rate(faucet_hashes_tried_total[5m])
//
//   # 95 分位挖掘時間
//   histogram_quantile(0.95, faucet_mining_duration_seconds_bucket)
//
//   # 協商失敗率
//   rate(faucet_claims_failed_total{stage="negotiate"}[5m]) / rate(faucet_claims_started_total[5m])
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口: 9090
//
// 使用注意:
//   - 所有 Record 方法在 nil *Collector 上為 no-op，未啟用監控時可直接傳 nil
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/faucet-claim/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 失敗階段標籤
const (
	StageValidate  = "validate"
	StageNegotiate = "negotiate"
	StageMine      = "mine"
	StageDispense  = "dispense"
	StageProtocol  = "protocol"
)

// 請求類型標籤
const (
	OpSession  = "session"
	OpDispense = "dispense"
)

var allStates = []types.ClaimState{
	types.StateIdle,
	types.StateNegotiating,
	types.StateMining,
	types.StateSubmitting,
	types.StateDone,
	types.StateStopped,
	types.StateError,
}

// Collector Prometheus 指標收集器
type Collector struct {
	// claim 相關指標
	claimsStarted prometheus.Counter
	claimsDone    prometheus.Counter
	claimsFailed  *prometheus.CounterVec
	claimsStopped prometheus.Counter
	hashesTried   prometheus.Counter

	// 效能指標
	miningDuration  prometheus.Histogram
	requestDuration *prometheus.HistogramVec

	// 狀態指標
	state *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// 參數：
//   - reg: 註冊目標，nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		claimsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faucet_claims_started_total",
			Help: "Total number of claims started",
		}),
		claimsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faucet_claims_done_total",
			Help: "Total number of claims that dispensed tokens",
		}),
		claimsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faucet_claims_failed_total",
			Help: "Total number of claims that ended in error, by stage",
		}, []string{"stage"}),
		claimsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faucet_claims_stopped_total",
			Help: "Total number of claims stopped during mining",
		}),
		hashesTried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faucet_hashes_tried_total",
			Help: "Total number of nonces hashed by successful mining runs",
		}),
		miningDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "faucet_mining_duration_seconds",
			Help:    "Wall time of a mining run",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "faucet_request_duration_seconds",
			Help:    "Latency of faucet service requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "faucet_claim_state",
			Help: "Current claim coordinator state (1 for the active state)",
		}, []string{"state"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.claimsStarted,
		c.claimsDone,
		c.claimsFailed,
		c.claimsStopped,
		c.hashesTried,
		c.miningDuration,
		c.requestDuration,
		c.state,
	)

	c.SetState(types.StateIdle)
	return c
}

// RecordStarted 記錄 claim 開始
func (c *Collector) RecordStarted() {
	if c == nil {
		return
	}
	c.claimsStarted.Inc()
}

// RecordDone 記錄 claim 成功
func (c *Collector) RecordDone() {
	if c == nil {
		return
	}
	c.claimsDone.Inc()
}

// RecordFailed 記錄 claim 在某階段失敗
func (c *Collector) RecordFailed(stage string) {
	if c == nil {
		return
	}
	c.claimsFailed.WithLabelValues(stage).Inc()
}

// RecordStopped 記錄 claim 被停止
func (c *Collector) RecordStopped() {
	if c == nil {
		return
	}
	c.claimsStopped.Inc()
}

// RecordMined 記錄一次成功的挖掘
// attempts 為嘗試過的 nonce 數（nonce + 1）
func (c *Collector) RecordMined(attempts uint64, d time.Duration) {
	if c == nil {
		return
	}
	c.hashesTried.Add(float64(attempts))
	c.miningDuration.Observe(d.Seconds())
}

// ObserveRequest 記錄一次 faucet 請求的延遲
func (c *Collector) ObserveRequest(op string, d time.Duration) {
	if c == nil {
		return
	}
	c.requestDuration.WithLabelValues(op).Observe(d.Seconds())
}

// SetState 更新當前狀態
func (c *Collector) SetState(s types.ClaimState) {
	if c == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		c.state.WithLabelValues(string(st)).Set(v)
	}
}

// RegisterFeedGauges 註冊事件串流的即時 gauge，數值在每次抓取時由回呼取得
//   - faucet_feed_clients: 目前的 WebSocket 連線數
//   - faucet_bus_subscribers{topic}: 每個 topic 的訂閱者數
func RegisterFeedGauges(reg prometheus.Registerer, clients func() int64, topics []string, subscribers func(topic string) int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "faucet_feed_clients",
		Help: "Number of connected event feed clients",
	}, func() float64 { return float64(clients()) }))

	for _, topic := range topics {
		topic := topic
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "faucet_bus_subscribers",
			Help:        "Number of event bus subscribers per topic",
			ConstLabels: prometheus.Labels{"topic": topic},
		}, func() float64 { return float64(subscribers(topic)) }))
	}
}

// Handler 回傳 gatherer 的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源，nil 時使用 prometheus.DefaultGatherer
//   - extra: 額外掛載的路徑（例如事件串流）
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int, g prometheus.Gatherer, extra map[string]http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	for path, h := range extra {
		mux.Handle(path, h)
	}
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
