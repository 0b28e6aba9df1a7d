// ============================================================================
// pbs-jobcore Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 功能: 收集任務搬移、修改與持久化的指標，透過 /metrics 暴露
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - pbs_job_moves_total{kind,result}: 搬移請求結果（route/move/manager_move/exec）
//      - pbs_job_modifies_total{result}: 屬性修改結果
//      - pbs_move_handshake_attempts_total: 與對端建立連線的次數（含重試）
//      - pbs_move_outcomes_total{exit}: handshake 最終狀態
//      - pbs_image_saves_total{kind}: 任務映像寫入（quick/full/new）
//
//   2. 狀態指標 (Gauge)：
//      - pbs_recovery_time_seconds: 最近一次啟動恢復耗時
//      - pbs_jobs_in_transit: 目前正在 handshake 的任務數
//
// Prometheus 查詢示例:
//
//   # 搬移失敗率
//   sum(rate(pbs_job_moves_total{result!="done"}[5m])) / sum(rate(pbs_job_moves_total[5m]))
//
//   # 每次搬移的平均連線嘗試
//   rate(pbs_move_handshake_attempts_total[5m]) / rate(pbs_move_outcomes_total[5m])
//
// HTTP 端點:
//   metrics.port 設定的埠，路徑 /metrics
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器，實作 controller.Recorder
type Collector struct {
	moves     *prometheus.CounterVec
	modifies  *prometheus.CounterVec
	attempts  prometheus.Counter
	outcomes  *prometheus.CounterVec
	saves     *prometheus.CounterVec
	recovery  prometheus.Gauge
	inTransit prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbs_job_moves_total",
			Help: "Job move requests by kind and result",
		}, []string{"kind", "result"}),
		modifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbs_job_modifies_total",
			Help: "Job modify requests by result",
		}, []string{"result"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbs_move_handshake_attempts_total",
			Help: "Connection attempts made by move handshakes, retries included",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbs_move_outcomes_total",
			Help: "Finished move handshakes by exit status",
		}, []string{"exit"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbs_image_saves_total",
			Help: "Job image writes by kind",
		}, []string{"kind"}),
		recovery: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pbs_recovery_time_seconds",
			Help: "Duration of the last startup recovery in seconds",
		}),
		inTransit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pbs_jobs_in_transit",
			Help: "Jobs with a move handshake in flight",
		}),
	}

	prometheus.MustRegister(c.moves)
	prometheus.MustRegister(c.modifies)
	prometheus.MustRegister(c.attempts)
	prometheus.MustRegister(c.outcomes)
	prometheus.MustRegister(c.saves)
	prometheus.MustRegister(c.recovery)
	prometheus.MustRegister(c.inTransit)

	return c
}

// ObserveMove 記錄搬移結果
func (c *Collector) ObserveMove(kind, result string) {
	c.moves.WithLabelValues(kind, result).Inc()
}

// ObserveModify 記錄修改結果
func (c *Collector) ObserveModify(result string) {
	c.modifies.WithLabelValues(result).Inc()
}

// ObserveHandshakeAttempt 記錄一次連線嘗試
func (c *Collector) ObserveHandshakeAttempt() {
	c.attempts.Inc()
}

// ObserveOutcome 記錄 handshake 最終狀態
func (c *Collector) ObserveOutcome(exit string) {
	c.outcomes.WithLabelValues(exit).Inc()
}

// AddInTransit 調整傳送中任務數
func (c *Collector) AddInTransit(delta int) {
	c.inTransit.Add(float64(delta))
}

// ObserveSave 記錄任務映像寫入
func (c *Collector) ObserveSave(kind string) {
	c.saves.WithLabelValues(kind).Inc()
}

// ObserveRecovery 設置恢復時間
func (c *Collector) ObserveRecovery(d time.Duration) {
	c.recovery.Set(d.Seconds())
}

// NewServer 建立 Prometheus metrics HTTP 伺服器
//
// 由呼叫者負責 ListenAndServe 與 Shutdown
func NewServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
