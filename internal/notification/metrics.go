package notification

import "github.com/prometheus/client_golang/prometheus"

// 配信経路のラベル値。
const (
	pathBroadcast = "broadcast"
	pathBacklog   = "backlog"
)

// Metrics は通知配信のPrometheusメトリクス。
// nilのMetricsに対する呼び出しは何もしない。
type Metrics struct {
	// created は作成された通知レコード数。
	created prometheus.Counter
	// sent は配信経路ごとの送信成功数。
	sent *prometheus.CounterVec
	// failed は配信経路ごとの送信失敗数。
	failed *prometheus.CounterVec
	// connections は現在登録中の接続数。
	connections prometheus.Gauge
}

// NewMetrics はメトリクスを生成してregに登録する。
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasknotify",
			Name:      "notifications_created_total",
			Help:      "作成された通知レコードの数",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasknotify",
			Name:      "notifications_sent_total",
			Help:      "チャネルへの送信に成功した通知の数",
		}, []string{"path"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasknotify",
			Name:      "notification_send_failures_total",
			Help:      "チャネルへの送信に失敗した通知の数",
		}, []string{"path"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tasknotify",
			Name:      "hub_connections",
			Help:      "現在開いている接続の数",
		}),
	}

	for _, c := range []prometheus.Collector{m.created, m.sent, m.failed, m.connections} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *Metrics) recordSend(path string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.failed.WithLabelValues(path).Inc()
		return
	}
	m.sent.WithLabelValues(path).Inc()
}

// connectionOpened と connectionClosed はRegistryの追加・削除の結果に合わせて接続数を増減する。
func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
