package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 全局 Registry，供路由中枢与核心智能体注册并通过 /metrics 暴露。
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		ConnectedAgents, EnvelopesRouted, EnvelopesDropped,
		HeartbeatEvictions, WorkflowOutcomes, StepsDispatched,
	)
}

// ConnectedAgents 当前保持活跃连接的智能体数。
var ConnectedAgents = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "controlplane_connected_agents",
		Help: "当前保持活跃连接的智能体数",
	},
)

// EnvelopesRouted 信封路由总数（按投递路径）。
var EnvelopesRouted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "controlplane_envelopes_routed_total",
		Help: "信封路由总数（按投递路径）",
	},
	[]string{"path"}, // live | queued
)

// EnvelopesDropped 丢弃的信封总数（按原因）。
var EnvelopesDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "controlplane_envelopes_dropped_total",
		Help: "丢弃的信封总数（按原因）",
	},
	[]string{"reason"}, // malformed | unsupported | push_failed
)

// HeartbeatEvictions 因心跳超时被摘除的连接总数。
var HeartbeatEvictions = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "controlplane_heartbeat_evictions_total",
		Help: "因心跳超时被摘除的连接总数",
	},
)

// WorkflowOutcomes 进入终态的工作流总数（按结果）。
var WorkflowOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "controlplane_workflow_outcomes_total",
		Help: "进入终态的工作流总数（按结果）",
	},
	[]string{"outcome"}, // completed | failed
)

// StepsDispatched 已派发的计划步骤总数。
var StepsDispatched = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "controlplane_steps_dispatched_total",
		Help: "已派发的计划步骤总数",
	},
)

// Handler 返回暴露 DefaultRegistry 的 HTTP handler。
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}
