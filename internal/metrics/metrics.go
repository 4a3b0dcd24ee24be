// Package metrics 定义网关的 prometheus 指标；nil *Metrics 上的所有方法均为空操作。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shellgate"

// Metrics 汇总请求、缓存写入、回退与生命周期指标。
type Metrics struct {
	// RequestsTotal 按分类与响应来源统计请求
	RequestsTotal *prometheus.CounterVec

	// RequestDuration 按分类统计策略耗时
	RequestDuration *prometheus.HistogramVec

	// WritesTotal 按结果统计缓存写入（stored/skipped/oversize/failed）
	WritesTotal *prometheus.CounterVec

	// FallbacksTotal 按回退类型统计（match/root/none）
	FallbacksTotal *prometheus.CounterVec

	// LifecycleTotal 按阶段与结果统计 install/activate
	LifecycleTotal *prometheus.CounterVec

	// StoresPurged 统计 activate 删除的旧缓存仓库数量
	StoresPurged prometheus.Counter
}

// New 创建并注册指标；reg 为 nil 时只创建不注册，便于测试。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Intercepted GET requests by classification and response source",
			},
			[]string{"class", "source"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Strategy duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"class"},
		),
		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "writes_total",
				Help:      "Cache write attempts by result",
			},
			[]string{"result"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallbacks_total",
				Help:      "Network failures by fallback outcome",
			},
			[]string{"kind"},
		),
		LifecycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "lifecycle_total",
				Help:      "Worker install/activate transitions by result",
			},
			[]string{"phase", "result"},
		),
		StoresPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "stores_purged_total",
				Help:      "Stale cache stores deleted during activation",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.WritesTotal,
			m.FallbacksTotal,
			m.LifecycleTotal,
			m.StoresPurged,
		)
	}
	return m
}

// RecordRequest 记录一次请求的分类、来源与耗时。
func (m *Metrics) RecordRequest(class, source string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(class, source).Inc()
	m.RequestDuration.WithLabelValues(class).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordWrite(result string) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordFallback(kind string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordLifecycle(phase string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failed"
	}
	m.LifecycleTotal.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) RecordPurged(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.StoresPurged.Add(float64(count))
}
