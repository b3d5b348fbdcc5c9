// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	// flushCounter 统计成功执行的提交次数，没有语句的提交不计入。
	flushCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xorm_flush_total",
		Help: "The total number of successful flushes.",
	})

	// flushErrorCounter 统计失败的提交次数。
	flushErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xorm_flush_error_total",
		Help: "The total number of failed flushes.",
	})

	// rowCounter 按操作类型统计写入的行数，批量语句按行计入。
	rowCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xorm_row_total",
		Help: "The total number of rows written, by operation.",
	}, []string{"operation"})

	// flushDuration 统计提交的耗时。
	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "xorm_flush_duration_seconds",
		Help:    "The duration of flushes in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	// faultResolveCounter 统计分页列表加载的对象数。
	faultResolveCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xorm_fault_resolve_total",
		Help: "The total number of objects resolved by fault lists.",
	})

	// snapshotCacheGauge 记录共享缓存的行数。
	snapshotCacheGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xorm_snapshot_cache_size",
		Help: "The number of rows in the snapshot cache.",
	})

	// commitGauge 记录所有队列等待推送的变更数。
	commitGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xorm_commit_queue",
		Help: "The number of changes waiting in all commit queues.",
	})

	// commitCounter 统计所有队列已推送的变更数。
	commitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xorm_commit_total",
		Help: "The total number of changes pushed by all commit queues.",
	})

	commitQueueGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xorm_commit_queue_size",
		Help: "The number of changes waiting in a commit queue.",
	}, []string{"queue"})

	commitQueueCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xorm_commit_queue_total",
		Help: "The total number of changes pushed by a commit queue.",
	}, []string{"queue"})

	// commitGauges 与 commitCounters 为各队列的统计项，在 setupCommit 中按队列数量创建。
	commitGauges   []prometheus.Gauge
	commitCounters []prometheus.Counter
)

func init() {
	prometheus.MustRegister(
		flushCounter,
		flushErrorCounter,
		rowCounter,
		flushDuration,
		faultResolveCounter,
		snapshotCacheGauge,
		commitGauge,
		commitCounter,
		commitQueueGauge,
		commitQueueCounter,
	)
}

// setupQueueMetrics 创建 count 个队列的统计项，重复创建时复用已有的标签。
func setupQueueMetrics(count int) {
	commitGauges = make([]prometheus.Gauge, count)
	commitCounters = make([]prometheus.Counter, count)
	for i := range count {
		label := strconv.Itoa(i)
		commitGauges[i] = commitQueueGauge.WithLabelValues(label)
		commitCounters[i] = commitQueueCounter.WithLabelValues(label)
	}
}

// metricsInfo 定义了全局的统计信息。
type metricsInfo struct{}

var sharedMetrics = &metricsInfo{}

// Metrics 提供了统计信息的全局访问点。
func Metrics() *metricsInfo {
	return sharedMetrics
}

// FlushCount 返回成功执行的提交次数。
func (m *metricsInfo) FlushCount() int64 { return readCounter(flushCounter) }

// FlushErrorCount 返回失败的提交次数。
func (m *metricsInfo) FlushErrorCount() int64 { return readCounter(flushErrorCounter) }

// RowCount 返回指定操作已写入的行数，批量语句的每一行单独计入。
func (m *metricsInfo) RowCount(kind OperationKind) int64 {
	return readCounter(rowCounter.WithLabelValues(kind.String()))
}

// CommitPending 返回所有队列等待推送的变更数。
func (m *metricsInfo) CommitPending() int64 {
	return readGauge(commitGauge)
}

func readCounter(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func readGauge(g prometheus.Gauge) int64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetGauge().GetValue())
}
