package rbm

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus instrumentation shared by every Manager (labelled by the
// superblock UUID), registered once regardless of how many Managers are
// constructed.
var (
	metricsOnce sync.Once

	blocksAllocated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rbm",
			Name:      "blocks_allocated_total",
			Help:      "Number of data blocks successfully allocated through complete_allocation.",
		},
		[]string{"manager"})

	blocksFreed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rbm",
			Name:      "blocks_freed_total",
			Help:      "Number of data blocks successfully freed through complete_allocation.",
		},
		[]string{"manager"})

	allocationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rbm",
			Name:      "allocations_failed_total",
			Help:      "Number of alloc_extent calls that returned resource_exhausted.",
		},
		[]string{"manager"})

	freeBlockCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rbm",
			Name:      "free_block_count",
			Help:      "Soft hint of the number of currently unallocated data blocks, updated on complete_allocation.",
		},
		[]string{"manager"})
)

func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(blocksAllocated, blocksFreed, allocationsFailed, freeBlockCount)
	})
}
