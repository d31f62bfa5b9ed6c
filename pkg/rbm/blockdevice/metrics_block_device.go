package blockdevice

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	blockDevicePrometheusMetrics sync.Once

	blockDeviceBytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rbm",
			Subsystem: "block_device",
			Name:      "bytes_read_total",
			Help:      "Number of bytes read from the underlying block device.",
		})
	blockDeviceBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rbm",
			Subsystem: "block_device",
			Name:      "bytes_written_total",
			Help:      "Number of bytes written to the underlying block device.",
		})
	blockDeviceOperationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rbm",
			Subsystem: "block_device",
			Name:      "operations_failed_total",
			Help:      "Number of block device operations that returned an error.",
		},
		[]string{"operation"})
)

type metricsBlockDevice struct {
	base BlockDevice
}

// NewMetricsBlockDevice creates a decorator for BlockDevice that exposes
// Prometheus counters for bytes transferred and operations failed.
func NewMetricsBlockDevice(base BlockDevice) BlockDevice {
	blockDevicePrometheusMetrics.Do(func() {
		prometheus.MustRegister(blockDeviceBytesRead)
		prometheus.MustRegister(blockDeviceBytesWritten)
		prometheus.MustRegister(blockDeviceOperationsFailed)
	})
	return &metricsBlockDevice{base: base}
}

func (d *metricsBlockDevice) Open(ctx context.Context, path string, readWrite bool) error {
	if err := d.base.Open(ctx, path, readWrite); err != nil {
		blockDeviceOperationsFailed.WithLabelValues("Open").Inc()
		return err
	}
	return nil
}

func (d *metricsBlockDevice) Close() error {
	if err := d.base.Close(); err != nil {
		blockDeviceOperationsFailed.WithLabelValues("Close").Inc()
		return err
	}
	return nil
}

func (d *metricsBlockDevice) BlockSize() int {
	return d.base.BlockSize()
}

func (d *metricsBlockDevice) ReadAt(ctx context.Context, addr int64, buf []byte) error {
	if err := d.base.ReadAt(ctx, addr, buf); err != nil {
		blockDeviceOperationsFailed.WithLabelValues("ReadAt").Inc()
		return err
	}
	blockDeviceBytesRead.Add(float64(len(buf)))
	return nil
}

func (d *metricsBlockDevice) WriteAt(ctx context.Context, addr int64, buf []byte) error {
	if err := d.base.WriteAt(ctx, addr, buf); err != nil {
		blockDeviceOperationsFailed.WithLabelValues("WriteAt").Inc()
		return err
	}
	blockDeviceBytesWritten.Add(float64(len(buf)))
	return nil
}
