package relation

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfga/kvrel/internal/build"
	"github.com/openfga/kvrel/pkg/storage"
)

var (
	operationCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "relation_operation_count",
		Help:      "The total number of relation operations, by outcome.",
	}, []string{"operation", "status"})

	operationDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "relation_operation_duration_ms",
		Help:                            "The latency (in ms) of relation operations.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000, 5000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"operation"})

	halfWrittenCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "relation_half_written_count",
		Help:      "The total number of keyspaces left with a pointer and no timeline entry or vice versa.",
	})
)

func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyLinked):
		return "already_linked"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMalformedBatch):
		return "malformed"
	default:
		return "error"
	}
}

func observe(operation string, start time.Time, err error) {
	operationCounter.WithLabelValues(operation, status(err)).Inc()
	operationDurationHistogram.WithLabelValues(operation).Observe(float64(time.Since(start).Milliseconds()))
}
