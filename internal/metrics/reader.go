package metrics

import (
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsReader provides real-time access to Prometheus metric values
// by reading directly from the collectors without a network call.
type MetricsReader struct {
	metrics *Metrics
}

// HistogramStats contains extracted statistics from a histogram.
type HistogramStats struct {
	Count uint64  // total number of observations
	Sum   float64 // sum of all observations
	Avg   float64 // average value
	P95   float64 // estimated 95th percentile
}

// NewMetricsReader creates a new metrics reader.
func NewMetricsReader(m *Metrics) *MetricsReader {
	return &MetricsReader{metrics: m}
}

// GetCounterValue reads the current value of a counter.
func (r *MetricsReader) GetCounterValue(counter prometheus.Counter) (float64, error) {
	var metricDto dto.Metric
	if err := counter.(prometheus.Metric).Write(&metricDto); err != nil {
		return 0, err
	}
	return metricDto.GetCounter().GetValue(), nil
}

// GetGaugeValue reads the current value of a gauge.
func (r *MetricsReader) GetGaugeValue(gauge prometheus.Gauge) (float64, error) {
	var metricDto dto.Metric
	if err := gauge.(prometheus.Metric).Write(&metricDto); err != nil {
		return 0, err
	}
	return metricDto.GetGauge().GetValue(), nil
}

// GetHistogramStats extracts statistics from a histogram observer.
func (r *MetricsReader) GetHistogramStats(hist prometheus.Observer) (*HistogramStats, error) {
	var metricDto dto.Metric
	if err := hist.(prometheus.Metric).Write(&metricDto); err != nil {
		return nil, err
	}

	h := metricDto.GetHistogram()
	stats := &HistogramStats{
		Count: h.GetSampleCount(),
		Sum:   h.GetSampleSum(),
	}
	if stats.Count > 0 {
		stats.Avg = stats.Sum / float64(stats.Count)
	}
	stats.P95 = r.estimatePercentile(h, 0.95)
	return stats, nil
}

func (r *MetricsReader) estimatePercentile(hist *dto.Histogram, percentile float64) float64 {
	totalCount := hist.GetSampleCount()
	if totalCount == 0 {
		return 0
	}
	target := float64(totalCount) * percentile
	cumulativeCount := uint64(0)
	for _, bucket := range hist.GetBucket() {
		cumulativeCount = bucket.GetCumulativeCount()
		if float64(cumulativeCount) >= target {
			return bucket.GetUpperBound()
		}
	}
	return 0
}

// GetApplyWinRate returns the fraction of this run's apply() calls that
// resulted in a winning write, out of win+obsolete+duplicate.
func (r *MetricsReader) GetApplyWinRate() (float64, error) {
	win, err := r.metrics.ApplyOutcomes.GetMetricWithLabelValues("win")
	if err != nil {
		return 0, err
	}
	obsolete, err := r.metrics.ApplyOutcomes.GetMetricWithLabelValues("obsolete")
	if err != nil {
		return 0, err
	}
	duplicate, err := r.metrics.ApplyOutcomes.GetMetricWithLabelValues("duplicate")
	if err != nil {
		return 0, err
	}

	winVal, err := r.GetCounterValue(win)
	if err != nil {
		return 0, err
	}
	obsoleteVal, err := r.GetCounterValue(obsolete)
	if err != nil {
		return 0, err
	}
	duplicateVal, err := r.GetCounterValue(duplicate)
	if err != nil {
		return 0, err
	}

	total := winVal + obsoleteVal + duplicateVal
	if total == 0 {
		return 0, nil
	}
	return winVal / total, nil
}

// GetSyncRoundStats returns latency statistics for a single transport's
// sync rounds.
func (r *MetricsReader) GetSyncRoundStats(transportID string) (*HistogramStats, error) {
	observer, err := r.metrics.SyncRoundLatency.GetMetricWithLabelValues(transportID)
	if err != nil {
		return nil, err
	}
	return r.GetHistogramStats(observer)
}
