package monitor

// Asset is a source of sampled metrics. Samples accumulate between
// aggregations.
type Asset interface {
	Name() string
	SampleMetrics()
	AggregateMetrics() map[string]float64
	ClearMetrics()
	IsAvailable() bool
	Probe() map[string]map[string]interface{}
}

func Average(nums []float64) float64 {
	if len(nums) == 0 {
		return 0
	}
	total := 0.0
	for _, num := range nums {
		total += num
	}
	return total / float64(len(nums))
}

// aggregate averages each metric, except gauges for which only the latest
// sample counts.
func aggregate(metrics map[string][]float64, gauges map[string]bool) map[string]float64 {
	aggregates := make(map[string]float64)
	for metric, samples := range metrics {
		if len(samples) == 0 {
			continue
		}
		if gauges[metric] {
			aggregates[metric] = samples[len(samples)-1]
			continue
		}
		aggregates[metric] = Average(samples)
	}
	return aggregates
}
