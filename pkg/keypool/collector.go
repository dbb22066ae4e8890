package keypool

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	keysTotalDesc = prometheus.NewDesc(
		"chatshaper_keypool_keys_total",
		"Number of credentials in the pool",
		[]string{"provider"}, nil,
	)
	keysExcludedDesc = prometheus.NewDesc(
		"chatshaper_keypool_keys_excluded",
		"Number of credentials currently excluded after upstream rejection",
		[]string{"provider"}, nil,
	)
	keysAvailableDesc = prometheus.NewDesc(
		"chatshaper_keypool_keys_available",
		"Number of credentials currently eligible for issuance",
		[]string{"provider"}, nil,
	)
)

// Collector exports pool snapshots as prometheus gauges, one series per
// provider.
type Collector struct {
	pools map[string]*Pool
	names []string
}

// NewCollector returns a collector over the given provider pools.
func NewCollector(pools map[string]*Pool) *Collector {
	names := make([]string, 0, len(pools))
	for name := range pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Collector{pools: pools, names: names}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- keysTotalDesc
	ch <- keysExcludedDesc
	ch <- keysAvailableDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range c.names {
		s := c.pools[name].Stats()
		ch <- prometheus.MustNewConstMetric(keysTotalDesc, prometheus.GaugeValue, float64(s.TotalKeys), name)
		ch <- prometheus.MustNewConstMetric(keysExcludedDesc, prometheus.GaugeValue, float64(s.ExcludedCount), name)
		ch <- prometheus.MustNewConstMetric(keysAvailableDesc, prometheus.GaugeValue, float64(s.AvailableCount), name)
	}
}
