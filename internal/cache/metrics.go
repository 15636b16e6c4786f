package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports cache diagnostics to prometheus.
type Collector struct {
	cache *Cache

	tiles     *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	used      *prometheus.Desc
	capacity  *prometheus.Desc
}

// NewCollector creates a collector for c labelled with the cache name.
func NewCollector(c *Cache, name string) *Collector {
	labels := prometheus.Labels{"cache": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc("tilepipe_tile_cache_"+metric, help, nil, labels)
	}
	return &Collector{
		cache:     c,
		tiles:     desc("tiles", "Number of tiles held by the cache."),
		hits:      desc("hits_total", "Number of cache lookups that found a tile."),
		misses:    desc("misses_total", "Number of cache lookups that found no tile."),
		evictions: desc("evictions_total", "Number of tiles evicted under memory pressure."),
		used:      desc("memory_used_bytes", "Approximate memory held by cached tiles."),
		capacity:  desc("memory_capacity_bytes", "Configured cache capacity."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tiles
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.used
	ch <- c.capacity
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.tiles, prometheus.GaugeValue, float64(s.Tiles))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(s.MemoryUsed))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.MemoryCapacity))
}
