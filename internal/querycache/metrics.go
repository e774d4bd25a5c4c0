package querycache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querycache_hits_total",
		Help: "Cache reads served without an upstream fetch.",
	})
	misses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querycache_misses_total",
		Help: "Cache reads that required an upstream fetch.",
	})
)
