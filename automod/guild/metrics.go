package guild

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var nameCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "guild_name_cache_hits",
	Help: "Number of member name resolutions served from cache",
})

var nameCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "guild_name_cache_misses",
	Help: "Number of member name resolutions passed to the underlying directory",
})
