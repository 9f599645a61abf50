package signal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var signalsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "signal_parsed_total",
	Help: "Number of moderation notifications successfully parsed, by kind",
}, []string{"kind"})

var signalsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "signal_dropped_total",
	Help: "Number of moderation notifications dropped, by kind and reason",
}, []string{"kind", "reason"})
