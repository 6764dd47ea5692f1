package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokensIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpgate_tokens_issued_total",
		Help: "Credentials issued by the authorization server, by grant type.",
	}, []string{"grant_type"})

	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpgate_tool_calls_total",
		Help: "Tool calls dispatched to downstream servers, by outcome.",
	}, []string{"status"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgate_active_sessions",
		Help: "Live protocol sessions currently registered.",
	})
)
