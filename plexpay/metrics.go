package plexpay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	paymentsVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fincore_plex_payments_verified_total",
		Help: "Count of daily PLEX payments verified and recorded.",
	})
	requirementsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fincore_plex_requirements_blocked_total",
		Help: "Count of requirements blocked for missed payments.",
	})
)
