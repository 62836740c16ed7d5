package deposit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	depositsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fincore_deposits_created_total",
		Help: "Count of deposits accepted by the creation gates.",
	})
	depositsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fincore_deposits_confirmed_total",
		Help: "Count of deposits confirmed on chain.",
	})
	depositsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fincore_deposits_failed_total",
		Help: "Count of deposits failed by the monitor timeout.",
	})
	roiAccruals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fincore_roi_accruals_total",
		Help: "Count of ROI accruals credited.",
	})
)
