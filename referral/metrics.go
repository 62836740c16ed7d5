package referral

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rewardsDistributed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fincore_referral_rewards_total",
	Help: "Count of referral rewards credited to upline users.",
})
