package challenge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Issued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commenthash_challenges_issued",
		Help: "The total number of challenges issued",
	})

	Validated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commenthash_challenges_validated",
		Help: "The total number of submissions whose proof of work was accepted",
	})

	FailedValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commenthash_failed_validations",
		Help: "The total number of rejected submissions",
	}, []string{"reason"})

	AdminBypasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commenthash_admin_bypasses",
		Help: "The total number of submissions from privileged users that skipped verification",
	})

	// SolveAge is how old a bundle was when its solution arrived. It bounds
	// how long clients take to solve challenges.
	SolveAge = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "commenthash_solve_age_seconds",
		Help:    "Age of the challenge when an accepted solution was submitted (seconds)",
		Buckets: prometheus.ExponentialBucketsRange(1, 86400, 20),
	})
)
