package uidmng

import "github.com/mdlayher/metricslite"

// metrics contains metrics for a Manager.
type metrics struct {
	switches        metricslite.Counter
	helperCalls     metricslite.Counter
	restoreFailures metricslite.Counter
	retries         metricslite.Counter
}

func newMetrics(m metricslite.Interface) *metrics {
	return &metrics{
		switches: m.Counter(
			"uidmng_identity_switches_total",
			"The total number of effective identity switches by target identity.",
			"target",
		),

		helperCalls: m.Counter(
			"uidmng_helper_invocations_total",
			"The total number of operations delegated to the elevation helper.",
			"operation",
		),

		restoreFailures: m.Counter(
			"uidmng_restore_failures_total",
			"The total number of operations after which the previous identity could not be restored.",
			"operation",
		),

		retries: m.Counter(
			"uidmng_retries_total",
			"The total number of best-effort operations retried as root.",
			"operation",
		),
	}
}
