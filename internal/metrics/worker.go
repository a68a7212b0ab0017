package metrics

import "time"

// ObserveJob records one job execution outcome and its duration.
func ObserveJob(jobType, status string, duration time.Duration) {
	JobsTotal.WithLabelValues(jobType, status).Inc()
	JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}
