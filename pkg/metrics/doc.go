/*
Package metrics defines and registers ReportHub's Prometheus metrics.

Metrics are package-level collectors registered in init and exposed via
Handler on /metrics. The task engine reports queue depth, per-status
task counts, push backpressure and execution durations; the product
layer reports attachment counts and schema statuses; the API layer
reports request counts and latencies; the worker pool reports live
worker counts and restarts.

Gauges that mirror database state (queue depth, per-status counts) are
refreshed by the reaper sweep rather than on every transition, so a
scrape is cheap and the numbers converge even after crashes.
*/
package metrics
