// Package engine runs scripts through their lifecycle. The Orchestrator
// wraps an executor with input staging, output uploads, lifecycle events,
// tracing and metrics. The Engine sits in front of it for the HTTP API: it
// resolves executors by kind, admits one run at a time, publishes each
// run's events to a broker topic and keeps a bounded record of recent runs.
package engine
