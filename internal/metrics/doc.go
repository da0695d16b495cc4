// Package metrics defines the Prometheus instrumentation of the remote server.
package metrics
