// Package server implements the NaoCar control server and the monitoring
// HTTP API. The control server runs a single event loop that owns every
// client connection and its write queue; per-connection goroutines only
// perform socket I/O and report back to the loop.
package server
