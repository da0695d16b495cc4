package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/EdWata/nao-car/internal/metrics"
	"github.com/EdWata/nao-car/internal/protocol"
)

// Reply bodies for requests that never reached a working handler
const (
	MsgUnknownCommand   = "Unknown Command"
	MsgHandlerFailed    = "An error occured"
	MsgMalformedRequest = "Malformed Request"

	routeUnknown = "unknown"
)

// Handler serves one route. A nil response with a nil error sends nothing
// back to the client.
type Handler func(ctx context.Context, params protocol.Params) (*protocol.Response, error)

// Router maps request paths to handlers. The table is fixed at construction.
type Router struct {
	routes  map[string]Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a router over a copy of routes. A nil metrics disables
// instrumentation.
func New(routes map[string]Handler, logger *slog.Logger, m *metrics.Metrics) *Router {
	table := make(map[string]Handler, len(routes))
	for path, h := range routes {
		table[path] = h
	}
	return &Router{routes: table, logger: logger, metrics: m}
}

// Paths returns the routed paths in sorted order
func (r *Router) Paths() []string {
	paths := make([]string, 0, len(r.routes))
	for p := range r.routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Dispatch runs the handler for req and returns the response to send, or nil
// when nothing should be sent. Handler errors and panics become a 404 reply.
func (r *Router) Dispatch(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	handler, ok := r.routes[req.Path]
	if !ok {
		r.logger.Debug("Unknown command", slog.String("path", req.Path))
		resp = protocol.NotFound(MsgUnknownCommand)
		r.record(routeUnknown, resp, 0)
		return resp
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.fail(req, fmt.Errorf("handler panic: %v", p))
			resp = protocol.NotFound(MsgHandlerFailed)
		}
		r.record(req.Path, resp, time.Since(start))
	}()

	resp, err := handler(ctx, req.Params)
	if err != nil {
		r.fail(req, err)
		return protocol.NotFound(MsgHandlerFailed)
	}
	return resp
}

// Malformed returns the reply for a request whose target could not be decoded
func Malformed() *protocol.Response {
	return protocol.NotFound(MsgMalformedRequest)
}

func (r *Router) fail(req *protocol.Request, err error) {
	r.logger.Error("Command failed",
		slog.String("path", req.Path),
		slog.String("request", req.String()),
		slog.String("error", err.Error()),
	)
	if r.metrics != nil {
		r.metrics.RecordHandlerFailure(req.Path)
	}
}

func (r *Router) record(route string, resp *protocol.Response, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	status := "none"
	if resp != nil {
		status = resp.Status
	}
	r.metrics.RecordRequest(route, status, elapsed.Seconds())
}
