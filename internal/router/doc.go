// Package router dispatches parsed control requests to their handlers and
// turns handler failures into 404 replies.
package router
