// Package protocol implements the line-based control protocol.
// It parses "GET <path>?<query>" request lines terminated by CRLF, decodes
// percent-encoded parameters, and builds HTTP/1.1-style responses split into
// bounded write buffers.
package protocol
