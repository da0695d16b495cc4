package protocol

import (
	"fmt"
	"strconv"
)

// Response constants
const (
	StatusOK       = "200 OK"
	StatusNotFound = "404 Not Found"

	ContentTypeText = "text/plain"
	ContentTypeHTML = "text/html"

	// ChunkSize bounds the size of a single body write
	ChunkSize = 65000

	protoVersion = "HTTP/1.1"
)

// Response represents a reply to a control request
type Response struct {
	Status      string
	ContentType string
	Body        []byte
}

// OK returns a 200 response carrying body as plain text
func OK(body []byte) *Response {
	return &Response{Status: StatusOK, ContentType: ContentTypeText, Body: body}
}

// NotFound returns a 404 response carrying msg as plain text
func NotFound(msg string) *Response {
	return &Response{Status: StatusNotFound, ContentType: ContentTypeText, Body: []byte(msg)}
}

// Empty returns a 200 response with no body
func Empty() *Response {
	return OK(nil)
}

// Buffers renders the response into ordered write buffers
func (r *Response) Buffers() [][]byte {
	return Build(r.Body, r.Status, r.ContentType)
}

// String returns a human-readable representation of the response
func (r *Response) String() string {
	return fmt.Sprintf("Response{Status:%s, ContentType:%s, BodyLen:%d}", r.Status, r.ContentType, len(r.Body))
}

// Build produces the header buffer followed by the body split into chunks of
// at most ChunkSize bytes. Empty status and content type fall back to
// StatusOK and ContentTypeText. Body chunks are copies.
func Build(body []byte, status, contentType string) [][]byte {
	if status == "" {
		status = StatusOK
	}
	if contentType == "" {
		contentType = ContentTypeText
	}

	header := make([]byte, 0, 96+len(status)+len(contentType))
	header = append(header, protoVersion+" "...)
	header = append(header, status...)
	header = append(header, Delimiter+"Content-Type: "...)
	header = append(header, contentType...)
	header = append(header, "; charset=utf-8"+Delimiter+"Content-Length: "...)
	header = strconv.AppendInt(header, int64(len(body)), 10)
	header = append(header, Delimiter+Delimiter...)

	buffers := make([][]byte, 0, 1+(len(body)+ChunkSize-1)/ChunkSize)
	buffers = append(buffers, header)

	for offset := 0; offset < len(body); offset += ChunkSize {
		end := offset + ChunkSize
		if end > len(body) {
			end = len(body)
		}
		chunk := make([]byte, end-offset)
		copy(chunk, body[offset:end])
		buffers = append(buffers, chunk)
	}

	return buffers
}
