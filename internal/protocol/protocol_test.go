package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    string
		expectError bool
	}{
		{name: "plain text", input: "hello", expected: "hello"},
		{name: "empty", input: "", expected: ""},
		{name: "plus is space", input: "bonjour+nao", expected: "bonjour nao"},
		{name: "lowercase hex", input: "a%2fb", expected: "a/b"},
		{name: "uppercase hex", input: "%C3%A9t%C3%A9", expected: "été"},
		{name: "encoded plus", input: "1%2B1", expected: "1+1"},
		{name: "encoded percent", input: "100%25", expected: "100%"},
		{name: "trailing percent", input: "abc%", expectError: true},
		{name: "single digit escape", input: "abc%4", expectError: true},
		{name: "non hex escape", input: "%zz", expectError: true},
		{name: "half hex escape", input: "%4g", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Decode(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got result %q", result)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if result != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestDecodeDeterministic(t *testing.T) {
	inputs := []string{"a+b%20c", "%41%42%43", "x%2", "plain"}
	for _, in := range inputs {
		first, err1 := Decode(in)
		second, err2 := Decode(in)
		if first != second || (err1 == nil) != (err2 == nil) {
			t.Errorf("Decode(%q) not deterministic: (%q, %v) vs (%q, %v)", in, first, err1, second, err2)
		}
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		path      string
		params    Params
		expectErr error
	}{
		{
			name:   "root",
			raw:    "GET / HTTP/1.1\r\n",
			path:   "/",
			params: Params{},
		},
		{
			name:   "query parameters",
			raw:    "GET /setHead?headYaw=0.3&headPitch=-0.1 HTTP/1.1\r\n",
			path:   "/setHead",
			params: Params{"headYaw": "0.3", "headPitch": "-0.1"},
		},
		{
			name:   "key without value",
			raw:    "GET /auto-driving?safe HTTP/1.1\r\n",
			path:   "/auto-driving",
			params: Params{"safe": ""},
		},
		{
			name:   "value split on first equals",
			raw:    "GET /talk?message=a=b HTTP/1.1\r\n",
			path:   "/talk",
			params: Params{"message": "a=b"},
		},
		{
			name:   "encoded message",
			raw:    "GET /talk?message=Bonjour+%C3%A0+tous HTTP/1.1\r\n",
			path:   "/talk",
			params: Params{"message": "Bonjour à tous"},
		},
		{
			name:   "missing delimiter still parses",
			raw:    "GET /stop HTTP/1.1",
			path:   "/stop",
			params: Params{},
		},
		{
			name:      "short line",
			raw:       "\n",
			expectErr: ErrShortLine,
		},
		{
			name:      "empty line",
			raw:       "\r\n",
			expectErr: ErrNotRequest,
		},
		{
			name:      "too few words",
			raw:       "GET /stop\r\n",
			expectErr: ErrNotRequest,
		},
		{
			name:      "wrong verb",
			raw:       "POST /stop HTTP/1.1\r\n",
			expectErr: ErrNotRequest,
		},
		{
			name:      "header line",
			raw:       "Host: nao.local\r\n",
			expectErr: ErrNotRequest,
		},
		{
			name:      "bad escape",
			raw:       "GET /talk?message=100%ZZ HTTP/1.1\r\n",
			expectErr: ErrMalformedRequest,
		},
		{
			name:      "bad escape in key",
			raw:       "GET /talk?mess%age=hi HTTP/1.1\r\n",
			expectErr: ErrMalformedRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseLine([]byte(tt.raw))

			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Errorf("Expected error %v, got %v", tt.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if req.Method != MethodGet {
				t.Errorf("Expected method GET, got %s", req.Method)
			}
			if req.Path != tt.path {
				t.Errorf("Expected path %q, got %q", tt.path, req.Path)
			}
			if len(req.Params) != len(tt.params) {
				t.Fatalf("Expected %d params, got %d (%s)", len(tt.params), len(req.Params), req)
			}
			for k, v := range tt.params {
				if !req.Params.Has(k) || req.Params.Get(k) != v {
					t.Errorf("Expected param %s=%q, got %q", k, v, req.Params.Get(k))
				}
			}
		})
	}
}

func TestBuildEmptyBody(t *testing.T) {
	buffers := Build(nil, "", "")
	if len(buffers) != 1 {
		t.Fatalf("Expected header only, got %d buffers", len(buffers))
	}

	expected := "HTTP/1.1 200 OK\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: 0\r\n\r\n"
	if string(buffers[0]) != expected {
		t.Errorf("Expected %q, got %q", expected, buffers[0])
	}
}

func TestBuildNotFound(t *testing.T) {
	buffers := NotFound("Unknown Command").Buffers()
	if len(buffers) != 2 {
		t.Fatalf("Expected header and body, got %d buffers", len(buffers))
	}
	if !strings.HasPrefix(string(buffers[0]), "HTTP/1.1 404 Not Found\r\n") {
		t.Errorf("Unexpected status line in %q", buffers[0])
	}
	if !strings.Contains(string(buffers[0]), "Content-Length: 15\r\n") {
		t.Errorf("Unexpected content length in %q", buffers[0])
	}
	if string(buffers[1]) != "Unknown Command" {
		t.Errorf("Unexpected body %q", buffers[1])
	}
}

func TestBuildChunksLargeBody(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 2*ChunkSize+123)
	buffers := Build(body, StatusOK, ContentTypeHTML)

	if len(buffers) != 4 {
		t.Fatalf("Expected 4 buffers, got %d", len(buffers))
	}
	if !strings.Contains(string(buffers[0]), "Content-Type: text/html; charset=utf-8\r\n") {
		t.Errorf("Unexpected content type in %q", buffers[0])
	}
	if !strings.Contains(string(buffers[0]), "Content-Length: 130123\r\n") {
		t.Errorf("Unexpected content length in %q", buffers[0])
	}

	sizes := []int{ChunkSize, ChunkSize, 123}
	var joined []byte
	for i, size := range sizes {
		if len(buffers[i+1]) != size {
			t.Errorf("Chunk %d: expected %d bytes, got %d", i, size, len(buffers[i+1]))
		}
		joined = append(joined, buffers[i+1]...)
	}
	if !bytes.Equal(joined, body) {
		t.Error("Chunks do not reassemble into the original body")
	}
}

func TestBuildExactChunkBoundary(t *testing.T) {
	body := bytes.Repeat([]byte("y"), ChunkSize)
	buffers := Build(body, StatusOK, ContentTypeText)
	if len(buffers) != 2 {
		t.Fatalf("Expected 2 buffers, got %d", len(buffers))
	}
}
