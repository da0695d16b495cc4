package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Protocol constants
const (
	// Delimiter terminates every request line
	Delimiter = "\r\n"

	// MethodGet is the only recognized verb
	MethodGet = "GET"

	// MinLineSize is the shortest raw line (delimiter included) worth parsing
	MinLineSize = 2

	// minWords is method, target and protocol version
	minWords = 3
)

var (
	// ErrShortLine is returned for lines below MinLineSize
	ErrShortLine = errors.New("line too short")

	// ErrNotRequest is returned for lines that do not form a GET request line.
	// The server ignores such lines without answering.
	ErrNotRequest = errors.New("not a request line")

	// ErrMalformedRequest is returned when the target cannot be decoded
	ErrMalformedRequest = errors.New("malformed request")
)

// Params holds decoded query parameters
type Params map[string]string

// Get returns the value for key, or "" if absent
func (p Params) Get(key string) string {
	return p[key]
}

// Has reports whether key is present, even with an empty value
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Request represents a parsed control request
type Request struct {
	Method string
	Path   string
	Params Params
}

// String returns a human-readable representation of the request
func (r *Request) String() string {
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, r.Params[k]))
	}

	return fmt.Sprintf("Request{Method:%s, Path:%s, Params:[%s]}", r.Method, r.Path, strings.Join(pairs, " "))
}

// ParseLine parses one raw request line. The trailing delimiter is optional.
func ParseLine(raw []byte) (*Request, error) {
	if len(raw) < MinLineSize {
		return nil, ErrShortLine
	}

	line := strings.TrimSuffix(string(raw), Delimiter)
	words := strings.Fields(line)
	if len(words) < minWords || words[0] != MethodGet {
		return nil, ErrNotRequest
	}

	path, params, err := ParseTarget(words[1])
	if err != nil {
		return nil, err
	}

	return &Request{
		Method: words[0],
		Path:   path,
		Params: params,
	}, nil
}

// ParseTarget splits a request target into its path and decoded parameters.
// Later duplicates of a key overwrite earlier ones.
func ParseTarget(target string) (string, Params, error) {
	params := make(Params)

	path, query, found := strings.Cut(target, "?")
	if !found {
		return path, params, nil
	}

	for _, segment := range strings.Split(query, "&") {
		rawKey, rawValue, _ := strings.Cut(segment, "=")

		key, err := Decode(rawKey)
		if err != nil {
			return "", nil, fmt.Errorf("%w: key %q: %v", ErrMalformedRequest, rawKey, err)
		}

		value, err := Decode(rawValue)
		if err != nil {
			return "", nil, fmt.Errorf("%w: value of %q: %v", ErrMalformedRequest, key, err)
		}

		params[key] = value
	}

	return path, params, nil
}

// Decode percent-decodes s. A '%' must be followed by exactly two hex digits
// and '+' decodes to a space; every other byte passes through unchanged.
func Decode(s string) (string, error) {
	if !strings.ContainsAny(s, "%+") {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '%':
			if i+2 >= len(s) {
				return "", fmt.Errorf("truncated escape at offset %d", i)
			}
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if !ok1 || !ok2 {
				return "", fmt.Errorf("invalid escape %q at offset %d", s[i:i+3], i)
			}
			b.WriteByte(hi<<4 | lo)
			i += 2
		case '+':
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}

	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
