package traffic

import (
	"net/http"
	"strings"
)

// Header stores header names lowercased so lookups are case-insensitive.
type Header map[string]string

func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Request is the transport-neutral view of one outbound page request.
// It lives for a single rule evaluation and is never persisted.
type Request struct {
	ID           string
	URL          string
	Method       string
	ResourceType string
	Headers      Header
}

// Response is the transport-neutral synthetic response used by mock rules.
type Response struct {
	StatusCode int
	Headers    Header
	Body       []byte
}

func NewRequest() *Request {
	return &Request{Headers: make(Header)}
}

func NewResponse() *Response {
	return &Response{StatusCode: http.StatusOK, Headers: make(Header)}
}
