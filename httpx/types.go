package httpx

import (
	"strings"

	"dqx0.com/go/niohttp/httpx/internal/http1"
)

// Version is an HTTP protocol version.
type Version = http1.Version

var (
	HTTP10 = http1.HTTP10
	HTTP11 = http1.HTTP11
)

// HeaderField is a single header line.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields. Names match case-insensitively
// and repeated fields are kept in the order they were added or received.
type Header []HeaderField

// Get returns the first value for name.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Header) Values(name string) []string {
	var vv []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vv = append(vv, f.Value)
		}
	}
	return vv
}

func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// HasToken reports whether any comma separated element of the values of
// name equals token, ignoring case.
func (h Header) HasToken(name, token string) bool {
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			continue
		}
		for _, v := range strings.Split(f.Value, ",") {
			if strings.EqualFold(strings.TrimSpace(v), token) {
				return true
			}
		}
	}
	return false
}

func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Set replaces all values for name with value. The field keeps the position
// of the first existing occurrence.
func (h *Header) Set(name, value string) {
	out := (*h)[:0]
	set := false
	for _, f := range *h {
		if strings.EqualFold(f.Name, name) {
			if set {
				continue
			}
			f.Value = value
			set = true
		}
		out = append(out, f)
	}
	if !set {
		out = append(out, HeaderField{Name: name, Value: value})
	}
	*h = out
}

func (h *Header) Del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	return append(Header(nil), h...)
}

func (h Header) fields() []http1.Field {
	if len(h) == 0 {
		return nil
	}
	out := make([]http1.Field, len(h))
	for i, f := range h {
		out[i] = http1.Field{Name: f.Name, Value: f.Value}
	}
	return out
}

func headerFrom(fields []http1.Field) Header {
	if len(fields) == 0 {
		return nil
	}
	h := make(Header, len(fields))
	for i, f := range fields {
		h[i] = HeaderField{Name: f.Name, Value: f.Value}
	}
	return h
}
