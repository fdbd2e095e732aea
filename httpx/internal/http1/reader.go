package http1

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

var (
	ErrLineTooLong        = errors.New("http1: line too long")
	ErrTooManyHeaders     = errors.New("http1: too many header fields")
	ErrBadStartLine       = errors.New("http1: malformed start line")
	ErrBadHeader          = errors.New("http1: malformed header field")
	ErrUnsupportedVersion = errors.New("http1: unsupported protocol version")
)

// Version is an HTTP protocol version as carried on the start line.
type Version struct {
	Major, Minor int
}

var (
	HTTP10 = Version{Major: 1, Minor: 0}
	HTTP11 = Version{Major: 1, Minor: 1}
)

func (v Version) String() string {
	return "HTTP/" + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Less reports whether v is an older version than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// ParseVersion parses "HTTP/x.y". Only HTTP/1.x is accepted.
func ParseVersion(s string) (Version, error) {
	if len(s) != 8 || !strings.HasPrefix(s, "HTTP/") || s[6] != '.' {
		return Version{}, ErrBadStartLine
	}
	maj, min := s[5], s[7]
	if maj < '0' || maj > '9' || min < '0' || min > '9' {
		return Version{}, ErrBadStartLine
	}
	v := Version{Major: int(maj - '0'), Minor: int(min - '0')}
	if v.Major != 1 {
		return v, ErrUnsupportedVersion
	}
	return v, nil
}

// Field is one header or trailer line. Order and duplicates are significant.
type Field struct {
	Name  string
	Value string
}

// RequestHead is a parsed request line plus header block.
type RequestHead struct {
	Method  string
	Target  string
	Version Version
	Fields  []Field
}

// ResponseHead is a parsed status line plus header block.
type ResponseHead struct {
	Version    Version
	StatusCode int
	Reason     string
	Fields     []Field
}

type headState int

const (
	stateStartLine headState = iota
	stateFields
	stateDone
)

// HeadParser incrementally parses a start line and header block. Parse may be
// called any number of times with the unconsumed input; it consumes whole
// lines only, so a partial line stays with the caller until more bytes arrive.
type HeadParser struct {
	ParseResponse  bool
	MaxLineLength  int
	MaxHeaderCount int

	state  headState
	req    RequestHead
	resp   ResponseHead
	fields []Field
}

// Parse consumes complete lines from in. It returns the number of bytes
// consumed and whether the head is complete.
func (p *HeadParser) Parse(in []byte) (int, bool, error) {
	consumed := 0
	for p.state != stateDone {
		i := bytes.IndexByte(in[consumed:], '\n')
		if i < 0 {
			if p.MaxLineLength > 0 && len(in)-consumed > p.MaxLineLength {
				return consumed, false, ErrLineTooLong
			}
			return consumed, false, nil
		}
		line := in[consumed : consumed+i]
		consumed += i + 1
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if p.MaxLineLength > 0 && len(line) > p.MaxLineLength {
			return consumed, false, ErrLineTooLong
		}
		switch p.state {
		case stateStartLine:
			// Leading empty lines before a request line are tolerated.
			if len(line) == 0 {
				continue
			}
			if err := p.parseStartLine(string(line)); err != nil {
				return consumed, false, err
			}
			p.state = stateFields
		case stateFields:
			if len(line) == 0 {
				p.state = stateDone
				break
			}
			if line[0] == ' ' || line[0] == '\t' {
				// obs-fold
				return consumed, false, ErrBadHeader
			}
			if p.MaxHeaderCount > 0 && len(p.fields) >= p.MaxHeaderCount {
				return consumed, false, ErrTooManyHeaders
			}
			f, err := parseField(line)
			if err != nil {
				return consumed, false, err
			}
			p.fields = append(p.fields, f)
		}
	}
	return consumed, true, nil
}

// Request returns the parsed request head. Valid once Parse reported done.
func (p *HeadParser) Request() RequestHead {
	h := p.req
	h.Fields = p.fields
	return h
}

// Response returns the parsed response head. Valid once Parse reported done.
func (p *HeadParser) Response() ResponseHead {
	h := p.resp
	h.Fields = p.fields
	return h
}

// Reset prepares the parser for the next message on the same connection.
func (p *HeadParser) Reset() {
	p.state = stateStartLine
	p.req = RequestHead{}
	p.resp = ResponseHead{}
	p.fields = nil
}

// Started reports whether any part of a head has been consumed.
func (p *HeadParser) Started() bool { return p.state != stateStartLine }

func (p *HeadParser) parseStartLine(line string) error {
	if p.ParseResponse {
		return p.parseStatusLine(line)
	}
	return p.parseRequestLine(line)
}

func (p *HeadParser) parseRequestLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return ErrBadStartLine
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if SanitizeHeaderKey(method) == "" || target == "" {
		return ErrBadStartLine
	}
	v, err := ParseVersion(proto)
	if err != nil {
		return err
	}
	p.req = RequestHead{Method: method, Target: target, Version: v}
	return nil
}

func (p *HeadParser) parseStatusLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return ErrBadStartLine
	}
	v, err := ParseVersion(parts[0])
	if err != nil {
		return err
	}
	if len(parts[1]) != 3 {
		return ErrBadStartLine
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 {
		return ErrBadStartLine
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	p.resp = ResponseHead{Version: v, StatusCode: code, Reason: reason}
	return nil
}

func parseField(line []byte) (Field, error) {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return Field{}, ErrBadHeader
	}
	name := string(line[:i])
	if SanitizeHeaderKey(name) == "" {
		return Field{}, ErrBadHeader
	}
	value := strings.Trim(string(line[i+1:]), " \t")
	for j := 0; j < len(value); j++ {
		c := value[j]
		if (c < 0x20 && c != '\t') || c == 0x7f {
			return Field{}, ErrBadHeader
		}
	}
	return Field{Name: name, Value: value}, nil
}
