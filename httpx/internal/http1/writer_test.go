package http1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_RequestRoundTrip(t *testing.T) {
	in := RequestHead{
		Method:  "POST",
		Target:  "/upload?x=1",
		Version: HTTP11,
		Fields: []Field{
			{"Host", "example.test"},
			{"Accept", "text/plain"},
			{"accept", "application/json"},
			{"Content-Length", "0"},
		},
	}
	wire := AppendRequestHead(nil, in)

	p := &HeadParser{MaxLineLength: 1024}
	n, done, err := p.Parse(wire)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, in, p.Request())
}

func TestWriter_ResponseRoundTrip(t *testing.T) {
	in := ResponseHead{
		Version:    HTTP10,
		StatusCode: 201,
		Reason:     "Created",
		Fields:     []Field{{"Set-Cookie", "a=1"}, {"Set-Cookie", "b=2"}},
	}
	wire := AppendResponseHead(nil, in)
	assert.Equal(t, "HTTP/1.0 201 Created\r\nSet-Cookie: a=1\r\nSet-Cookie: b=2\r\n\r\n", string(wire))

	p := &HeadParser{ParseResponse: true}
	_, done, err := p.Parse(wire)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, in, p.Response())
}

func TestWriter_DefaultReason(t *testing.T) {
	wire := AppendResponseHead(nil, ResponseHead{Version: HTTP11, StatusCode: 417})
	assert.Equal(t, "HTTP/1.1 417 Expectation Failed\r\n\r\n", string(wire))
}

func TestWriter_SanitizesFields(t *testing.T) {
	wire := AppendFields(nil, []Field{
		{"X-Ok", "a\r\nInjected: yes"},
		{"Bad Name", "dropped"},
	})
	assert.Equal(t, "X-Ok: aInjected: yes\r\n", string(wire))
}

func TestWriter_Continue(t *testing.T) {
	assert.Equal(t, "HTTP/1.1 100 Continue\r\n\r\n", string(AppendContinue(nil)))
}
