package httpx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	a := NewRequestWork(NewRequest("GET", "/a", nil))
	b := NewRequestWork(NewRequest("GET", "/b", nil))
	cc, other := &ClientConn{}, &ClientConn{}

	q := NewQueue(a)
	q.attach()
	q.attach()
	require.NoError(t, q.Push(b))
	assert.Equal(t, 2, q.Len())
	assert.Same(t, a, q.poll(cc))
	assert.Same(t, b, q.poll(cc))
	assert.Nil(t, q.poll(cc))
	assert.Contains(t, q.waiters, cc)

	assert.Equal(t, 1, q.detach(cc))
	assert.NotContains(t, q.waiters, cc)
	require.NoError(t, q.Push(a), "queue stays open while a connection serves it")
	assert.Equal(t, 0, q.detach(other))

	left := q.drain()
	assert.Equal(t, []Work{a}, left)
	assert.ErrorIs(t, q.Push(b), ErrConnectionClosed)
	assert.Nil(t, q.poll(cc))
	assert.Empty(t, q.waiters)
}

func TestRequestWork(t *testing.T) {
	req := NewRequest("POST", "/", []byte("x"))
	w := NewRequestWork(req)
	got, err := w.GenerateRequest(context.Background())
	require.NoError(t, err)
	assert.Same(t, req, got)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = w.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	resp := NewResponse(200, nil)
	w.Completed(resp, nil)
	w.Completed(nil, errors.New("ignored"))
	<-w.Done()
	got2, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, resp, got2)
}

func TestWorkFuncs(t *testing.T) {
	_, err := WorkFuncs{}.GenerateRequest(context.Background())
	assert.ErrorIs(t, err, ErrNoRequest)

	var gotErr error
	WorkFuncs{OnComplete: func(_ *Response, err error) { gotErr = err }}.Completed(nil, ErrTimeout)
	assert.ErrorIs(t, gotErr, ErrTimeout)
}
