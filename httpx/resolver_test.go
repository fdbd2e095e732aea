package httpx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type namedHandler struct {
	HandlerFuncs
	name string
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	for _, p := range []string{"*", "/api/*", "/api/v1/*", "*.txt", "/exact"} {
		reg.Register(p, &namedHandler{name: p})
	}

	testCases := []struct {
		target string
		want   string
	}{
		{"/exact", "/exact"},
		{"/exact?q=1", "/exact"},
		{"/api/users", "/api/*"},
		{"/api/v1/users", "/api/v1/*"},
		{"/docs/readme.txt", "*.txt"},
		{"/api/v1/notes.txt", "/api/v1/*"},
		{"/other", "*"},
		{"http://example.com/exact", "/exact"},
	}
	for _, tc := range testCases {
		t.Run(tc.target, func(t *testing.T) {
			h := reg.Lookup(tc.target)
			if !assert.NotNil(t, h) {
				return
			}
			assert.Equal(t, tc.want, h.(*namedHandler).name)
		})
	}

	t.Run("unregister falls back to shorter pattern", func(t *testing.T) {
		reg.Unregister("/api/v1/*")
		assert.Equal(t, "/api/*", reg.Lookup("/api/v1/users").(*namedHandler).name)
	})

	t.Run("no match", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register("/a", &namedHandler{name: "/a"})
		assert.Nil(t, reg.Lookup("/b"))
	})

	t.Run("equal length patterns break ties lexically", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register("/ab*", &namedHandler{name: "/ab*"})
		reg.Register("*abc", &namedHandler{name: "*abc"})
		assert.Equal(t, "*abc", reg.Lookup("/abc").(*namedHandler).name)
	})
}

func TestResolverFunc(t *testing.T) {
	h := &namedHandler{name: "f"}
	r := ResolverFunc(func(target string) Handler {
		if target == "/f" {
			return h
		}
		return nil
	})
	assert.Same(t, h, r.Lookup("/f"))
	assert.Nil(t, r.Lookup("/g"))
}
