package httpx

import "testing"

func TestHeaderCaseInsensitive(t *testing.T) {
	h := Header{}
	h.Add("x-foo", "a")
	h.Add("X-Foo", "b")
	if got := h.Get("X-FOO"); got != "a" {
		t.Fatalf("Get = %q, want %q", got, "a")
	}
	if got := len(h.Values("x-foo")); got != 2 {
		t.Fatalf("len values = %d, want 2", got)
	}
	h.Set("content-type", "text/plain")
	if got := h.Get("Content-Type"); got != "text/plain" {
		t.Fatalf("content-type = %q", got)
	}
	h.Del("x-foo")
	if got := h.Get("X-Foo"); got != "" {
		t.Fatalf("after Del, got %q, want empty", got)
	}
}

func TestHeaderOrderAndDuplicates(t *testing.T) {
	h := Header{}
	h.Add("A", "1")
	h.Add("B", "2")
	h.Add("a", "3")
	h.Add("C", "4")

	h.Set("A", "x")
	want := Header{{"A", "x"}, {"B", "2"}, {"C", "4"}}
	if len(h) != len(want) {
		t.Fatalf("after Set: %v, want %v", h, want)
	}
	for i := range want {
		if h[i] != want[i] {
			t.Fatalf("after Set: field %d = %v, want %v", i, h[i], want[i])
		}
	}

	h.Set("D", "5")
	if h[len(h)-1] != (HeaderField{"D", "5"}) {
		t.Fatalf("new field not appended: %v", h)
	}
}

func TestHeaderHasToken(t *testing.T) {
	h := Header{{"Connection", "Upgrade, Keep-Alive"}, {"connection", "foo"}}
	if !h.HasToken("connection", "keep-alive") {
		t.Fatalf("keep-alive token not found")
	}
	if !h.HasToken("Connection", "FOO") {
		t.Fatalf("token from second field not found")
	}
	if h.HasToken("Connection", "close") {
		t.Fatalf("unexpected close token")
	}
}

func TestHeaderClone(t *testing.T) {
	h := Header{{"A", "1"}}
	c := h.Clone()
	c.Set("A", "2")
	if h.Get("A") != "1" {
		t.Fatalf("clone shares storage with original")
	}
	if Header(nil).Clone() != nil {
		t.Fatalf("clone of nil header is not nil")
	}
}

func TestHeaderCarrier(t *testing.T) {
	h := Header{{"Traceparent", "a"}, {"X", "1"}, {"traceparent", "b"}}
	c := headerCarrier{h: &h}
	if got := c.Get("TRACEPARENT"); got != "a" {
		t.Fatalf("Get = %q", got)
	}
	if keys := c.Keys(); len(keys) != 3 {
		// Keys reports names as stored; case variants are distinct.
		t.Fatalf("Keys = %v", keys)
	}
	c.Set("traceparent", "c")
	if got := h.Values("traceparent"); len(got) != 1 || got[0] != "c" {
		t.Fatalf("after Set values = %v", got)
	}
}
