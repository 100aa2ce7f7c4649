package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowUpToBurst(t *testing.T) {
	l := New(5, 5, time.Second)
	defer l.Stop()

	for i := range 5 {
		if !l.allow("client") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.allow("client") {
		t.Fatal("request over burst should be denied")
	}
}

func TestRefill(t *testing.T) {
	l := New(10, 10, 50*time.Millisecond)
	defer l.Stop()

	for range 10 {
		l.allow("client")
	}
	if l.allow("client") {
		t.Fatal("should be denied after exhaustion")
	}

	time.Sleep(60 * time.Millisecond)

	if !l.allow("client") {
		t.Fatal("should be allowed after refill")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	l := New(1, 1, time.Second)
	defer l.Stop()

	if !l.allow("a") {
		t.Fatal("a should be allowed")
	}
	if l.allow("a") {
		t.Fatal("a should be denied")
	}
	if !l.allow("b") {
		t.Fatal("b has its own bucket")
	}
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	l := New(2, 2, time.Second)
	defer l.Stop()

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := range 2 {
		req := httptest.NewRequest("POST", "/v1/generate", nil)
		req.Header.Set("X-Real-IP", "10.0.0.1")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	req := httptest.NewRequest("POST", "/v1/generate", nil)
	req.Header.Set("X-Real-IP", "10.0.0.1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestEviction(t *testing.T) {
	l := New(1, 1, time.Hour, WithMaxKeys(2))
	defer l.Stop()

	l.allow("a")
	l.allow("b")
	// Third key forces the oldest bucket out.
	l.allow("c")

	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", n)
	}
}
