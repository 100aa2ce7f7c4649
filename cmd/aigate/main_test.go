package main

import "testing"

func TestHealthCheckURL(t *testing.T) {
	cases := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080/healthz"},
		{"0.0.0.0:8080", "http://localhost:8080/healthz"},
		{"[::]:9090", "http://localhost:9090/healthz"},
		{"10.1.2.3:8080", "http://10.1.2.3:8080/healthz"},
		{"myhost:8080", "http://myhost:8080/healthz"},
	}
	for _, c := range cases {
		if got := healthCheckURL(c.addr); got != c.want {
			t.Errorf("healthCheckURL(%q) = %q, want %q", c.addr, got, c.want)
		}
	}
}
