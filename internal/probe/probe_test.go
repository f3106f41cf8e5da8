package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestURL(t *testing.T) {
	// The first "/" in host is replaced by "/health": the remainder of
	// the host string is the VM's routing suffix and stays appended
	// as-is.
	cases := []struct{ host, want string }{
		{"10.0.0.1/abc123", "https://10.0.0.1/healthabc123"},
		{"10.0.0.1", "https://10.0.0.1/health"},
	}
	for _, c := range cases {
		if got := URL(c.host); got != c.want {
			t.Errorf("URL(%q) = %q, want %q", c.host, got, c.want)
		}
	}
}

func TestCheckDevModeAlwaysReady(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1000")
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	res, err := Check(context.Background(), srv.Client(), host, false, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Ready {
		t.Errorf("dev mode should always report ready on a parseable body")
	}
}

func TestCheckProductionModeAgeGate(t *testing.T) {
	now := time.Now()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%d", now.Add(-18*time.Hour).Unix())
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	res, err := Check(context.Background(), srv.Client(), host, true, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Ready {
		t.Errorf("an 18 hour old boot timestamp must fail the production age gate (bound is %d seconds)", DefaultBootAgeBound)
	}
}

func TestCheckProductionModeWithinBound(t *testing.T) {
	now := time.Now()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%d", now.Add(-2*time.Minute).Unix())
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	res, err := Check(context.Background(), srv.Client(), host, true, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Ready {
		t.Errorf("a 2 minute old boot timestamp must pass the production age gate")
	}
}

func TestCheckNonOKStatus(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	if _, err := Check(context.Background(), srv.Client(), host, false, time.Now()); err == nil {
		t.Errorf("expected error on non-200 status")
	}
}
