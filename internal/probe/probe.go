// Package probe implements the VM readiness check: a single HTTP GET
// against the VM's health endpoint, used by the staging loop to decide
// when a booting VM becomes available.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Timeout bounds every readiness check. A VM that can't answer within
// this window is treated as not-yet-ready, not as failed.
const Timeout = 1 * time.Second

// DefaultBootAgeBound is the production-mode upper bound, in seconds,
// on how old the boot timestamp reported by a VM may be for the probe
// to still call it ready. 60,000 seconds is about 16.7 hours. The
// figure admits three readings: 60,000 seconds (the one applied here),
// 60 seconds (60,000 ms), or 60 minutes. It is kept verbatim as a named
// constant rather than silently converted, so the behavior it produces
// stays reproducible.
const DefaultBootAgeBound = 60000

// Result is the outcome of a single readiness check.
type Result struct {
	Ready     bool
	BootEpoch int64
}

// URL builds the health-check URL for a VM host. Per the wire contract
// the VM's host string carries its first path segment as a routing
// prefix; the probe replaces that first "/" with "/health" and always
// connects over https.
func URL(host string) string {
	if i := strings.Index(host, "/"); i >= 0 {
		return "https://" + host[:i] + "/health" + host[i+1:]
	}
	return "https://" + host + "/health"
}

// Check performs the readiness probe against host. production gates
// additionally on the reported boot timestamp being within
// DefaultBootAgeBound seconds of now; non-production mode accepts
// any parseable boot timestamp as ready, since local/dev VMs do not
// reliably report fresh clocks.
func Check(ctx context.Context, client *http.Client, host string, production bool, now time.Time) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, URL(host), nil)
	if err != nil {
		return Result{}, fmt.Errorf("probe: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("probe: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("probe: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return Result{}, fmt.Errorf("probe: read body: %w", err)
	}

	epochSeconds, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("probe: parse boot timestamp: %w", err)
	}

	if !production {
		return Result{Ready: true, BootEpoch: epochSeconds}, nil
	}

	age := now.Unix() - epochSeconds
	return Result{Ready: age < DefaultBootAgeBound, BootEpoch: epochSeconds}, nil
}
