// Package metrics collects and exposes pool controller observability
// data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct, holding per-pool bounded ring
//     buffers (capped at 25 samples) for the lightweight JSON /stats
//     endpoint used by operational tooling.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both lets a single controller process be inspected directly
// without a Prometheus sidecar while still feeding enterprise
// monitoring stacks.
//
// # Concurrency
//
// Every push/increment is called from the staging-check and assignment
// hot paths and must not block on I/O; each ring buffer is guarded by
// its own mutex and the counters and gauges are atomics, so no
// process-wide lock is taken.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ringCap is the bounded sample size for every ring-buffer metric: the
// most recent 25 observations, matching the cap-25 lists named in the
// pool controller's metrics contract.
const ringCap = 25

// ring is a fixed-capacity FIFO of the most recent int64 samples.
type ring struct {
	mu      sync.Mutex
	samples []int64
}

func (r *ring) push(v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, v)
	if len(r.samples) > ringCap {
		r.samples = r.samples[len(r.samples)-ringCap:]
	}
}

func (r *ring) values() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.samples))
	copy(out, r.samples)
	return out
}

// stringRing is a fixed-capacity FIFO of the most recent string
// samples, used where the interesting sample is an identifier (the
// vmids given up on in staging) rather than a number.
type stringRing struct {
	mu      sync.Mutex
	samples []string
}

func (r *stringRing) push(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, v)
	if len(r.samples) > ringCap {
		r.samples = r.samples[len(r.samples)-ringCap:]
	}
}

func (r *stringRing) values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.samples))
	copy(out, r.samples)
	return out
}

// PoolMetrics holds the observability counters and bounded samples for
// a single pool.
type PoolMetrics struct {
	startMS      ring
	stageRetries ring
	stageFails   stringRing

	launches      atomic.Int64
	stagingFails  atomic.Int64
	leaseFailures atomic.Int64

	currentSize atomic.Int64
	available   atomic.Int64
	staging     atomic.Int64
	lowWater    atomic.Int64
	highWater   atomic.Int64
}

// Metrics is the process-wide metrics registry, keyed by pool id.
type Metrics struct {
	pools     sync.Map // pool -> *PoolMetrics
	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

// Global returns the process-wide metrics instance.
func Global() *Metrics { return global }

// StartTime returns when the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

func (m *Metrics) pool(poolID string) *PoolMetrics {
	if v, ok := m.pools.Load(poolID); ok {
		return v.(*PoolMetrics)
	}
	pm := &PoolMetrics{}
	actual, _ := m.pools.LoadOrStore(poolID, pm)
	return actual.(*PoolMetrics)
}

// PushStartMS records an assignment lease latency sample, in
// milliseconds, for poolID: the ring backing vBrowserStartMS.
func (m *Metrics) PushStartMS(poolID string, ms int64) {
	m.pool(poolID).startMS.push(ms)
	RecordPrometheusLeaseLatency(poolID, ms)
}

// PushStageRetries records the retry count at the moment a staging VM
// became ready: the ring backing vBrowserStageRetries.
func (m *Metrics) PushStageRetries(poolID string, retries int) {
	m.pool(poolID).stageRetries.push(int64(retries))
}

// PushStageFail records the vmid of a staging VM that was given up
// on or found gone at the provider, the ring backing
// vBrowserStageFails, and increments the failure counter.
func (m *Metrics) PushStageFail(poolID, vmid string) {
	pm := m.pool(poolID)
	pm.stageFails.push(vmid)
	pm.stagingFails.Add(1)
	RecordPrometheusStagingFailure(poolID)
}

// RecordLaunch increments the launch counter for poolID.
func (m *Metrics) RecordLaunch(poolID string) {
	m.pool(poolID).launches.Add(1)
	RecordPrometheusLaunch(poolID)
}

// RecordLeaseFailure increments the count of assignment attempts that
// gave up because the room was no longer queued.
func (m *Metrics) RecordLeaseFailure(poolID string) {
	m.pool(poolID).leaseFailures.Add(1)
}

// SetStats updates the gauge-style pool sizing figures emitted by the
// stats loop.
func (m *Metrics) SetStats(poolID string, currentSize, available, staging, low, high int) {
	pm := m.pool(poolID)
	pm.currentSize.Store(int64(currentSize))
	pm.available.Store(int64(available))
	pm.staging.Store(int64(staging))
	pm.lowWater.Store(int64(low))
	pm.highWater.Store(int64(high))
	RecordPrometheusPoolStats(poolID, currentSize, available, staging, low, high)
}

// Snapshot returns a point-in-time view of every pool's metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	pools := make(map[string]interface{})
	m.pools.Range(func(key, value interface{}) bool {
		poolID := key.(string)
		pm := value.(*PoolMetrics)
		pools[poolID] = map[string]interface{}{
			"vm_browser_start_ms":       pm.startMS.values(),
			"vm_browser_stage_retries":  pm.stageRetries.values(),
			"vm_browser_stage_fails":    pm.stageFails.values(),
			"vm_browser_launches":       pm.launches.Load(),
			"vm_browser_staging_fails":  pm.stagingFails.Load(),
			"vm_browser_lease_failures": pm.leaseFailures.Load(),
			"current_size":              pm.currentSize.Load(),
			"available":                 pm.available.Load(),
			"staging":                   pm.staging.Load(),
			"low_watermark":             pm.lowWater.Load(),
			"high_watermark":            pm.highWater.Load(),
		}
		return true
	})
	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"pools":          pools,
	}
}

// JSONHandler exposes Snapshot over HTTP for operational tooling.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
