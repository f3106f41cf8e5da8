package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProbeCapture stores the last readiness-probe failure observed for a
// staging VM: the raw response body (or transport error) that made it
// not-ready, kept around as a diagnostic anchor for operators chasing a
// vmid that never comes up.
type ProbeCapture struct {
	Pool      string    `json:"pool"`
	VMID      string    `json:"vmid"`
	Host      string    `json:"host"`
	Body      string    `json:"body,omitempty"`
	Err       string    `json:"err,omitempty"`
	Retries   int       `json:"retries"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ProbeCaptureStore manages readiness-probe failure capture with TTL
// cleanup, keyed by vmid.
type ProbeCaptureStore struct {
	mu         sync.RWMutex
	storageDir string
	maxSize    int64
	retentionS int
	entries    map[string]*ProbeCapture // vmid -> capture
}

var globalProbeCaptureStore *ProbeCaptureStore

// InitProbeCaptureStore initializes the global probe-capture store.
func InitProbeCaptureStore(storageDir string, maxSize int64, retentionS int) error {
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return err
	}

	globalProbeCaptureStore = &ProbeCaptureStore{
		storageDir: storageDir,
		maxSize:    maxSize,
		retentionS: retentionS,
		entries:    make(map[string]*ProbeCapture),
	}

	go globalProbeCaptureStore.cleanupLoop()

	return nil
}

// GetProbeCaptureStore returns the global probe-capture store. It is nil
// until InitProbeCaptureStore is called; callers must guard against that
// when capture is optional (e.g. in tests).
func GetProbeCaptureStore() *ProbeCaptureStore {
	return globalProbeCaptureStore
}

// Store saves a probe failure for vmid, truncating an oversized body.
func (s *ProbeCaptureStore) Store(pool, vmid, host, body, errMsg string, retries int) {
	if s == nil {
		return
	}

	if s.maxSize > 0 && int64(len(body)) > s.maxSize {
		body = body[:s.maxSize] + "...[truncated]"
	}

	entry := &ProbeCapture{
		Pool:      pool,
		VMID:      vmid,
		Host:      host,
		Body:      body,
		Err:       errMsg,
		Retries:   retries,
		Timestamp: time.Now(),
		ExpiresAt: time.Now().Add(time.Duration(s.retentionS) * time.Second),
	}

	s.mu.Lock()
	s.entries[vmid] = entry
	s.mu.Unlock()

	s.persistEntry(entry)
}

// Get retrieves the last capture for vmid.
func (s *ProbeCaptureStore) Get(vmid string) (*ProbeCapture, bool) {
	if s == nil {
		return nil, false
	}

	s.mu.RLock()
	entry, ok := s.entries[vmid]
	s.mu.RUnlock()

	if ok {
		return entry, true
	}

	return s.loadEntry(vmid)
}

// GetByPool returns up to limit captures for a pool, most recent first.
func (s *ProbeCaptureStore) GetByPool(pool string, limit int) []*ProbeCapture {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*ProbeCapture
	for _, entry := range s.entries {
		if entry.Pool == pool && time.Now().Before(entry.ExpiresAt) {
			results = append(results, entry)
		}
	}

	for i := 0; i < len(results)-1; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Timestamp.After(results[i].Timestamp) {
				results[i], results[j] = results[j], results[i]
			}
		}
	}

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results
}

func (s *ProbeCaptureStore) persistEntry(entry *ProbeCapture) {
	path := filepath.Join(s.storageDir, entry.VMID+".json")
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0644)
}

func (s *ProbeCaptureStore) loadEntry(vmid string) (*ProbeCapture, bool) {
	path := filepath.Join(s.storageDir, vmid+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var entry ProbeCapture
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		os.Remove(path)
		return nil, false
	}

	s.mu.Lock()
	s.entries[vmid] = &entry
	s.mu.Unlock()

	return &entry, true
}

func (s *ProbeCaptureStore) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.cleanup()
	}
}

func (s *ProbeCaptureStore) cleanup() {
	now := time.Now()

	s.mu.Lock()
	for id, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.storageDir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.storageDir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}

		if now.Sub(info.ModTime()) > time.Duration(s.retentionS)*time.Second {
			os.Remove(path)
		}
	}
}
