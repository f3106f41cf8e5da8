// Package controller runs the five concurrent loops that own a pool's
// lifecycle (grow, shrink, staging-check, reconcile, stats) plus the
// reset protocol shared by the public surface and the reconciler.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/vbrowserpool/internal/buffer"
	"github.com/oriys/vbrowserpool/internal/cache"
	"github.com/oriys/vbrowserpool/internal/domain"
	"github.com/oriys/vbrowserpool/internal/logging"
	"github.com/oriys/vbrowserpool/internal/metrics"
	"github.com/oriys/vbrowserpool/internal/observability"
	"github.com/oriys/vbrowserpool/internal/probe"
	"github.com/oriys/vbrowserpool/internal/provider"
	"github.com/oriys/vbrowserpool/internal/store"
)

const (
	growPeriod       = 5 * time.Second
	shrinkPeriod     = 30 * time.Second
	stagingSleep     = 1 * time.Second
	stagingBudget    = 30 * time.Second
	reconcilePeriod  = 5 * time.Minute
	reconcileSpacer  = 2 * time.Second
	statsPeriod      = 10 * time.Second
	heartbeatWindow  = 5 * time.Minute

	giveUpRetries        = 240
	recoveryRetryModulus = 150
	descriptorFetchEvery = 20

	// descriptorCacheTTL bounds how long a fetched provider descriptor
	// may be served from cache before the staging-check loop goes back
	// to the provider, trading a little staleness for fewer describe
	// calls when several controller replicas share a cache.
	descriptorCacheTTL = 5 * time.Second
)

// Store is the subset of store.Store the controller depends on,
// narrowed to an interface so the five loops can be driven by a fake
// in tests.
type Store interface {
	CountByState(ctx context.Context, pool string, state domain.VMState) (int, error)
	InsertStaging(ctx context.Context, pool, vmid string) (int64, error)
	ListByState(ctx context.Context, pool string, state domain.VMState) ([]domain.Record, error)
	IncrementRetries(ctx context.Context, pool, vmid string) (int, error)
	MarkAvailable(ctx context.Context, pool, vmid string, desc *domain.Descriptor) error
	MarkStaging(ctx context.Context, pool, vmid string) error
	Delete(ctx context.Context, pool, vmid string) error
	DeleteOldestEligibleTx(ctx context.Context, tx pgx.Tx, pool string, minSize, uptimeModFloorSeconds int) (string, error)
	WithShrinkLock(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Config fixes one pool's sizing policy.
type Config struct {
	Pool                  string
	Region                string
	Large                 bool
	LimitSize             int // <= 0 means no limit
	MinSize               int
	TagFilter             string
	Production            bool
	UptimeModFloorSeconds int
	RampDown              buffer.Window
	RampUp                buffer.Window
}

// Invalidator publishes a cache-key eviction signal to every other
// replica sharing a descriptor cache, satisfied by
// *cache.CacheInvalidator.
type Invalidator interface {
	PublishInvalidation(ctx context.Context, key string) error
}

// Controller owns the background loops for one pool.
type Controller struct {
	cfg         Config
	store       Store
	provider    provider.Adapter
	client      *http.Client
	descCache   cache.Cache
	invalidator Invalidator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Controller for cfg, backed by st and adapter.
func New(cfg Config, st Store, adapter provider.Adapter) *Controller {
	return &Controller{
		cfg:      cfg,
		store:    st,
		provider: adapter,
		client:   &http.Client{Timeout: probe.Timeout},
	}
}

// SetDescriptorCache wires an optional cache in front of the
// staging-check loop's provider descriptor fetch, cutting describe-API
// calls the way its own throttle (fetch only on the first eligible
// attempt or every 20th thereafter) already does. Passing nil disables
// caching.
func (c *Controller) SetDescriptorCache(ch cache.Cache) {
	c.descCache = ch
}

func (c *Controller) descriptorCacheKey(vmid string) string {
	return c.cfg.Pool + ":" + vmid
}

// SetCacheInvalidator wires a publisher that notifies peer controllers
// sharing a descriptor cache when a VM's entry is no longer valid.
// Passing nil disables cross-instance invalidation.
func (c *Controller) SetCacheInvalidator(inv Invalidator) {
	c.invalidator = inv
}

func (c *Controller) invalidateDescriptor(ctx context.Context, vmid string) {
	if c.invalidator == nil {
		return
	}
	if err := c.invalidator.PublishInvalidation(ctx, c.descriptorCacheKey(vmid)); err != nil {
		logging.Op().Warn("[CACHE] publish invalidation failed", "pool", c.cfg.Pool, "vmid", vmid, "err", err)
	}
}

// Start launches the five loops as goroutines. Calling Start twice
// without an intervening Stop is a programmer error.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	loops := []func(context.Context){
		c.growLoop,
		c.shrinkLoop,
		c.stagingCheckLoop,
		c.reconcileLoop,
		c.statsLoop,
	}
	for _, loop := range loops {
		c.wg.Add(1)
		go func(l func(context.Context)) {
			defer c.wg.Done()
			l(ctx)
		}(loop)
	}
}

// Stop cancels every loop and blocks until all five have returned.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Controller) watermarks() (low, high int) {
	hour := time.Now().UTC().Hour()
	return buffer.Watermarks(c.cfg.LimitSize, hour, c.cfg.RampDown, c.cfg.RampUp)
}

// growLoop launches at most one VM per tick when the pool's
// available+staging count has fallen below the low watermark and the
// pool is not already at its size limit.
func (c *Controller) growLoop(ctx context.Context) {
	ticker := time.NewTicker(growPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.growTick(ctx)
		}
	}
}

func (c *Controller) growTick(ctx context.Context) {
	low, _ := c.watermarks()

	available, err := c.store.CountByState(ctx, c.cfg.Pool, domain.StateAvailable)
	if err != nil {
		logging.Op().Warn("[RESIZE-LAUNCH] count available failed", "pool", c.cfg.Pool, "err", err)
		return
	}
	staging, err := c.store.CountByState(ctx, c.cfg.Pool, domain.StateStaging)
	if err != nil {
		logging.Op().Warn("[RESIZE-LAUNCH] count staging failed", "pool", c.cfg.Pool, "err", err)
		return
	}
	if available+staging >= low {
		return
	}
	if c.cfg.LimitSize > 0 {
		used, err := c.store.CountByState(ctx, c.cfg.Pool, domain.StateUsed)
		if err != nil {
			logging.Op().Warn("[RESIZE-LAUNCH] count used failed", "pool", c.cfg.Pool, "err", err)
			return
		}
		if available+staging+used >= c.cfg.LimitSize {
			return
		}
	}

	name := fmt.Sprintf("%s-%d", c.cfg.Pool, time.Now().UnixNano())
	vmid, err := c.provider.StartVM(ctx, c.cfg.Pool, name, c.cfg.Large, c.cfg.Region)
	if err != nil {
		logging.Op().Warn("[RESIZE-LAUNCH] start vm failed", "pool", c.cfg.Pool, "err", err)
		return
	}
	if _, err := c.store.InsertStaging(ctx, c.cfg.Pool, vmid); err != nil {
		logging.Op().Warn("[RESIZE-LAUNCH] insert staging failed", "pool", c.cfg.Pool, "vmid", vmid, "err", err)
		return
	}
	metrics.Global().RecordLaunch(c.cfg.Pool)
	logging.Op().Info("[RESIZE-LAUNCH] launched vm", "pool", c.cfg.Pool, "vmid", vmid)
}

// shrinkLoop deletes the oldest eligible available VM and terminates
// it on the provider when the pool has more available VMs than the
// high watermark allows.
func (c *Controller) shrinkLoop(ctx context.Context) {
	ticker := time.NewTicker(shrinkPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.shrinkTick(ctx)
		}
	}
}

func (c *Controller) shrinkTick(ctx context.Context) {
	_, high := c.watermarks()

	available, err := c.store.CountByState(ctx, c.cfg.Pool, domain.StateAvailable)
	if err != nil {
		logging.Op().Warn("[RESIZE-UNLAUNCH] count available failed", "pool", c.cfg.Pool, "err", err)
		return
	}
	if available <= high {
		return
	}

	var vmid string
	err = c.store.WithShrinkLock(ctx, func(tx pgx.Tx) error {
		v, err := c.store.DeleteOldestEligibleTx(ctx, tx, c.cfg.Pool, c.cfg.MinSize, c.cfg.UptimeModFloorSeconds)
		if err != nil {
			return err
		}
		vmid = v
		return nil
	})
	if errors.Is(err, store.ErrRecordNotFound) {
		return
	}
	if err != nil {
		logging.Op().Warn("[RESIZE-UNLAUNCH] delete oldest eligible failed", "pool", c.cfg.Pool, "err", err)
		return
	}

	if err := c.provider.TerminateVM(ctx, vmid); err != nil {
		logging.Op().Warn("[TERMINATE] terminate vm failed", "pool", c.cfg.Pool, "vmid", vmid, "err", err)
		return
	}
	c.invalidateDescriptor(ctx, vmid)
	logging.Op().Info("[RESIZE-UNLAUNCH] decommissioned vm", "pool", c.cfg.Pool, "vmid", vmid)
}

// stagingCheckLoop runs continuously: each pass fans out one goroutine
// per staging row, bounded by stagingBudget, then sleeps stagingSleep
// before the next pass.
func (c *Controller) stagingCheckLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.stagingPass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(stagingSleep):
		}
	}
}

func (c *Controller) stagingPass(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, stagingBudget)
	defer cancel()

	rows, err := c.store.ListByState(passCtx, c.cfg.Pool, domain.StateStaging)
	if err != nil {
		logging.Op().Warn("[CHECKSTAGING] list staging failed", "pool", c.cfg.Pool, "err", err)
		return
	}

	g, gctx := errgroup.WithContext(passCtx)
	for _, rec := range rows {
		rec := rec
		g.Go(func() error {
			c.checkOneStaging(gctx, rec)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Controller) checkOneStaging(ctx context.Context, rec domain.Record) {
	retries, err := c.store.IncrementRetries(ctx, c.cfg.Pool, rec.VMID)
	if err != nil {
		logging.Op().Warn("[CHECKSTAGING] increment retries failed", "pool", c.cfg.Pool, "vmid", rec.VMID, "err", err)
		return
	}

	minRetries := c.provider.MinRetries()
	if retries < minRetries {
		return
	}

	desc := rec.Data
	if retries == minRetries+1 || retries%descriptorFetchEvery == 0 {
		d, err := c.getVMCached(ctx, rec.VMID)
		if errors.Is(err, provider.ErrNotFound) {
			if delErr := c.store.Delete(ctx, c.cfg.Pool, rec.VMID); delErr != nil {
				logging.Op().Warn("[CHECKSTAGING] delete gone vm failed", "pool", c.cfg.Pool, "vmid", rec.VMID, "err", delErr)
			}
			metrics.Global().PushStageFail(c.cfg.Pool, rec.VMID)
			return
		}
		if err != nil {
			logging.Op().Warn("[CHECKSTAGING] get vm failed", "pool", c.cfg.Pool, "vmid", rec.VMID, "err", err)
			return
		}
		if d != nil && d.Host != "" {
			desc = d
		}
	}

	if desc == nil || desc.Host == "" {
		c.maybeRecover(ctx, rec.VMID, retries)
		return
	}

	res, err := probe.Check(ctx, c.client, desc.Host, c.cfg.Production, time.Now())
	if err != nil || !res.Ready {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		logging.GetProbeCaptureStore().Store(c.cfg.Pool, rec.VMID, desc.Host, "", errMsg, retries)
		c.giveUpOrRecover(ctx, rec.VMID, retries)
		return
	}

	if err := c.store.MarkAvailable(ctx, c.cfg.Pool, rec.VMID, desc); err != nil {
		logging.Op().Warn("[CHECKSTAGING] mark available failed", "pool", c.cfg.Pool, "vmid", rec.VMID, "err", err)
		return
	}
	metrics.Global().PushStageRetries(c.cfg.Pool, retries)
	logging.Op().Info("[CHECKSTAGING] vm ready", "pool", c.cfg.Pool, "vmid", rec.VMID, "retries", retries)
}

// getVMCached serves a descriptor fetch from descCache when present and
// falls through to the provider on miss, repopulating the cache. With no
// cache wired it calls the provider directly.
func (c *Controller) getVMCached(ctx context.Context, vmid string) (*domain.Descriptor, error) {
	if c.descCache == nil {
		return c.provider.GetVM(ctx, vmid)
	}

	key := c.descriptorCacheKey(vmid)
	if raw, err := c.descCache.Get(ctx, key); err == nil {
		var desc domain.Descriptor
		if jsonErr := json.Unmarshal(raw, &desc); jsonErr == nil {
			return &desc, nil
		}
	}

	d, err := c.provider.GetVM(ctx, vmid)
	if err != nil {
		return nil, err
	}
	if d != nil {
		if raw, jsonErr := json.Marshal(d); jsonErr == nil {
			_ = c.descCache.Set(ctx, key, raw, descriptorCacheTTL)
		}
	}
	return d, nil
}

func (c *Controller) giveUpOrRecover(ctx context.Context, vmid string, retries int) {
	if retries >= giveUpRetries {
		metrics.Global().PushStageFail(c.cfg.Pool, vmid)
		logging.Op().Warn("[CHECKSTAGING] giving up on vm", "pool", c.cfg.Pool, "vmid", vmid, "retries", retries)
		c.ResetVM(ctx, vmid, "")
		return
	}
	c.maybeRecover(ctx, vmid, retries)
}

func (c *Controller) maybeRecover(ctx context.Context, vmid string, retries int) {
	if retries%recoveryRetryModulus != 0 {
		return
	}
	if err := c.provider.PowerOn(ctx, vmid); err != nil {
		logging.Op().Warn("[CHECKSTAGING] power on failed", "pool", c.cfg.Pool, "vmid", vmid, "err", err)
	}
	if err := c.provider.AttachToNetwork(ctx, vmid); err != nil {
		logging.Op().Warn("[CHECKSTAGING] attach to network failed", "pool", c.cfg.Pool, "vmid", vmid, "err", err)
	}
}

// reconcileLoop compares the provider's tagged VM list against the
// store's keep-set and resets anything orphaned.
func (c *Controller) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcilePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcileTick(ctx)
		}
	}
}

func (c *Controller) reconcileTick(ctx context.Context) {
	descriptors, err := c.provider.ListVMs(ctx, c.cfg.TagFilter)
	if err != nil {
		logging.Op().Warn("[CLEANUP] list vms failed", "pool", c.cfg.Pool, "err", err)
		return
	}

	keep, err := c.keepSet(ctx)
	if err != nil {
		logging.Op().Warn("[CLEANUP] build keep set failed", "pool", c.cfg.Pool, "err", err)
		return
	}

	for _, d := range descriptors {
		if keep[d.ID] {
			continue
		}
		c.ResetVM(ctx, d.ID, "")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconcileSpacer):
		}
	}
}

func (c *Controller) keepSet(ctx context.Context) (map[string]bool, error) {
	keep := make(map[string]bool)
	for _, state := range []domain.VMState{domain.StateStaging, domain.StateAvailable} {
		rows, err := c.store.ListByState(ctx, c.cfg.Pool, state)
		if err != nil {
			return nil, err
		}
		for _, rec := range rows {
			keep[rec.VMID] = true
		}
	}
	usedRows, err := c.store.ListByState(ctx, c.cfg.Pool, domain.StateUsed)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-heartbeatWindow)
	for _, rec := range usedRows {
		if rec.HeartbeatTime != nil && rec.HeartbeatTime.After(cutoff) {
			keep[rec.VMID] = true
		}
	}
	return keep, nil
}

// statsLoop emits sizing gauges for observability.
func (c *Controller) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.statsTick(ctx)
		}
	}
}

func (c *Controller) statsTick(ctx context.Context) {
	available, err := c.store.CountByState(ctx, c.cfg.Pool, domain.StateAvailable)
	if err != nil {
		logging.Op().Warn("[STATS] count available failed", "pool", c.cfg.Pool, "err", err)
		return
	}
	staging, err := c.store.CountByState(ctx, c.cfg.Pool, domain.StateStaging)
	if err != nil {
		logging.Op().Warn("[STATS] count staging failed", "pool", c.cfg.Pool, "err", err)
		return
	}
	used, err := c.store.CountByState(ctx, c.cfg.Pool, domain.StateUsed)
	if err != nil {
		logging.Op().Warn("[STATS] count used failed", "pool", c.cfg.Pool, "err", err)
		return
	}
	low, high := c.watermarks()
	currentSize := available + staging + used
	metrics.Global().SetStats(c.cfg.Pool, currentSize, available, staging, low, high)
	logging.Op().Info("[STATS] pool snapshot", "pool", c.cfg.Pool, "current_size", currentSize,
		"available", available, "staging", staging, "low", low, "high", high)
}

// ResetVM implements the reset protocol: verify the lessee if uid is
// supplied, reboot the underlying VM, and return the record to
// staging. If no record exists it terminates the VM directly to avoid
// a leak.
func (c *Controller) ResetVM(ctx context.Context, vmid string, uid string) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "vbrowserpool.reset",
		observability.AttrPoolID.String(c.cfg.Pool),
		observability.AttrVMID.String(vmid),
	)
	defer span.End()

	logResult := func(success bool, errMsg string) {
		logging.Default().Log(&logging.AssignmentLog{
			Prefix: "[RESET]", Pool: c.cfg.Pool, VMID: vmid, UID: uid,
			DurationMs: time.Since(start).Milliseconds(), Success: success, Error: errMsg,
		})
	}

	if uid != "" {
		rows, err := c.store.ListByState(ctx, c.cfg.Pool, domain.StateUsed)
		if err != nil {
			logging.Op().Warn("[RESET] list used failed", "pool", c.cfg.Pool, "vmid", vmid, "err", err)
			observability.SetSpanError(span, err)
			logResult(false, err.Error())
			return
		}
		for _, rec := range rows {
			if rec.VMID == vmid && rec.UID != nil && *rec.UID != uid {
				logging.Op().Info("[RESET] lessee mismatch, ignoring", "pool", c.cfg.Pool, "vmid", vmid)
				observability.SetSpanOK(span)
				logResult(false, "lessee mismatch")
				return
			}
		}
	}

	if err := c.provider.RebootVM(ctx, vmid); err != nil {
		logging.Op().Warn("[RESET] reboot failed", "pool", c.cfg.Pool, "vmid", vmid, "err", err)
	}

	if err := c.store.MarkStaging(ctx, c.cfg.Pool, vmid); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			if termErr := c.provider.TerminateVM(ctx, vmid); termErr != nil {
				logging.Op().Warn("[RESET] terminate orphan failed", "pool", c.cfg.Pool, "vmid", vmid, "err", termErr)
				observability.SetSpanError(span, termErr)
				logResult(false, termErr.Error())
				return
			}
			logging.Op().Info("[TERMINATE] terminated orphan vm", "pool", c.cfg.Pool, "vmid", vmid)
			c.invalidateDescriptor(ctx, vmid)
			observability.SetSpanOK(span)
			logResult(true, "")
			return
		}
		logging.Op().Warn("[RESET] mark staging failed", "pool", c.cfg.Pool, "vmid", vmid, "err", err)
		observability.SetSpanError(span, err)
		logResult(false, err.Error())
		return
	}
	c.invalidateDescriptor(ctx, vmid)
	logging.Op().Info("[RESET] vm reset to staging", "pool", c.cfg.Pool, "vmid", vmid)
	observability.SetSpanOK(span)
	logResult(true, "")
}
