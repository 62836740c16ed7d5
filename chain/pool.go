package chain

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/plexfin/fincore/config/params"
)

// ErrNoProviders is returned from an empty pool.
var ErrNoProviders = errors.New("no rpc providers configured")

// Provider is a named chain endpoint.
type Provider struct {
	Name    string
	Backend Backend
}

// SelectionStore persists which provider is active so a failover survives
// restarts and is visible to sibling processes.
type SelectionStore interface {
	ActiveProvider(ctx context.Context) (name string, autoSwitch bool, err error)
	SaveActiveProvider(ctx context.Context, name string) error
}

// ProviderHealth is the per-endpoint result of a pool health check.
type ProviderHealth struct {
	Connected bool
	Block     uint64
	Error     string
	Active    bool
}

// Pool holds an ordered set of chain endpoints and tracks the active one.
// On a failed operation it tries exactly one backup; a successful backup is
// promoted and the selection persisted best-effort.
type Pool struct {
	mu          sync.RWMutex
	order       []string
	providers   map[string]Backend
	active      string
	autoSwitch  bool
	sel         SelectionStore
	lastRefresh time.Time
}

// NewPool builds a pool from the given providers. The first provider starts
// active; sel may be nil when persistence is not wanted.
func NewPool(providers []Provider, sel SelectionStore) (*Pool, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	p := &Pool{
		providers:  make(map[string]Backend, len(providers)),
		sel:        sel,
		autoSwitch: true,
	}
	for _, pr := range providers {
		p.order = append(p.order, pr.Name)
		p.providers[pr.Name] = pr.Backend
	}
	p.active = p.order[0]
	return p, nil
}

// Active returns the current provider. If the active name no longer resolves,
// an arbitrary member is returned instead.
func (p *Pool) Active() (string, Backend) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if b, ok := p.providers[p.active]; ok {
		return p.active, b
	}
	name := p.order[0]
	return name, p.providers[name]
}

// Execute runs op against the active provider, failing over to exactly one
// backup on error. The backup is promoted on success. Callers never observe a
// partial result: either op succeeded against some provider, or an error is
// returned.
func (p *Pool) Execute(ctx context.Context, op func(Backend) error) error {
	activeName, backend := p.Active()
	err := op(backend)
	if err == nil {
		return nil
	}

	p.mu.RLock()
	autoSwitch := p.autoSwitch
	p.mu.RUnlock()
	if !autoSwitch {
		return errors.Wrapf(err, "provider %s failed", activeName)
	}

	backupName, backup := p.backupFor(activeName)
	if backup == nil {
		return errors.Wrapf(err, "provider %s failed and no backup available", activeName)
	}
	log.WithError(err).WithFields(map[string]interface{}{
		"failed": activeName,
		"backup": backupName,
	}).Warn("RPC provider failed, trying backup")
	rpcFailoversTotal.Inc()

	if backupErr := op(backup); backupErr != nil {
		return errors.Wrapf(backupErr, "all providers failed (active %s: %v)", activeName, err)
	}
	p.promote(backupName)
	return nil
}

// backupFor returns the next provider after name in configured order.
func (p *Pool) backupFor(name string) (string, Backend) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.order) < 2 {
		return "", nil
	}
	idx := 0
	for i, n := range p.order {
		if n == name {
			idx = i
			break
		}
	}
	next := p.order[(idx+1)%len(p.order)]
	return next, p.providers[next]
}

// promote makes name the active provider and persists the choice
// asynchronously. Persistence is best-effort: the next settings refresh
// converges either way.
func (p *Pool) promote(name string) {
	p.mu.Lock()
	p.active = name
	sel := p.sel
	p.mu.Unlock()
	log.WithField("provider", name).Info("Promoted backup RPC provider")
	if sel == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sel.SaveActiveProvider(ctx, name); err != nil {
			log.WithError(err).Warn("Could not persist active provider selection")
		}
	}()
}

// Health pings every provider's latest-block call with a bounded timeout.
func (p *Pool) Health(ctx context.Context) map[string]ProviderHealth {
	p.mu.RLock()
	order := append([]string(nil), p.order...)
	active := p.active
	p.mu.RUnlock()

	out := make(map[string]ProviderHealth, len(order))
	for _, name := range order {
		backend := p.providers[name]
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		block, err := backend.BlockNumber(pingCtx)
		cancel()
		h := ProviderHealth{Active: name == active}
		if err != nil {
			h.Error = err.Error()
		} else {
			h.Connected = true
			h.Block = block
		}
		out[name] = h
	}
	return out
}

// RefreshSettings re-reads the persisted provider selection at most once per
// refresh interval.
func (p *Pool) RefreshSettings(ctx context.Context) {
	p.mu.Lock()
	if p.sel == nil || time.Since(p.lastRefresh) < params.FinConfig().SettingsRefresh {
		p.mu.Unlock()
		return
	}
	p.lastRefresh = time.Now()
	sel := p.sel
	p.mu.Unlock()

	name, autoSwitch, err := sel.ActiveProvider(ctx)
	if err != nil {
		log.WithError(err).Warn("Could not refresh provider settings")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoSwitch = autoSwitch
	if name != "" {
		if _, ok := p.providers[name]; ok {
			p.active = name
		}
	}
}
