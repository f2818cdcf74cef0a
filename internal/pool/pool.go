// Package pool shares authenticated Azure DevOps connections across
// concurrent display actions, with reference counting, idle reclamation and
// profile-change invalidation.
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devdeck-tools/azdoconn/internal/azdo"
	"github.com/devdeck-tools/azdoconn/internal/errs"
	"github.com/devdeck-tools/azdoconn/internal/model"
	"github.com/devdeck-tools/azdoconn/internal/profile"
)

const (
	defaultSweepInterval = time.Minute
	defaultIdleTimeout   = 5 * time.Minute
)

// entry is one pooled connection. A pending entry (connected == false,
// ready still open) is visible to concurrent acquirers so the same key never
// connects twice in flight.
type entry struct {
	key      string
	client   azdo.Client
	refCount int
	lastUsed time.Time

	ready     chan struct{} // closed once the connect attempt settles
	connected bool
	err       error
}

// Pool maps connection identities to live, shared client handles. It
// subscribes to the profile store so edits and deletions immediately
// invalidate the affected pooled connection.
type Pool struct {
	profiles *profile.Store
	factory  azdo.Factory
	log      *zap.Logger

	sweepInterval time.Duration
	idleTimeout   time.Duration

	mu           sync.Mutex
	entries      map[string]*entry
	sweepStop    chan struct{}
	sweepRunning bool
	closed       bool

	unsubscribe func()
}

// Option tunes pool construction.
type Option func(*Pool)

// WithSweepInterval sets how often the idle sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pool) { p.sweepInterval = d }
}

// WithIdleTimeout sets how long an unreferenced entry may idle before the
// sweep disconnects it.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) { p.idleTimeout = d }
}

// New constructs a Pool and subscribes it to the store's change bus.
func New(profiles *profile.Store, factory azdo.Factory, log *zap.Logger, opts ...Option) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		profiles:      profiles,
		factory:       factory,
		log:           log,
		sweepInterval: defaultSweepInterval,
		idleTimeout:   defaultIdleTimeout,
		entries:       make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.unsubscribe = profiles.OnProfileChange(p.onProfileChange)
	return p
}

// onProfileChange drops the pooled connection for an edited or removed
// profile. The next acquire transparently reconnects with fresh credentials.
func (p *Pool) onProfileChange(ev model.ProfileChangeEvent) {
	switch ev.Type {
	case model.ChangeUpdated, model.ChangeDeleted:
		p.InvalidateProfile(ev.ProfileID)
	}
}

// legacyKey derives the pool key for raw connection fields. The PAT is
// hashed so the key never embeds the secret.
func legacyKey(cfg model.ConnectionConfig) string {
	sum := sha256.Sum256([]byte(cfg.PersonalAccessToken))
	return fmt.Sprintf("%s|%s|%s",
		azdo.NormalizeOrgURL(cfg.OrganizationURL), cfg.ProjectName, hex.EncodeToString(sum[:8]))
}

func profileKey(id string) string { return "profile:" + id }

// Get returns a shared handle for the raw connection config, connecting on
// first use.
func (p *Pool) Get(ctx context.Context, cfg model.ConnectionConfig) (azdo.Client, error) {
	return p.acquire(ctx, legacyKey(cfg), func() (model.ConnectionConfig, error) {
		return cfg, nil
	})
}

// GetByProfile returns a shared handle for a stored profile. The decrypted
// config is resolved through the profile store on every miss; the pool caches
// connections, not credentials.
func (p *Pool) GetByProfile(ctx context.Context, profileID string) (azdo.Client, error) {
	return p.acquire(ctx, profileKey(profileID), func() (model.ConnectionConfig, error) {
		cfg, err := p.profiles.GetDecryptedConfig(profileID)
		if err != nil {
			return model.ConnectionConfig{}, err
		}
		return *cfg, nil
	})
}

// acquire implements hit (refcount++, no connect, no liveness probe — a stale
// handle is the client's own concern) and miss (pending entry inserted before
// any blocking call, so racing acquirers coalesce onto one connect attempt).
func (p *Pool) acquire(ctx context.Context, key string, resolve func() (model.ConnectionConfig, error)) (azdo.Client, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errs.ErrPoolClosed
		}

		if e, ok := p.entries[key]; ok {
			p.mu.Unlock()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.err != nil {
				// The creator already removed the entry; share its error.
				return nil, e.err
			}
			p.mu.Lock()
			cur, ok := p.entries[key]
			if !ok || cur != e {
				// Invalidated between settle and reacquire; start over.
				p.mu.Unlock()
				continue
			}
			cur.refCount++
			cur.lastUsed = time.Now()
			p.mu.Unlock()
			return cur.client, nil
		}

		e := &entry{key: key, ready: make(chan struct{})}
		p.entries[key] = e
		p.startSweepLocked()
		p.mu.Unlock()

		client, err := p.connect(ctx, resolve)

		p.mu.Lock()
		if err != nil {
			// A failed attempt is never stored.
			if cur, ok := p.entries[key]; ok && cur == e {
				delete(p.entries, key)
			}
			p.stopSweepIfEmptyLocked()
			e.err = err
			close(e.ready)
			p.mu.Unlock()
			return nil, err
		}
		if cur, ok := p.entries[key]; p.closed || !ok || cur != e {
			// Shut down or invalidated while connecting: this handle must
			// not be pooled. Waiters see a nil error and a missing entry,
			// and retry just like we do.
			closed := p.closed
			close(e.ready)
			p.mu.Unlock()
			_ = client.Disconnect(ctx)
			if closed {
				return nil, errs.ErrPoolClosed
			}
			continue
		}
		e.client = client
		e.connected = true
		e.refCount = 1
		e.lastUsed = time.Now()
		close(e.ready)
		p.mu.Unlock()

		p.log.Debug("connection established", zap.String("key", key))
		return client, nil
	}
}

func (p *Pool) connect(ctx context.Context, resolve func() (model.ConnectionConfig, error)) (azdo.Client, error) {
	cfg, err := resolve()
	if err != nil {
		return nil, err
	}
	client := p.factory(cfg)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Release drops one reference for the raw-config identity. It never
// disconnects synchronously; reclamation belongs to the idle sweep, so a
// rapid release-then-reacquire reuses the open handle.
func (p *Pool) Release(cfg model.ConnectionConfig) {
	p.release(legacyKey(cfg))
}

// ReleaseByProfile drops one reference for a profile-keyed connection.
func (p *Pool) ReleaseByProfile(profileID string) {
	p.release(profileKey(profileID))
}

func (p *Pool) release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		// Legitimate when the sweep evicted the entry between use and release.
		p.log.Debug("release of unknown connection", zap.String("key", key))
		return
	}
	if e.refCount <= 0 {
		p.log.Warn("release below zero refcount, clamping", zap.String("key", key))
		e.refCount = 0
	} else {
		e.refCount--
	}
	e.lastUsed = time.Now()
}

// InvalidateProfile unconditionally disconnects and removes the profile's
// pooled entry regardless of reference count. Idempotent against the sweep
// racing on the same key.
func (p *Pool) InvalidateProfile(profileID string) {
	key := profileKey(profileID)

	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
		p.stopSweepIfEmptyLocked()
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.disconnectEntry(e)
	p.log.Info("invalidated pooled connection", zap.String("profile", profileID))
}

// ForceRelease disconnects and removes the entry for a raw config regardless
// of reference count.
func (p *Pool) ForceRelease(cfg model.ConnectionConfig) {
	key := legacyKey(cfg)

	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
		p.stopSweepIfEmptyLocked()
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.disconnectEntry(e)
}

// Shutdown disconnects everything and stops the sweep, awaiting all
// underlying disconnects. The pool rejects new acquisitions afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	drained := make([]*entry, 0, len(p.entries))
	for key, e := range p.entries {
		drained = append(drained, e)
		delete(p.entries, key)
	}
	if p.sweepRunning {
		close(p.sweepStop)
		p.sweepRunning = false
	}
	p.mu.Unlock()

	var errsAll []error
	for _, e := range drained {
		if !e.connected {
			continue
		}
		if err := e.client.Disconnect(ctx); err != nil {
			errsAll = append(errsAll, fmt.Errorf("disconnect %s: %w", e.key, err))
		}
	}
	p.log.Info("connection pool shut down", zap.Int("disconnected", len(drained)))
	return errors.Join(errsAll...)
}

// Close unsubscribes from the profile store and shuts the pool down.
func (p *Pool) Close(ctx context.Context) error {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	return p.Shutdown(ctx)
}

// Stats returns a read-only snapshot of entry counts.
func (p *Pool) Stats() model.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := model.PoolStats{Total: len(p.entries)}
	for _, e := range p.entries {
		// A pending entry has a caller blocked on its connect; it is not idle.
		if e.refCount > 0 || !e.connected {
			stats.Active++
		} else {
			stats.Idle++
		}
	}
	return stats
}

func (p *Pool) disconnectEntry(e *entry) {
	if !e.connected {
		return
	}
	if err := e.client.Disconnect(context.Background()); err != nil {
		p.log.Warn("disconnect failed", zap.String("key", e.key), zap.Error(err))
	}
}

// startSweepLocked lazily starts the sweep goroutine on first insertion.
// Caller holds p.mu.
func (p *Pool) startSweepLocked() {
	if p.sweepRunning {
		return
	}
	p.sweepRunning = true
	p.sweepStop = make(chan struct{})
	go p.sweepLoop(p.sweepStop)
}

// stopSweepIfEmptyLocked stops the sweep once the pool drains, so an idle
// process with no connections holds no timer. Caller holds p.mu.
func (p *Pool) stopSweepIfEmptyLocked() {
	if p.sweepRunning && len(p.entries) == 0 {
		close(p.sweepStop)
		p.sweepRunning = false
	}
}

func (p *Pool) sweepLoop(stop chan struct{}) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-stop:
			return
		}
	}
}

// sweep evicts entries that are unreferenced and idle beyond the timeout.
// Pending entries are skipped: their connect attempt hasn't settled.
func (p *Pool) sweep() {
	now := time.Now()

	p.mu.Lock()
	var evicted []*entry
	for key, e := range p.entries {
		if !e.connected || e.refCount > 0 {
			continue
		}
		if now.Sub(e.lastUsed) <= p.idleTimeout {
			continue
		}
		delete(p.entries, key)
		evicted = append(evicted, e)
	}
	p.stopSweepIfEmptyLocked()
	p.mu.Unlock()

	for _, e := range evicted {
		p.disconnectEntry(e)
		p.log.Debug("swept idle connection", zap.String("key", e.key))
	}
}
