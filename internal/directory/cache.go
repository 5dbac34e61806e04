package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agritrace-io/ledger-service/internal/kv"
	"github.com/agritrace-io/ledger-service/internal/model"
)

// ErrIdentityNotFound is the normal miss outcome for every lookup.
var ErrIdentityNotFound = errors.New("identity not found")

// State is the cache lifecycle. Failed is only entered after the bootstrap
// retries are exhausted; a Failed cache still serves lookups by reading the
// store directly.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "uninitialized"
}

const (
	identityPrefix = "identity:"
	emailPrefix    = "identity-email:"
	externalPrefix = "identity-external:"
	walletPrefix   = "identity-wallet:"

	// Never written. A NotFound on this key proves the store is live.
	probeKey = "identity:__probe__"
)

func identityKey(id string) string { return identityPrefix + id }

// Cache mirrors every IdentityRecord in memory with alternate-key lookup
// maps. The store remains authoritative: writes go through to it first, and
// a mirror hit that the store cannot confirm is evicted, not trusted.
type Cache struct {
	store     kv.Store
	log       *zap.SugaredLogger
	attempts  int
	baseDelay time.Duration

	mu         sync.RWMutex
	state      State
	byID       map[string]*model.IdentityRecord
	byEmail    map[string]string
	byExternal map[string]string
	byWallet   map[string]string

	// Single in-flight bootstrap guard: late callers wait on bootDone for
	// the run already underway instead of starting a second one.
	booting  bool
	bootDone chan struct{}
}

// NewCache builds an Uninitialized cache. attempts and baseDelay bound the
// bootstrap's exponential backoff.
func NewCache(store kv.Store, attempts int, baseDelay time.Duration, log *zap.SugaredLogger) *Cache {
	if attempts < 1 {
		attempts = 1
	}
	return &Cache{
		store:      store,
		log:        log,
		attempts:   attempts,
		baseDelay:  baseDelay,
		byID:       make(map[string]*model.IdentityRecord),
		byEmail:    make(map[string]string),
		byExternal: make(map[string]string),
		byWallet:   make(map[string]string),
	}
}

// State reports the current lifecycle state.
func (c *Cache) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Bootstrap probes the store with bounded exponential backoff, then loads
// every identity into the mirror and rewrites its alternate-key indices;
// the rewrite doubles as an index self-heal on every restart. Concurrent
// callers share a single in-flight run. On exhausted retries the cache
// enters Failed and every lookup degrades to a direct store read.
func (c *Cache) Bootstrap(ctx context.Context) error {
	c.mu.Lock()
	if c.booting {
		done := c.bootDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if c.State() == Ready {
			return nil
		}
		return fmt.Errorf("directory bootstrap: %w", kv.ErrUnavailable)
	}
	c.booting = true
	c.bootDone = make(chan struct{})
	c.state = Initializing
	done := c.bootDone
	c.mu.Unlock()

	err := c.runBootstrap(ctx)

	c.mu.Lock()
	c.booting = false
	if err != nil {
		c.state = Failed
	} else {
		c.state = Ready
	}
	c.mu.Unlock()
	close(done)
	return err
}

func (c *Cache) runBootstrap(ctx context.Context) error {
	if err := c.probe(ctx); err != nil {
		return err
	}
	keys, err := c.store.Keys(ctx, identityPrefix)
	if err != nil {
		return fmt.Errorf("enumerate identities: %w", err)
	}

	loaded := make(map[string]*model.IdentityRecord)
	for _, k := range keys {
		data, err := c.store.Get(ctx, k)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var rec model.IdentityRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			c.log.Warnf("skipping undecodable identity at %s: %v", k, err)
			continue
		}
		loaded[rec.ID] = &rec
	}

	c.mu.Lock()
	c.byID = loaded
	c.byEmail = make(map[string]string)
	c.byExternal = make(map[string]string)
	c.byWallet = make(map[string]string)
	for id, rec := range loaded {
		c.indexLocked(id, rec)
	}
	c.mu.Unlock()

	// Self-heal: rewrite every alternate-key index from the records just
	// loaded. Best-effort, same as write-time index maintenance.
	for _, rec := range loaded {
		c.writeAltIndices(ctx, rec)
	}
	c.log.Infof("directory cache ready with %d identities", len(loaded))
	return nil
}

func (c *Cache) probe(ctx context.Context) error {
	delay := c.baseDelay
	for i := 0; i < c.attempts; i++ {
		_, err := c.store.Get(ctx, probeKey)
		if err == nil || errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		c.log.Warnf("directory store probe %d/%d failed: %v", i+1, c.attempts, err)
		if i == c.attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("directory store not live after %d probes: %w", c.attempts, kv.ErrUnavailable)
}

// indexLocked updates the alternate-key maps for one record. Last writer
// wins on a contended key. Caller holds c.mu.
func (c *Cache) indexLocked(id string, rec *model.IdentityRecord) {
	if rec.Email != "" {
		c.byEmail[rec.Email] = id
	}
	if rec.ExternalAuthID != "" {
		c.byExternal[rec.ExternalAuthID] = id
	}
	if rec.WalletAddress != "" {
		c.byWallet[rec.WalletAddress] = id
	}
}

func (c *Cache) writeAltIndices(ctx context.Context, rec *model.IdentityRecord) {
	for _, pair := range []struct{ key, val string }{
		{emailPrefix + rec.Email, rec.Email},
		{externalPrefix + rec.ExternalAuthID, rec.ExternalAuthID},
		{walletPrefix + rec.WalletAddress, rec.WalletAddress},
	} {
		if pair.val == "" {
			continue
		}
		if err := c.store.Set(ctx, pair.key, []byte(rec.ID)); err != nil {
			c.log.Warnf("identity index write %s failed: %v", pair.key, err)
		}
	}
}

// ensureServable brings the mirror to a usable state before a lookup. A
// non-nil return means the cache is degraded and the caller should read the
// store directly.
func (c *Cache) ensureServable(ctx context.Context) error {
	c.mu.RLock()
	state := c.state
	empty := len(c.byID) == 0
	c.mu.RUnlock()

	switch state {
	case Ready:
		if !empty {
			return nil
		}
		// A Ready cache with an empty mirror means some error path
		// cleared it; rebuild before answering.
		return c.Bootstrap(ctx)
	case Uninitialized, Initializing:
		return c.Bootstrap(ctx)
	default:
		return fmt.Errorf("directory cache: %w", kv.ErrUnavailable)
	}
}

func (c *Cache) loadFromStore(ctx context.Context, id string) (*model.IdentityRecord, error) {
	data, err := c.store.Get(ctx, identityKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec model.IdentityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode identity %s: %w", id, err)
	}
	return &rec, nil
}

// ByID returns the identity with the given primary id.
func (c *Cache) ByID(ctx context.Context, id string) (*model.IdentityRecord, error) {
	if err := c.ensureServable(ctx); err != nil {
		// Degraded: uncached point read rather than refusing service.
		return c.loadFromStore(ctx, id)
	}
	c.mu.RLock()
	rec, ok := c.byID[id]
	if ok {
		cp := *rec
		c.mu.RUnlock()
		return &cp, nil
	}
	c.mu.RUnlock()

	loaded, err := c.loadFromStore(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byID[loaded.ID] = loaded
	c.indexLocked(loaded.ID, loaded)
	c.mu.Unlock()
	cp := *loaded
	return &cp, nil
}

// ByEmail looks an identity up by email address.
func (c *Cache) ByEmail(ctx context.Context, email string) (*model.IdentityRecord, error) {
	return c.byAltKey(ctx, emailPrefix+email, func() map[string]string { return c.byEmail }, email)
}

// ByExternalAuthID looks an identity up by federated-login subject.
func (c *Cache) ByExternalAuthID(ctx context.Context, externalID string) (*model.IdentityRecord, error) {
	return c.byAltKey(ctx, externalPrefix+externalID, func() map[string]string { return c.byExternal }, externalID)
}

// ByWallet looks an identity up by wallet address.
func (c *Cache) ByWallet(ctx context.Context, addr string) (*model.IdentityRecord, error) {
	return c.byAltKey(ctx, walletPrefix+addr, func() map[string]string { return c.byWallet }, addr)
}

// byAltKey is the shared alternate-key path: persisted index first, then
// the in-memory mirror; a mirror-only hit the store cannot confirm is
// evicted as stale instead of returned. The mirror map is fetched through
// sel under the lock, since a re-bootstrap swaps the maps out.
func (c *Cache) byAltKey(ctx context.Context, indexKey string, sel func() map[string]string, altVal string) (*model.IdentityRecord, error) {
	degraded := c.ensureServable(ctx) != nil

	data, err := c.store.Get(ctx, indexKey)
	if err == nil {
		rec, lerr := c.loadFromStore(ctx, string(data))
		if lerr == nil {
			if !degraded {
				c.mu.Lock()
				c.byID[rec.ID] = rec
				c.indexLocked(rec.ID, rec)
				c.mu.Unlock()
			}
			cp := *rec
			return &cp, nil
		}
		if !errors.Is(lerr, ErrIdentityNotFound) {
			return nil, lerr
		}
		// Index points nowhere; drop it and keep looking.
		c.log.Warnf("dropping dangling identity index %s", indexKey)
		if derr := c.store.Delete(ctx, indexKey); derr != nil {
			c.log.Warnf("drop %s failed: %v", indexKey, derr)
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	if degraded {
		return nil, ErrIdentityNotFound
	}

	c.mu.RLock()
	id, ok := sel()[altVal]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrIdentityNotFound
	}
	rec, err := c.loadFromStore(ctx, id)
	if errors.Is(err, ErrIdentityNotFound) {
		// Stale mirror entry: the record left the store behind our back.
		c.mu.Lock()
		delete(c.byID, id)
		if m := sel(); m[altVal] == id {
			delete(m, altVal)
		}
		c.mu.Unlock()
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	// The record was reachable only through the mirror; restore the index.
	if serr := c.store.Set(ctx, indexKey, []byte(rec.ID)); serr != nil {
		c.log.Warnf("identity index repair %s failed: %v", indexKey, serr)
	}
	cp := *rec
	return &cp, nil
}

// Upsert writes the record through to the store, updates its alternate-key
// indices, and refreshes the mirror. Alternate keys released by the update
// are unindexed so a later self-heal does not resurrect them.
func (c *Cache) Upsert(ctx context.Context, rec *model.IdentityRecord) error {
	if rec.ID == "" {
		return errors.New("identity id is required")
	}
	now := time.Now().UnixMilli()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode identity %s: %w", rec.ID, err)
	}
	if err := c.store.Set(ctx, identityKey(rec.ID), data); err != nil {
		return err
	}
	c.writeAltIndices(ctx, rec)

	c.mu.Lock()
	prev := c.byID[rec.ID]
	cp := *rec
	c.byID[rec.ID] = &cp
	c.indexLocked(rec.ID, &cp)
	c.mu.Unlock()

	if prev != nil {
		c.dropReleasedKeys(ctx, prev, rec)
	}
	return nil
}

// dropReleasedKeys removes index entries for alternate keys the update no
// longer claims, both persisted and mirrored. The persisted entry is only
// deleted while it still points at this identity; another record may have
// claimed the key since.
func (c *Cache) dropReleasedKeys(ctx context.Context, prev, cur *model.IdentityRecord) {
	type released struct {
		indexKey string
		sel      func() map[string]string
		altVal   string
	}
	var rel []released
	if prev.Email != "" && prev.Email != cur.Email {
		rel = append(rel, released{emailPrefix + prev.Email, func() map[string]string { return c.byEmail }, prev.Email})
	}
	if prev.ExternalAuthID != "" && prev.ExternalAuthID != cur.ExternalAuthID {
		rel = append(rel, released{externalPrefix + prev.ExternalAuthID, func() map[string]string { return c.byExternal }, prev.ExternalAuthID})
	}
	if prev.WalletAddress != "" && prev.WalletAddress != cur.WalletAddress {
		rel = append(rel, released{walletPrefix + prev.WalletAddress, func() map[string]string { return c.byWallet }, prev.WalletAddress})
	}
	for _, r := range rel {
		data, err := c.store.Get(ctx, r.indexKey)
		if err == nil && string(data) == prev.ID {
			if derr := c.store.Delete(ctx, r.indexKey); derr != nil {
				c.log.Warnf("drop released key %s failed: %v", r.indexKey, derr)
			}
		}
		// The mirror map is fetched through sel under the lock: a
		// re-bootstrap swaps the maps out, and a delete against the
		// pre-swap map would be lost.
		c.mu.Lock()
		if m := r.sel(); m[r.altVal] == prev.ID {
			delete(m, r.altVal)
		}
		c.mu.Unlock()
	}
}
