package keycache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/observability"
	"pulsecrypt/internal/store"
)

// Lookup sources reported to logs and metrics.
const (
	SourceMemory  = "memory"
	SourceStore   = "store"
	SourceDerived = "derived"
)

// Deriver produces the key material of one conversation version.
type Deriver interface {
	// Derive returns version of conv. Version 0 asks for the newest version
	// the deriver can produce, creating the first one if none exists.
	Derive(ctx context.Context, conv domain.Conversation, version int) (domain.ConversationKey, error)
	// Next creates version after a local rotation.
	Next(ctx context.Context, conv domain.Conversation, version int) (domain.ConversationKey, error)
}

// Cache resolves conversation keys from memory, then the SecureKeyStore,
// then a Deriver. Each conversation's keyring is mutated under its own
// mutex and concurrent cold lookups share one derivation.
type Cache struct {
	me       domain.UserID
	resolver domain.ConversationResolver
	keys     domain.SecureKeyStore
	log      domain.KeyExchangeLog
	derivers map[domain.ConversationType]Deriver

	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics

	flight   singleflight.Group
	versions singleflight.Group
	mu       sync.Mutex
	mem      map[domain.ConversationID]domain.Keyring
	locks    map[domain.ConversationID]*sync.Mutex
	pending  sync.WaitGroup
}

var _ domain.ConversationKeyCache = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the conversation key lifetime. Zero keeps keys until rotated.
func WithTTL(d time.Duration) Option { return func(c *Cache) { c.ttl = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithDeriver sets the deriver of a conversation type.
func WithDeriver(t domain.ConversationType, d Deriver) Option {
	return func(c *Cache) { c.derivers[t] = d }
}

// WithExchangeLog records key metadata after every derivation and rotation.
func WithExchangeLog(l domain.KeyExchangeLog) Option { return func(c *Cache) { c.log = l } }

// WithTimeout bounds each metadata call and each shared derivation.
func WithTimeout(d time.Duration) Option { return func(c *Cache) { c.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(c *Cache) { c.metrics = m } }

// New returns a cache for the local user me.
func New(me domain.UserID, resolver domain.ConversationResolver, keys domain.SecureKeyStore, opts ...Option) *Cache {
	c := &Cache{
		me:       me,
		resolver: resolver,
		keys:     keys,
		derivers: make(map[domain.ConversationType]Deriver),
		timeout:  5 * time.Second,
		now:      time.Now,
		mem:      make(map[domain.ConversationID]domain.Keyring),
		locks:    make(map[domain.ConversationID]*sync.Mutex),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the active key of conv. An active key past its expiry is
// rotated before it is returned.
func (c *Cache) Get(ctx context.Context, conv domain.ConversationID) (domain.ConversationKey, error) {
	if k, ok := c.memActive(conv); ok {
		c.metrics.CacheLookup(SourceMemory)
		return k, nil
	}

	v, err := c.share(ctx, &c.flight, string(conv), func(ctx context.Context) (interface{}, error) {
		unlock := c.lock(conv)
		defer unlock()

		if k, ok := c.memActive(conv); ok {
			c.metrics.CacheLookup(SourceMemory)
			return k, nil
		}
		ring, ok, err := c.loadRing(ctx, conv)
		if err != nil {
			return nil, err
		}
		if ok {
			active, found := ring.Active()
			if found && !active.Expired(c.now()) {
				c.metrics.CacheLookup(SourceStore)
				c.logger.ConversationKeyResolved(string(conv), string(active.KeyID), active.Version, SourceStore)
				return active, nil
			}
			if found {
				return c.rotateLocked(ctx, conv, ring)
			}
		}
		return c.deriveFirst(ctx, conv)
	})
	if err != nil {
		return domain.ConversationKey{}, err
	}
	return v.(domain.ConversationKey).Clone(), nil
}

// GetVersion returns a specific version of conv's key. Retained versions
// come from the keyring. A version newer than the active one is derived and
// returned without being adopted; callers Adopt it once a payload under it
// authenticated. Older versions that were not retained are ErrNotFound.
func (c *Cache) GetVersion(ctx context.Context, conv domain.ConversationID, version int) (domain.ConversationKey, error) {
	if version < 1 {
		return domain.ConversationKey{}, fmt.Errorf("conversation %s version %d: %w", conv, version, domain.ErrNotFound)
	}
	if _, err := c.Get(ctx, conv); err != nil {
		return domain.ConversationKey{}, err
	}

	c.mu.Lock()
	ring := c.mem[conv]
	c.mu.Unlock()
	if k, ok := ring.Version(version); ok {
		return k.Clone(), nil
	}
	if version < ring.ActiveVersion {
		return domain.ConversationKey{}, fmt.Errorf("conversation %s version %d not retained: %w", conv, version, domain.ErrNotFound)
	}

	v, err := c.share(ctx, &c.versions, string(conv)+"|v"+strconv.Itoa(version), func(ctx context.Context) (interface{}, error) {
		cv, d, err := c.deriverFor(ctx, conv)
		if err != nil {
			return nil, err
		}
		k, err := d.Derive(ctx, cv, version)
		if err != nil {
			return nil, err
		}
		c.metrics.CacheLookup(SourceDerived)
		return c.stamp(k, false), nil
	})
	if err != nil {
		return domain.ConversationKey{}, err
	}
	return v.(domain.ConversationKey).Clone(), nil
}

// share runs fn once for all concurrent callers of key. fn gets a context
// that outlives any single caller's cancellation, bounded by the cache
// timeout; each caller still returns when its own ctx is done.
func (c *Cache) share(
	ctx context.Context,
	g *singleflight.Group,
	key string,
	fn func(context.Context) (interface{}, error),
) (interface{}, error) {
	ch := g.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Adopt makes key the active version if it is newer than the current one.
func (c *Cache) Adopt(ctx context.Context, key domain.ConversationKey) error {
	conv := key.ConversationID
	unlock := c.lock(conv)
	defer unlock()

	ring, ok, err := c.loadRing(ctx, conv)
	if err != nil {
		return err
	}
	if ok && key.Version <= ring.ActiveVersion {
		return nil
	}
	if !ok {
		ring = domain.Keyring{ConversationID: conv, ConversationType: key.ConversationType}
	}
	from := ring.ActiveVersion
	if err := c.commit(ctx, push(ring, key)); err != nil {
		return err
	}
	c.logger.ConversationKeyRotated(string(conv), from, key.Version)
	return nil
}

// Invalidate drops the in-memory entry of conv.
func (c *Cache) Invalidate(conv domain.ConversationID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mem, conv)
}

// Rotate creates version N+1 of conv's key. Version N stays in the keyring,
// inactive, so older ciphertexts still decrypt.
func (c *Cache) Rotate(ctx context.Context, conv domain.ConversationID) (domain.ConversationKey, error) {
	unlock := c.lock(conv)
	defer unlock()

	ring, ok, err := c.loadRing(ctx, conv)
	if err != nil {
		return domain.ConversationKey{}, err
	}
	if !ok {
		if _, err := c.deriveFirst(ctx, conv); err != nil {
			return domain.ConversationKey{}, err
		}
		if ring, _, err = c.loadRing(ctx, conv); err != nil {
			return domain.ConversationKey{}, err
		}
	}
	k, err := c.rotateLocked(ctx, conv, ring)
	if err != nil {
		return domain.ConversationKey{}, err
	}
	return k.Clone(), nil
}

// Purge forgets every version of conv, in memory and in the store.
func (c *Cache) Purge(ctx context.Context, conv domain.ConversationID) error {
	unlock := c.lock(conv)
	defer unlock()

	c.Invalidate(conv)
	if err := c.keys.Delete(ctx, store.ConversationKey(conv)); err != nil {
		return fmt.Errorf("keycache: purge %s: %w", conv, err)
	}
	return nil
}

// Keyring returns a copy of the stored keyring of conv.
func (c *Cache) Keyring(ctx context.Context, conv domain.ConversationID) (domain.Keyring, bool, error) {
	unlock := c.lock(conv)
	defer unlock()
	ring, ok, err := c.loadRing(ctx, conv)
	if err != nil || !ok {
		return domain.Keyring{}, ok, err
	}
	return cloneRing(ring), true, nil
}

// Wait blocks until background metadata writes have finished.
func (c *Cache) Wait() { c.pending.Wait() }

// deriveFirst creates the keyring of conv. The caller holds conv's lock.
func (c *Cache) deriveFirst(ctx context.Context, conv domain.ConversationID) (domain.ConversationKey, error) {
	cv, d, err := c.deriverFor(ctx, conv)
	if err != nil {
		return domain.ConversationKey{}, err
	}
	k, err := d.Derive(ctx, cv, 0)
	if err != nil {
		return domain.ConversationKey{}, err
	}
	k = c.stamp(k, true)
	ring := domain.Keyring{ConversationID: conv, ConversationType: cv.Type}
	if err := c.commit(ctx, push(ring, k)); err != nil {
		return domain.ConversationKey{}, err
	}
	c.metrics.CacheLookup(SourceDerived)
	c.logger.ConversationKeyResolved(string(conv), string(k.KeyID), k.Version, SourceDerived)
	c.recordAsync(cv, k)
	return k, nil
}

// rotateLocked appends the next version. The caller holds conv's lock.
func (c *Cache) rotateLocked(ctx context.Context, conv domain.ConversationID, ring domain.Keyring) (domain.ConversationKey, error) {
	cv, d, err := c.deriverFor(ctx, conv)
	if err != nil {
		return domain.ConversationKey{}, err
	}
	next, err := d.Next(ctx, cv, ring.ActiveVersion+1)
	if err != nil {
		return domain.ConversationKey{}, err
	}
	if next.Version <= ring.ActiveVersion {
		return domain.ConversationKey{}, fmt.Errorf("keycache: rotate %s produced version %d after %d", conv, next.Version, ring.ActiveVersion)
	}
	next = c.stamp(next, true)
	if err := c.commit(ctx, push(ring, next)); err != nil {
		return domain.ConversationKey{}, err
	}
	c.metrics.Rotation("conversation")
	c.logger.ConversationKeyRotated(string(conv), ring.ActiveVersion, next.Version)
	c.recordAsync(cv, next)
	return next, nil
}

func (c *Cache) deriverFor(ctx context.Context, conv domain.ConversationID) (domain.Conversation, Deriver, error) {
	cv, err := c.resolver.Resolve(ctx, conv)
	if err != nil {
		return domain.Conversation{}, nil, fmt.Errorf("keycache: resolve %s: %w", conv, err)
	}
	if cv.ID != conv {
		return domain.Conversation{}, nil, fmt.Errorf("keycache: %s resolved as %s", conv, cv.ID)
	}
	d, ok := c.derivers[cv.Type]
	if !ok {
		return domain.Conversation{}, nil, fmt.Errorf("keycache: no deriver for %s conversations", cv.Type)
	}
	return cv, d, nil
}

func (c *Cache) stamp(k domain.ConversationKey, active bool) domain.ConversationKey {
	k.IsActive = active
	if k.CreatedAt.IsZero() {
		k.CreatedAt = c.now().UTC()
	}
	if c.ttl > 0 && k.ExpiresAt == nil {
		exp := k.CreatedAt.Add(c.ttl)
		k.ExpiresAt = &exp
	}
	return k
}

func (c *Cache) memActive(conv domain.ConversationID) (domain.ConversationKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring, ok := c.mem[conv]
	if !ok {
		return domain.ConversationKey{}, false
	}
	k, ok := ring.Active()
	if !ok || k.Expired(c.now()) {
		return domain.ConversationKey{}, false
	}
	return k.Clone(), true
}

// loadRing reads conv's keyring from memory or the store. The caller holds
// conv's lock.
func (c *Cache) loadRing(ctx context.Context, conv domain.ConversationID) (domain.Keyring, bool, error) {
	c.mu.Lock()
	ring, ok := c.mem[conv]
	c.mu.Unlock()
	if ok {
		return ring, true, nil
	}
	ok, err := store.GetJSON(ctx, c.keys, store.ConversationKey(conv), &ring)
	if err != nil {
		return domain.Keyring{}, false, fmt.Errorf("keycache: load %s: %w", conv, err)
	}
	if !ok {
		return domain.Keyring{}, false, nil
	}
	c.mu.Lock()
	c.mem[conv] = ring
	c.mu.Unlock()
	return ring, true, nil
}

// commit persists ring and then publishes it to memory.
func (c *Cache) commit(ctx context.Context, ring domain.Keyring) error {
	if err := store.SetJSON(ctx, c.keys, store.ConversationKey(ring.ConversationID), ring); err != nil {
		return fmt.Errorf("keycache: persist %s: %w", ring.ConversationID, err)
	}
	c.mu.Lock()
	c.mem[ring.ConversationID] = ring
	c.mu.Unlock()
	return nil
}

func (c *Cache) lock(conv domain.ConversationID) func() {
	c.mu.Lock()
	l, ok := c.locks[conv]
	if !ok {
		l = &sync.Mutex{}
		c.locks[conv] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// recordAsync writes key metadata to the exchange log without blocking the
// caller. Failures are logged only.
func (c *Cache) recordAsync(conv domain.Conversation, k domain.ConversationKey) {
	if c.log == nil {
		return
	}
	rec := domain.KeyExchangeRecord{
		ConversationID: conv.ID,
		KeyID:          k.KeyID,
		CreatedBy:      c.me,
		CreatedAt:      k.CreatedAt,
		ExpiresAt:      k.ExpiresAt,
		Version:        k.Version,
		Method:         domain.MethodECDH,
		IsActive:       true,
	}
	if conv.Type == domain.ConversationGroup {
		rec.Method = domain.MethodGroupWrap
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		err := c.log.RecordKeyExchangeMetadata(ctx, rec)
		if err == nil && conv.Type == domain.ConversationDirect {
			var peer domain.UserID
			if peer, err = conv.Counterpart(c.me); err == nil {
				st := domain.NewKeyExchangeStatus(c.me, peer, conv.ID)
				st.Completed = true
				if k.Version > 1 {
					t := k.CreatedAt
					st.LastRotation = &t
				}
				err = c.log.SetKeyExchangeStatus(ctx, st)
			}
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.MetadataRecordFailed(string(conv.ID), err)
		}
	}()
}

// push appends k as the active version and deactivates the rest.
func push(ring domain.Keyring, k domain.ConversationKey) domain.Keyring {
	out := cloneRing(ring)
	for i := range out.Keys {
		out.Keys[i].IsActive = false
	}
	k = k.Clone()
	k.IsActive = true
	out.Keys = append(out.Keys, k)
	out.ActiveVersion = k.Version
	if out.ConversationType == "" {
		out.ConversationType = k.ConversationType
	}
	return out
}

func cloneRing(r domain.Keyring) domain.Keyring {
	out := r
	out.Keys = make([]domain.ConversationKey, len(r.Keys))
	for i, k := range r.Keys {
		out.Keys[i] = k.Clone()
	}
	return out
}
