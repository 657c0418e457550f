// Package access issues and caches time-limited grants for private recordings and photos.
// A grant is reused while it has more than the safety margin left; otherwise a new one is issued.
package access

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/pkg/storage"
)

var (
	grantCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestbook_grant_cache_hits_total",
		Help: "Grants served from cache.",
	}, []string{"class"})
	grantCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestbook_grant_cache_misses_total",
		Help: "Grants issued upstream because no fresh entry was cached.",
	}, []string{"class"})
	grantUpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestbook_grant_upstream_errors_total",
		Help: "Failed upstream grant calls.",
	}, []string{"class"})
)

// Issuer is the storage provider boundary.
type Issuer interface {
	IssueGrant(ctx context.Context, class storage.AccessClass, objectPath string, ttl time.Duration) (string, error)
}

// Grant is a signed URL substitutable for the private object until ExpiresAt.
// Pass-through grants for external URLs have zero times.
type Grant struct {
	URL       string    `json:"url"`
	IssuedAt  time.Time `json:"issued_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Options configure a Cache. Zero values take the defaults.
type Options struct {
	TTL             time.Duration // 60m
	SafetyMargin    time.Duration // 10m
	UpstreamTimeout time.Duration // 10s
	MaxEntries      int           // 10000
	Logger          *zap.Logger
	Now             func() time.Time
}

const (
	DefaultTTL             = 60 * time.Minute
	DefaultSafetyMargin    = 10 * time.Minute
	DefaultUpstreamTimeout = 10 * time.Second
	defaultMaxEntries      = 10000
)

type cacheKey struct {
	path  string
	class storage.AccessClass
}

// Cache is the grant cache. Safe for concurrent use; concurrent misses on one key may each call upstream.
type Cache struct {
	issuer  Issuer
	entries *expirable.LRU[cacheKey, Grant]
	// mu orders the compare-and-store so a staler grant never replaces a fresher one.
	mu      sync.Mutex
	ttl     time.Duration
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewCache creates a grant cache in front of issuer.
func NewCache(issuer Issuer, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SafetyMargin < 0 || opts.SafetyMargin >= opts.TTL {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		issuer: issuer,
		// Entries are useless past their TTL, so the LRU drops them then.
		entries: expirable.NewLRU[cacheKey, Grant](opts.MaxEntries, nil, opts.TTL),
		ttl:     opts.TTL,
		margin:  opts.SafetyMargin,
		timeout: opts.UpstreamTimeout,
		now:     opts.Now,
		logger:  opts.Logger,
	}
}

// Grant returns a signed URL for objectPath in the given class.
// External URLs are returned unchanged and never cached. Upstream failures are UpstreamGrant errors.
func (c *Cache) Grant(ctx context.Context, objectPath string, class storage.AccessClass) (Grant, error) {
	if objectPath == "" {
		return Grant{}, apperr.New(apperr.KindValidation, "object path required")
	}
	if storage.IsExternalURL(objectPath) {
		return Grant{URL: objectPath}, nil
	}
	if !class.Valid() {
		return Grant{}, apperr.Newf(apperr.KindValidation, "unknown access class %q", class)
	}
	if pathClass, ok := storage.ClassOf(objectPath); !ok || pathClass != class {
		return Grant{}, apperr.Newf(apperr.KindValidation, "object %q is not a %s object", objectPath, class)
	}

	key := cacheKey{path: objectPath, class: class}
	if g, ok := c.fresh(key); ok {
		grantCacheHits.WithLabelValues(string(class)).Inc()
		return g, nil
	}
	grantCacheMisses.WithLabelValues(string(class)).Inc()

	issuedAt := c.now()
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	url, err := c.issuer.IssueGrant(callCtx, class, objectPath, c.ttl)
	if err != nil {
		grantUpstreamErrors.WithLabelValues(string(class)).Inc()
		c.logger.Warn("grant issuance failed", zap.String("path", objectPath), zap.String("class", string(class)), zap.Error(err))
		return Grant{}, apperr.Wrap(apperr.KindUpstreamGrant, err, "issue grant")
	}
	return c.store(key, Grant{URL: url, IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(c.ttl)}), nil
}

// PlaybackURL returns a signed URL, or the raw path when issuance fails. The raw path is
// usually not playable; the caller shows "could not be loaded" rather than failing the page.
func (c *Cache) PlaybackURL(ctx context.Context, objectPath string, class storage.AccessClass) (string, bool) {
	g, err := c.Grant(ctx, objectPath, class)
	if err != nil {
		return objectPath, false
	}
	return g.URL, true
}

// Invalidate drops any cached grant for the object.
func (c *Cache) Invalidate(objectPath string, class storage.AccessClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(cacheKey{path: objectPath, class: class})
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) fresh(key cacheKey) (Grant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.entries.Get(key)
	if !ok {
		return Grant{}, false
	}
	if g.ExpiresAt.Sub(c.now()) <= c.margin {
		return Grant{}, false
	}
	return g, true
}

// store keeps whichever grant expires later and returns it.
func (c *Cache) store(key cacheKey, g Grant) Grant {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries.Peek(key); ok && !g.ExpiresAt.After(cur.ExpiresAt) {
		return cur
	}
	c.entries.Add(key, g)
	return g
}
