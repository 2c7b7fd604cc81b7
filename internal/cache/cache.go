// Package cache is an advisory, time-bounded cache with typed keys. Nothing
// depends on a hit: every miss falls through to the network.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Kind int

const (
	KindCourses Kind = iota + 1
	KindCoursework
	KindSubmissions
	KindAnnouncements
	KindMaterials
	KindCourseConfig
)

func (k Kind) String() string {
	switch k {
	case KindCourses:
		return "courses"
	case KindCoursework:
		return "coursework"
	case KindSubmissions:
		return "submissions"
	case KindAnnouncements:
		return "announcements"
	case KindMaterials:
		return "materials"
	case KindCourseConfig:
		return "course_config"
	default:
		return fmt.Sprintf("kind_%d", int(k))
	}
}

// DefaultTTL is the expiry policy per kind. Submission data changes fastest,
// course metadata slowest.
var DefaultTTL = map[Kind]time.Duration{
	KindCourses:       24 * time.Hour,
	KindCoursework:    15 * time.Minute,
	KindSubmissions:   2 * time.Minute,
	KindAnnouncements: time.Hour,
	KindMaterials:     time.Hour,
	KindCourseConfig:  time.Hour,
}

// Key scopes a kind to a user or course id.
type Key struct {
	Kind  Kind
	Scope string
}

func (k Key) String() string { return k.Kind.String() + "/" + k.Scope }

func kindPrefix(k Kind) string { return k.String() + "/" }

// Backend stores opaque encoded entries.
type Backend interface {
	Load(key string) ([]byte, bool, error)
	Store(key string, value []byte) error
	Delete(key string) error
	DeletePrefix(prefix string) error
	Keys() ([]string, error)
	Clear() error
}

type entry struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	WrittenAt time.Time       `json:"written_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type Cache struct {
	backend Backend
	now     func() time.Time
	ttl     map[Kind]time.Duration
	log     *slog.Logger
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func WithTTL(kind Kind, ttl time.Duration) Option {
	return func(c *Cache) { c.ttl[kind] = ttl }
}

func WithLogger(logger *slog.Logger) Option { return func(c *Cache) { c.log = logger } }

func New(backend Backend, opts ...Option) *Cache {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	c := &Cache{backend: backend, now: time.Now, ttl: make(map[Kind]time.Duration, len(DefaultTTL)), log: slog.Default()}
	for k, v := range DefaultTTL {
		c.ttl[k] = v
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) TTL(kind Kind) time.Duration { return c.ttl[kind] }

// Get returns the cached value for key. Expired, corrupt or unreadable
// entries are misses, and expired or corrupt ones are evicted.
func Get[T any](c *Cache, key Key) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	raw, ok, err := c.backend.Load(key.String())
	if err != nil {
		c.log.Debug("cache load failed", "key", key.String(), "error", err)
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.evict(key.String(), "corrupt envelope")
		return zero, false
	}
	if !c.now().Before(e.ExpiresAt) {
		c.evict(key.String(), "expired")
		return zero, false
	}
	var out T
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		c.evict(key.String(), "corrupt payload")
		return zero, false
	}
	return out, true
}

// Set stores value under the kind's policy TTL.
func Set[T any](c *Cache, key Key, value T) error {
	if c == nil {
		return nil
	}
	return SetTTL(c, key, value, c.TTL(key.Kind))
}

// SetTTL overwrites key unconditionally. A non-positive ttl stores nothing.
func SetTTL[T any](c *Cache, key Key, value T, ttl time.Duration) error {
	if c == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	now := c.now()
	raw, err := json.Marshal(entry{Key: key.String(), Payload: payload, WrittenAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.backend.Store(key.String(), raw); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Remove(key Key) error { return c.backend.Delete(key.String()) }

// RemoveKind drops every entry of one kind.
func (c *Cache) RemoveKind(kind Kind) error { return c.backend.DeletePrefix(kindPrefix(kind)) }

// RemoveScope drops the entries of every kind for one scope, including
// composite scopes such as "user:course" that name it on either side.
func (c *Cache) RemoveScope(scope string) error {
	keys, err := c.backend.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		_, s, ok := strings.Cut(k, "/")
		if !ok || !scopeMatches(s, scope) {
			continue
		}
		if err := c.backend.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func scopeMatches(s, scope string) bool {
	if s == scope {
		return true
	}
	for _, part := range strings.Split(s, ":") {
		if part == scope {
			return true
		}
	}
	return false
}

func (c *Cache) Clear() error { return c.backend.Clear() }

// Sweep evicts expired and corrupt entries and reports how many it removed.
func (c *Cache) Sweep() (int, error) {
	keys, err := c.backend.Keys()
	if err != nil {
		return 0, err
	}
	now := c.now()
	removed := 0
	for _, k := range keys {
		raw, ok, err := c.backend.Load(k)
		if err != nil || !ok {
			continue
		}
		var e entry
		if json.Unmarshal(raw, &e) == nil && now.Before(e.ExpiresAt) {
			continue
		}
		if err := c.backend.Delete(k); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (c *Cache) RunSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Sweep(); err != nil {
				c.log.Warn("cache sweep failed", "error", err)
			} else if n > 0 {
				c.log.Debug("cache sweep", "evicted", n)
			}
		}
	}
}

func (c *Cache) evict(key, reason string) {
	if err := c.backend.Delete(key); err != nil {
		c.log.Debug("cache evict failed", "key", key, "error", err)
		return
	}
	c.log.Debug("cache evict", "key", key, "reason", reason)
}

func hasPrefix(key, prefix string) bool { return strings.HasPrefix(key, prefix) }
