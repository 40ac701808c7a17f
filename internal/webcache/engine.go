// Package webcache is the offline-caching gateway in front of the
// portal shell. It classifies each request into one of three buckets
// (admin: always network; shell pages and navigations: configured
// policy; other same-origin GETs: cache-first) and keeps responses in
// a versioned cache namespace that is superseded wholesale on version
// rollover.
package webcache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/c-pro/geche"
)

type Policy string

const (
	PolicyStaleWhileRevalidate Policy = "stale-while-revalidate"
	PolicyNetworkFirst         Policy = "network-first"
)

const DefaultNamespace = "studyhall"

// Response is a cached or fetched origin response. Basic marks a
// same-origin, uncredentialed response that is safe to cache.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Basic  bool
}

// Fetcher retrieves a fresh response from the origin. A nil response
// with a nil error is treated as a fetch failure.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (*Response, error)
}

type FetcherFunc func(ctx context.Context, path string) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, path string) (*Response, error) {
	return f(ctx, path)
}

// Request is one intercepted fetch. Navigate marks top-level page
// loads, which always get the configured shell policy.
type Request struct {
	Method   string
	Path     string
	Host     string // empty or matching Origin means same-origin
	Navigate bool
}

const (
	EventCacheCleared = "CACHE_CLEARED"
	EventActivated    = "ACTIVATED"
)

type Event struct {
	Type string `json:"type"`
}

const (
	ControlSkipWaiting = "SKIP_WAITING"
	ControlClearCache  = "CLEAR_CACHE"
)

type Config struct {
	Namespace   string
	Version     string
	Policy      Policy
	Origin      string // host considered same-origin; empty host always matches
	AdminPrefix string
	OfflinePath string
	Precache    []string
	Revalidate  []string
	Fetcher     Fetcher
}

type Engine struct {
	cfg     Config
	current string

	mu     sync.RWMutex
	caches map[string]geche.Geche[string, *Response]

	subMu sync.Mutex
	subs  []chan Event

	wg sync.WaitGroup
}

func New(cfg Config) (*Engine, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("webcache: fetcher is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("webcache: version is required")
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyStaleWhileRevalidate
	}
	if cfg.AdminPrefix == "" {
		cfg.AdminPrefix = "/admin/"
	}

	e := &Engine{
		cfg:     cfg,
		current: cfg.Namespace + "-" + cfg.Version,
		caches:  make(map[string]geche.Geche[string, *Response]),
	}
	e.caches[e.current] = geche.NewMapCache[string, *Response]()
	return e, nil
}

// CacheName returns the active versioned cache namespace.
func (e *Engine) CacheName() string {
	return e.current
}

// CacheNames lists every cache namespace currently held, for
// inspection after rollover.
func (e *Engine) CacheNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.caches))
	for name := range e.caches {
		names = append(names, name)
	}
	return names
}

// AdoptCache registers a leftover cache from a previous version, as
// would survive on disk across a worker update. Used on startup and in
// rollover tests.
func (e *Engine) AdoptCache(version string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := e.cfg.Namespace + "-" + version
	if _, ok := e.caches[name]; !ok {
		e.caches[name] = geche.NewMapCache[string, *Response]()
	}
}

// Install pre-populates the active cache with the shell manifest.
// Failures are logged and swallowed so a dead origin never blocks
// activation.
func (e *Engine) Install(ctx context.Context) {
	for _, path := range e.cfg.Precache {
		resp, err := e.fetch(ctx, path)
		if err != nil || resp == nil {
			slog.Debug("precache skipped", "path", path, "error", err)
			continue
		}
		if resp.Status == http.StatusOK {
			e.cachePut(path, resp)
		}
	}
}

// Activate deletes every cache sharing the namespace prefix but not
// the current version, then notifies subscribers so connected clients
// pick the new version up without a reload.
func (e *Engine) Activate() {
	e.mu.Lock()
	for name := range e.caches {
		if strings.HasPrefix(name, e.cfg.Namespace+"-") && name != e.current {
			delete(e.caches, name)
		}
	}
	e.mu.Unlock()

	e.broadcast(Event{Type: EventActivated})
}

// Control handles the two client control messages. Unknown types are
// ignored.
func (e *Engine) Control(msgType string) {
	switch msgType {
	case ControlSkipWaiting:
		e.Activate()
	case ControlClearCache:
		e.mu.Lock()
		for name := range e.caches {
			delete(e.caches, name)
		}
		e.caches[e.current] = geche.NewMapCache[string, *Response]()
		e.mu.Unlock()

		e.broadcast(Event{Type: EventCacheCleared})
	}
}

// Subscribe registers a control-event listener. The channel is
// buffered; a slow subscriber drops events rather than blocking the
// engine.
func (e *Engine) Subscribe() chan Event {
	ch := make(chan Event, 4)
	e.subMu.Lock()
	e.subs = append(e.subs, ch)
	e.subMu.Unlock()
	return ch
}

func (e *Engine) Unsubscribe(ch chan Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for i, sub := range e.subs {
		if sub == ch {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (e *Engine) broadcast(ev Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Handle intercepts one request and applies the bucket's policy. It
// never returns a nil response together with a nil error, and any
// internal failure degrades through the fallback tiers instead of
// escaping.
func (e *Engine) Handle(ctx context.Context, req Request) (*Response, error) {
	// Non-GET and cross-origin requests pass through untouched.
	if req.Method != http.MethodGet && req.Method != "" {
		return e.fetch(ctx, req.Path)
	}
	if req.Host != "" && e.cfg.Origin != "" && req.Host != e.cfg.Origin {
		return e.fetch(ctx, req.Path)
	}

	// Admin pages are always fetched fresh and never cached.
	if strings.HasPrefix(req.Path, e.cfg.AdminPrefix) {
		return e.fetch(ctx, req.Path)
	}

	if req.Navigate || e.shouldRevalidate(req.Path) {
		switch e.cfg.Policy {
		case PolicyNetworkFirst:
			return e.networkFirst(ctx, req.Path), nil
		default:
			return e.staleWhileRevalidate(ctx, req.Path), nil
		}
	}

	return e.cacheFirst(ctx, req.Path), nil
}

func (e *Engine) shouldRevalidate(path string) bool {
	for _, pattern := range e.cfg.Revalidate {
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

// staleWhileRevalidate serves the cached response immediately when
// present and refreshes the cache in the background. A cache miss
// falls back to the in-flight fetch, and a total failure to the
// offline page.
func (e *Engine) staleWhileRevalidate(ctx context.Context, path string) *Response {
	if cached, ok := e.cacheGet(path); ok {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			// Detached from the request: the refresh outlives it.
			e.refresh(context.WithoutCancel(ctx), path)
		}()
		return cached
	}

	if resp := e.refresh(ctx, path); resp != nil {
		return resp
	}
	return e.offline()
}

// networkFirst tries the origin, caching successes, and falls back to
// the cached copy, then the offline page.
func (e *Engine) networkFirst(ctx context.Context, path string) *Response {
	if resp := e.refresh(ctx, path); resp != nil {
		return resp
	}
	if cached, ok := e.cacheGet(path); ok {
		return cached
	}
	return e.offline()
}

// cacheFirst returns the cached copy when present, otherwise fetches
// and caches successful basic 200 responses.
func (e *Engine) cacheFirst(ctx context.Context, path string) *Response {
	if cached, ok := e.cacheGet(path); ok {
		return cached
	}

	resp, err := e.fetch(ctx, path)
	if err != nil || resp == nil {
		return e.offline()
	}
	if resp.Status == http.StatusOK && resp.Basic {
		e.cachePut(path, resp)
	}
	return resp
}

// refresh fetches and overwrites the cache on a 200, returning the
// network response or nil on failure.
func (e *Engine) refresh(ctx context.Context, path string) *Response {
	resp, err := e.fetch(ctx, path)
	if err != nil || resp == nil {
		return nil
	}
	if resp.Status == http.StatusOK {
		e.cachePut(path, resp)
	}
	return resp
}

func (e *Engine) offline() *Response {
	if cached, ok := e.cacheGet(e.cfg.OfflinePath); ok {
		return cached
	}
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte("offline"),
	}
}

func (e *Engine) fetch(ctx context.Context, path string) (resp *Response, err error) {
	// A fetch rejection must degrade, never escape the interception.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fetch panic", "path", path, "panic", r)
			resp, err = nil, fmt.Errorf("webcache: fetch panic: %v", r)
		}
	}()
	return e.cfg.Fetcher.Fetch(ctx, path)
}

func (e *Engine) cacheGet(path string) (*Response, bool) {
	e.mu.RLock()
	cache, ok := e.caches[e.current]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	resp, err := cache.Get(path)
	if err != nil {
		return nil, false
	}
	return resp, true
}

func (e *Engine) cachePut(path string, resp *Response) {
	e.mu.RLock()
	cache, ok := e.caches[e.current]
	e.mu.RUnlock()
	if ok {
		cache.Set(path, resp)
	}
}

// Drain waits for in-flight background refreshes. Called on shutdown.
func (e *Engine) Drain() {
	e.wg.Wait()
}
