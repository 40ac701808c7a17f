package webcache

import (
	"bytes"
	"context"
	"net/http"
	"strings"
)

// Gateway adapts the engine to an http.Handler sitting in front of the
// portal shell. The upstream handler plays the origin; GET requests go
// through the engine's cache tiers, everything else is handed to the
// upstream as-is.
type Gateway struct {
	engine   *Engine
	upstream http.Handler
}

func NewGateway(engine *Engine, upstream http.Handler) *Gateway {
	return &Gateway{engine: engine, upstream: upstream}
}

// responseBuffer captures an upstream handler's response so it can be
// cached and replayed.
type responseBuffer struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func (b *responseBuffer) Header() http.Header {
	return b.header
}

func (b *responseBuffer) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// HandlerFetcher turns an http.Handler into the engine's origin.
func HandlerFetcher(upstream http.Handler) Fetcher {
	return FetcherFunc(func(ctx context.Context, path string) (*Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		buf := &responseBuffer{header: make(http.Header)}
		upstream.ServeHTTP(buf, req)
		if buf.status == 0 {
			buf.status = http.StatusOK
		}

		return &Response{
			Status: buf.status,
			Header: buf.header,
			Body:   buf.body.Bytes(),
			Basic:  true,
		}, nil
	})
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The engine's fetcher only knows how to replay GETs, so other
	// methods keep their body and verb by skipping the cache entirely.
	if r.Method != http.MethodGet {
		g.upstream.ServeHTTP(w, r)
		return
	}

	resp, err := g.engine.Handle(r.Context(), Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		Navigate: isNavigation(r),
	})
	if err != nil || resp == nil {
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
