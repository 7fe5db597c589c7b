// Package loader fetches site resources through the two-tier cache.
//
// Every failure path (transport error, non-2xx status, undecodable JSON) ends in a nil
// result and a log record rather than an error, so page renderers can always fall back
// to an empty section instead of aborting.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	contentloader "github.com/wolfeidau/content-loader"
	"github.com/wolfeidau/content-loader/cache"
	"github.com/wolfeidau/content-loader/telemetry"
	"golang.org/x/sync/singleflight"
)

// Mode selects how a fetched body is turned into a cached value.
type Mode int

const (
	// ModeStructured decodes the body as JSON.
	ModeStructured Mode = iota
	// ModeRaw keeps the body as text.
	ModeRaw
)

// String returns the mode name used in logs, metrics and query strings.
func (m Mode) String() string {
	switch m {
	case ModeStructured:
		return "json"
	case ModeRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// ParseMode parses "json" or "raw".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "json", "structured":
		return ModeStructured, nil
	case "raw", "text", "markdown":
		return ModeRaw, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// ModeForKey picks structured mode for .json resources and raw mode otherwise.
func ModeForKey(key string) Mode {
	p := key
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if strings.HasSuffix(strings.ToLower(p), ".json") {
		return ModeStructured
	}
	return ModeRaw
}

var errNoResponse = errors.New("transport returned no response")

// StatusError reports a non-2xx transport response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.StatusCode)
}

// Loader serves resources from the cache, falling back to the transport on a miss.
type Loader struct {
	cache     *cache.Cache
	transport Transport
	logger    *slog.Logger

	// group is nil unless deduplication is enabled.
	group *singleflight.Group
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger for load diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithDeduplication shares one in-flight transport call between concurrent misses
// for the same key and mode. Without it every miss fetches independently.
func WithDeduplication() Option {
	return func(l *Loader) {
		l.group = &singleflight.Group{}
	}
}

// New creates a loader reading through c and fetching with t.
func New(c *cache.Cache, t Transport, opts ...Option) *Loader {
	l := &Loader{
		cache:     c,
		transport: t,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cache returns the cache the loader reads through.
func (l *Loader) Cache() *cache.Cache {
	return l.cache
}

// Load returns the value for key, from the cache when live, otherwise fetched,
// decoded per mode and cached. It returns nil when the resource cannot be loaded.
func (l *Loader) Load(ctx context.Context, key string, mode Mode) any {
	v, _ := l.load(ctx, key, mode)
	return v
}

// LoadResult is like Load but also reports whether the value came from the cache.
func (l *Loader) LoadResult(ctx context.Context, key string, mode Mode) (any, telemetry.CacheResult) {
	return l.load(ctx, key, mode)
}

func (l *Loader) load(ctx context.Context, key string, mode Mode) (any, telemetry.CacheResult) {
	start := time.Now()

	if v, ok := l.cache.Get(ctx, key); ok {
		telemetry.RecordLoad(ctx, mode.String(), string(telemetry.CacheHit), time.Since(start))
		return v, telemetry.CacheHit
	}

	v, err := l.fetch(ctx, key, mode)
	if err != nil {
		telemetry.RecordLoad(ctx, mode.String(), "error", time.Since(start))
		l.logger.Warn("loading resource failed", "key", key, "mode", mode.String(), "error", err)
		return nil, telemetry.CacheMiss
	}

	telemetry.RecordLoad(ctx, mode.String(), string(telemetry.CacheMiss), time.Since(start))
	return v, telemetry.CacheMiss
}

func (l *Loader) fetch(ctx context.Context, key string, mode Mode) (any, error) {
	if l.group == nil {
		return l.fetchAndStore(ctx, key, mode)
	}

	ch := l.group.DoChan(mode.String()+":"+key, func() (any, error) {
		// Detached so one caller giving up does not fail the fetch for the others.
		return l.fetchAndStore(context.WithoutCancel(ctx), key, mode)
	})

	select {
	case res := <-ch:
		if res.Shared {
			l.logger.Debug("shared in-flight load", "key", key)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loader) fetchAndStore(ctx context.Context, key string, mode Mode) (any, error) {
	resp, err := l.transport.Fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetching: %w", err)
	}
	if resp == nil {
		return nil, errNoResponse
	}
	if !resp.OK() {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var value any
	switch mode {
	case ModeStructured:
		if err := resp.JSON(&value); err != nil {
			return nil, fmt.Errorf("decoding json: %w", err)
		}
	case ModeRaw:
		value = resp.Text()
	default:
		return nil, fmt.Errorf("unsupported mode %d", mode)
	}

	l.cache.Set(ctx, key, value)

	l.logger.Debug("resource fetched",
		"key", key,
		"mode", mode.String(),
		"bytes", len(resp.Body),
		"digest", contentloader.Sum(resp.Body).ShortString(),
	)
	return value, nil
}

// LoadJSON loads key in structured mode.
func (l *Loader) LoadJSON(ctx context.Context, key string) any {
	return l.Load(ctx, key, ModeStructured)
}

// LoadMarkdown loads key in raw mode and returns the text.
// It returns false when the resource could not be loaded.
func (l *Loader) LoadMarkdown(ctx context.Context, key string) (string, bool) {
	v := l.Load(ctx, key, ModeRaw)
	s, ok := v.(string)
	if !ok && v != nil {
		l.logger.Warn("cached value is not text", "key", key, "type", fmt.Sprintf("%T", v))
	}
	return s, ok
}

// LoadInto loads key in structured mode and decodes it into dst, which must be a
// pointer. It returns false when the resource could not be loaded or does not fit dst.
func (l *Loader) LoadInto(ctx context.Context, key string, dst any) bool {
	v := l.Load(ctx, key, ModeStructured)
	if v == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err == nil {
		err = json.Unmarshal(data, dst)
	}
	if err != nil {
		l.logger.Warn("decoding resource failed", "key", key, "type", fmt.Sprintf("%T", dst), "error", err)
		return false
	}
	return true
}
