package backend

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/content-loader/telemetry"
)

// Instrumented wraps a Store with metrics recording.
type Instrumented struct {
	store Store
	name  string
}

// NewInstrumented creates a new instrumented store wrapper.
func NewInstrumented(s Store, name string) *Instrumented {
	return &Instrumented{store: s, name: name}
}

func (is *Instrumented) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()
	value, err := is.store.Get(ctx, key)
	telemetry.RecordBackendOp(ctx, is.name, "get", outcomeFromError(err), time.Since(start), int64(len(value)))
	return value, err
}

func (is *Instrumented) Set(ctx context.Context, key, value string) error {
	start := time.Now()
	err := is.store.Set(ctx, key, value)
	telemetry.RecordBackendOp(ctx, is.name, "set", outcomeFromError(err), time.Since(start), int64(len(value)))
	return err
}

func (is *Instrumented) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := is.store.Remove(ctx, key)
	telemetry.RecordBackendOp(ctx, is.name, "remove", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *Instrumented) ListKeys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := is.store.ListKeys(ctx)
	telemetry.RecordBackendOp(ctx, is.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Close closes the underlying store if it holds resources.
func (is *Instrumented) Close() error {
	return Close(is.store)
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	default:
		return "error"
	}
}

var (
	_ Store  = (*Instrumented)(nil)
	_ Closer = (*Instrumented)(nil)
)
