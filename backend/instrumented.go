package backend

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/offline-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Put(ctx context.Context, ns, key string, value []byte) error {
	start := time.Now()
	err := ib.backend.Put(ctx, ns, key, value)
	telemetry.RecordBackendOp(ctx, ib.name, "put", outcomeFromError(err), time.Since(start), int64(len(value)))
	return err
}

func (ib *InstrumentedBackend) PutBatch(ctx context.Context, ns string, entries []Entry) error {
	start := time.Now()
	err := ib.backend.PutBatch(ctx, ns, entries)
	var n int64
	for _, e := range entries {
		n += int64(len(e.Value))
	}
	telemetry.RecordBackendOp(ctx, ib.name, "put_batch", outcomeFromError(err), time.Since(start), n)
	return err
}

func (ib *InstrumentedBackend) Get(ctx context.Context, ns, key string) ([]byte, error) {
	start := time.Now()
	v, err := ib.backend.Get(ctx, ns, key)
	telemetry.RecordBackendOp(ctx, ib.name, "get", outcomeFromError(err), time.Since(start), int64(len(v)))
	return v, err
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, ns, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, ns, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Keys(ctx context.Context, ns string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.Keys(ctx, ns)
	telemetry.RecordBackendOp(ctx, ib.name, "keys", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

func (ib *InstrumentedBackend) Namespaces(ctx context.Context) ([]string, error) {
	start := time.Now()
	names, err := ib.backend.Namespaces(ctx)
	telemetry.RecordBackendOp(ctx, ib.name, "namespaces", outcomeFromError(err), time.Since(start), 0)
	return names, err
}

func (ib *InstrumentedBackend) DropNamespace(ctx context.Context, ns string) error {
	start := time.Now()
	err := ib.backend.DropNamespace(ctx, ns)
	telemetry.RecordBackendOp(ctx, ib.name, "drop_namespace", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Close() error {
	return ib.backend.Close()
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

var _ Backend = (*InstrumentedBackend)(nil)
