// internal/failover/facade.go
package failover

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/listforge/failsafe/internal/degradation"
	"github.com/listforge/failsafe/internal/queue"
	"github.com/listforge/failsafe/internal/storage"
)

// ServiceObjectStore is the dependency name the facade reports health
// and breaker state under.
const ServiceObjectStore = "object-store"

// Result is the uniform outcome of a facade call. Success means the
// call ran against the real dependency; a deferred write sets Queued
// instead, never Success. A read served from stale cache sets Degraded.
type Result struct {
	Success     bool
	Data        []byte
	Queued      bool
	OperationID string
	Degraded    bool
	Err         error
}

// StorageFacade exposes upload/download/delete, each delegated to the
// degradation handler. It is the only component that touches the real
// object store on the request path.
type StorageFacade struct {
	objects  storage.ObjectStore
	cache    storage.Cache
	handler  *degradation.Handler
	cacheTTL time.Duration
	logger   *zap.Logger
}

// FacadeOption configures the facade.
type FacadeOption func(*StorageFacade)

// WithCacheTTL sets how long downloads stay fresh in the cache.
func WithCacheTTL(d time.Duration) FacadeOption {
	return func(f *StorageFacade) { f.cacheTTL = d }
}

// WithFacadeLogger adds logging.
func WithFacadeLogger(logger *zap.Logger) FacadeOption {
	return func(f *StorageFacade) { f.logger = logger }
}

// NewStorageFacade wires the facade. cache may be nil; downloads then
// have no degraded fallback.
func NewStorageFacade(objects storage.ObjectStore, cache storage.Cache, handler *degradation.Handler, opts ...FacadeOption) *StorageFacade {
	f := &StorageFacade{
		objects:  objects,
		cache:    cache,
		handler:  handler,
		cacheTTL: 15 * time.Minute,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Upload stores an object, deferring to the queue when the dependency
// is unavailable.
func (f *StorageFacade) Upload(ctx context.Context, bucket, key string, data []byte, userID, fileID string) Result {
	outcome := f.handler.ExecuteWithFailover(ctx, degradation.Request{
		Service: ServiceObjectStore,
		Write:   true,
		Primary: func(ctx context.Context) error {
			return f.objects.Put(ctx, bucket, key, bytes.NewReader(data))
		},
		Payload: queue.UploadFilePayload{Bucket: bucket, Key: key, Data: data},
		UserID:  userID,
		FileID:  fileID,
	})

	if outcome.Executed {
		f.prime(ctx, bucket, key, data)
	}
	return fromOutcome(outcome, nil)
}

// Download reads an object; when the dependency is unavailable it
// serves the last cached copy marked degraded.
func (f *StorageFacade) Download(ctx context.Context, bucket, key string) Result {
	var data []byte

	req := degradation.Request{
		Service: ServiceObjectStore,
		Primary: func(ctx context.Context) error {
			body, err := f.objects.Get(ctx, bucket, key)
			if err != nil {
				return err
			}
			defer func() { _ = body.Close() }()
			data, err = io.ReadAll(body)
			return err
		},
	}
	if f.cache != nil {
		req.Fallback = func(ctx context.Context) error {
			stale, err := f.cache.GetStale(ctx, f.cacheKey(bucket, key))
			if err != nil {
				return fmt.Errorf("no cached copy: %w", err)
			}
			data = stale
			return nil
		}
	}

	outcome := f.handler.ExecuteWithFailover(ctx, req)
	if outcome.Executed {
		f.prime(ctx, bucket, key, data)
	}
	return fromOutcome(outcome, data)
}

// Delete removes an object, deferring to the queue when the dependency
// is unavailable.
func (f *StorageFacade) Delete(ctx context.Context, bucket, key string, userID, fileID string) Result {
	outcome := f.handler.ExecuteWithFailover(ctx, degradation.Request{
		Service: ServiceObjectStore,
		Write:   true,
		Primary: func(ctx context.Context) error {
			return f.objects.Delete(ctx, bucket, key)
		},
		Payload:  queue.DeleteFilePayload{Bucket: bucket, Key: key},
		Priority: queue.PriorityLow,
		UserID:   userID,
		FileID:   fileID,
	})

	if outcome.Executed && f.cache != nil {
		if err := f.cache.Delete(ctx, f.cacheKey(bucket, key)); err != nil {
			f.logger.Warn("evict cached object", zap.String("key", key), zap.Error(err))
		}
	}
	return fromOutcome(outcome, nil)
}

// Probe writes and removes a transient object directly against the
// store, bypassing failover. A failed probe returns the error instead
// of deferring to the queue, so polling it leaves no artifacts behind.
func (f *StorageFacade) Probe(ctx context.Context, bucket string) error {
	key := "probe-" + uuid.NewString()
	if err := f.objects.Put(ctx, bucket, key, bytes.NewReader([]byte("probe"))); err != nil {
		return fmt.Errorf("probe write: %w", err)
	}
	if err := f.objects.Delete(ctx, bucket, key); err != nil {
		f.logger.Warn("remove probe object", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (f *StorageFacade) cacheKey(bucket, key string) string {
	return bucket + "/" + key
}

func (f *StorageFacade) prime(ctx context.Context, bucket, key string, data []byte) {
	if f.cache == nil || data == nil {
		return
	}
	if err := f.cache.Put(ctx, f.cacheKey(bucket, key), data, f.cacheTTL); err != nil {
		f.logger.Warn("prime cache", zap.String("key", key), zap.Error(err))
	}
}

func fromOutcome(outcome degradation.Outcome, data []byte) Result {
	return Result{
		Success:     outcome.Executed,
		Data:        data,
		Queued:      outcome.Queued,
		OperationID: outcome.OperationID,
		Degraded:    outcome.Degraded,
		Err:         outcome.Err,
	}
}
