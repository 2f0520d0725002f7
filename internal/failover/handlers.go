// internal/failover/handlers.go
package failover

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/listforge/failsafe/internal/breaker"
	"github.com/listforge/failsafe/internal/notify"
	"github.com/listforge/failsafe/internal/queue"
	"github.com/listforge/failsafe/internal/storage"
)

// RegisterHandlers binds every operation type to its executor so the
// drain path exercises the real dependency. Outcomes feed back into the
// breaker: a draining queue is how the system notices the dependency
// recovered. brk and dispatcher may be nil.
func RegisterHandlers(p *queue.Processor, objects storage.ObjectStore, brk *breaker.Breaker, dispatcher notify.Dispatcher, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	record := func(ctx context.Context, err error) {
		if brk == nil {
			return
		}
		var recordErr error
		if err != nil {
			recordErr = brk.RecordFailure(ctx, ServiceObjectStore)
		} else {
			recordErr = brk.RecordSuccess(ctx, ServiceObjectStore)
		}
		if recordErr != nil {
			logger.Warn("record drain outcome", zap.Error(recordErr))
		}
	}

	p.Register(queue.TypeUploadFile, func(ctx context.Context, _ queue.Operation, payload queue.Payload) error {
		upload := payload.(queue.UploadFilePayload)
		err := objects.Put(ctx, upload.Bucket, upload.Key, bytes.NewReader(upload.Data))
		record(ctx, err)
		return err
	})

	p.Register(queue.TypeDeleteFile, func(ctx context.Context, _ queue.Operation, payload queue.Payload) error {
		del := payload.(queue.DeleteFilePayload)
		err := objects.Delete(ctx, del.Bucket, del.Key)
		record(ctx, err)
		return err
	})

	p.Register(queue.TypeReplicateFile, func(ctx context.Context, _ queue.Operation, payload queue.Payload) error {
		repl := payload.(queue.ReplicateFilePayload)
		err := replicate(ctx, objects, repl)
		record(ctx, err)
		return err
	})

	p.Register(queue.TypeCleanupArtifacts, func(ctx context.Context, _ queue.Operation, payload queue.Payload) error {
		cleanup := payload.(queue.CleanupArtifactsPayload)
		keys, err := objects.List(ctx, cleanup.Bucket, cleanup.Prefix)
		if err != nil {
			record(ctx, err)
			return err
		}
		for _, key := range keys {
			if err := objects.Delete(ctx, cleanup.Bucket, key); err != nil {
				record(ctx, err)
				return fmt.Errorf("cleanup %s/%s: %w", cleanup.Bucket, key, err)
			}
		}
		record(ctx, nil)
		return nil
	})

	p.Register(queue.TypeNotifyUser, func(ctx context.Context, _ queue.Operation, payload queue.Payload) error {
		msg := payload.(queue.NotifyUserPayload)
		if dispatcher == nil {
			return nil
		}
		dispatcher.Send(ctx, msg.UserID, msg.Message, msg.Severity, nil)
		return nil
	})
}

func replicate(ctx context.Context, objects storage.ObjectStore, repl queue.ReplicateFilePayload) error {
	body, err := objects.Get(ctx, repl.Bucket, repl.Key)
	if err != nil {
		return fmt.Errorf("read source %s/%s: %w", repl.Bucket, repl.Key, err)
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read source %s/%s: %w", repl.Bucket, repl.Key, err)
	}
	if err := objects.Put(ctx, repl.TargetBucket, repl.Key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write replica %s/%s: %w", repl.TargetBucket, repl.Key, err)
	}
	return nil
}
