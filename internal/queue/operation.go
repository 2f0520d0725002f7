// internal/queue/operation.go
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status tracks an operation through its lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders dispatch; lower values drain first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 9
)

// Type identifies the kind of deferred work.
type Type string

const (
	TypeUploadFile       Type = "upload_file"
	TypeDeleteFile       Type = "delete_file"
	TypeReplicateFile    Type = "replicate_file"
	TypeNotifyUser       Type = "notify_user"
	TypeCleanupArtifacts Type = "cleanup_artifacts"
)

// Payload is the closed set of operation payloads. The unexported method
// keeps the set sealed so dispatch stays exhaustive.
type Payload interface {
	OperationType() Type
	sealed()
}

// UploadFilePayload stores object bytes deferred during an outage.
type UploadFilePayload struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	Data        []byte `json:"data"`
	ContentType string `json:"content_type,omitempty"`
}

func (UploadFilePayload) OperationType() Type { return TypeUploadFile }
func (UploadFilePayload) sealed()             {}

// DeleteFilePayload removes an object once the dependency recovers.
type DeleteFilePayload struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (DeleteFilePayload) OperationType() Type { return TypeDeleteFile }
func (DeleteFilePayload) sealed()             {}

// ReplicateFilePayload copies an object to a secondary location.
type ReplicateFilePayload struct {
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	TargetBucket string `json:"target_bucket"`
}

func (ReplicateFilePayload) OperationType() Type { return TypeReplicateFile }
func (ReplicateFilePayload) sealed()             {}

// NotifyUserPayload delivers a user-facing message about a deferred or
// failed operation.
type NotifyUserPayload struct {
	UserID   string `json:"user_id"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (NotifyUserPayload) OperationType() Type { return TypeNotifyUser }
func (NotifyUserPayload) sealed()             {}

// CleanupArtifactsPayload deletes stale intermediate objects under a
// prefix.
type CleanupArtifactsPayload struct {
	Bucket string    `json:"bucket"`
	Prefix string    `json:"prefix"`
	Before time.Time `json:"before"`
}

func (CleanupArtifactsPayload) OperationType() Type { return TypeCleanupArtifacts }
func (CleanupArtifactsPayload) sealed()             {}

// EncodePayload marshals a payload for persistence.
func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.OperationType(), err)
	}
	return data, nil
}

// DecodePayload reverses EncodePayload. Unknown types are a
// configuration error, not a retryable one.
func DecodePayload(typ Type, raw json.RawMessage) (Payload, error) {
	decode := func(p Payload) (Payload, error) {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", typ, err)
		}
		return p, nil
	}

	switch typ {
	case TypeUploadFile:
		p, err := decode(&UploadFilePayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*UploadFilePayload), nil
	case TypeDeleteFile:
		p, err := decode(&DeleteFilePayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*DeleteFilePayload), nil
	case TypeReplicateFile:
		p, err := decode(&ReplicateFilePayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*ReplicateFilePayload), nil
	case TypeNotifyUser:
		p, err := decode(&NotifyUserPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*NotifyUserPayload), nil
	case TypeCleanupArtifacts:
		p, err := decode(&CleanupArtifactsPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*CleanupArtifactsPayload), nil
	default:
		return nil, &ConfigError{Field: "operation_type", Reason: fmt.Sprintf("unknown type %q", typ)}
	}
}

// Operation is one durable queue item.
type Operation struct {
	ID          string          `json:"operation_id"`
	Type        Type            `json:"operation_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	LastError   string          `json:"last_error,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	FileID      string          `json:"file_id,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
