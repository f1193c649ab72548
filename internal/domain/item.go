package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies what a queue item delivers or executes.
type Kind string

const (
	KindNotifyAdmin  Kind = "notify-admin"
	KindNotifyUser   Kind = "notify-user"
	KindStatusChange Kind = "status-change"
	KindGenericJob   Kind = "generic-job"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindNotifyAdmin, KindNotifyUser, KindStatusChange, KindGenericJob:
		return true
	}
	return false
}

// Priority controls claim ordering. Critical items are claimed before
// normal ones regardless of age.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
)

func (p Priority) IsValid() bool {
	return p == PriorityCritical || p == PriorityNormal
}

// Status tracks the lifecycle of a queue item. An item cycles
// pending -> processing -> pending arbitrarily many times (retry, crash
// recovery) and terminates in sent, failed, or cancelled.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Well-known metadata keys the queue layer is allowed to read. Everything
// else in the metadata map is opaque to the queue and only used for search.
const (
	MetaBusinessKey   = "businessKey"
	MetaDiscriminator = "discriminator"
)

// Metadata is the caller-supplied structured map attached to an item.
// The queue interprets only BusinessKey and Discriminator (for duplicate
// suppression); all other keys pass through untouched.
type Metadata map[string]string

func (m Metadata) BusinessKey() string   { return m[MetaBusinessKey] }
func (m Metadata) Discriminator() string { return m[MetaDiscriminator] }

// DecodeMetadata parses a stored metadata blob. Non-string values are
// coerced to their string form so a partially malformed map still yields
// usable defaults; an error is returned only when the blob is not a JSON
// object at all. Callers treat an error as grounds for quarantine, not for
// blocking delivery.
func DecodeMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	m := make(Metadata, len(loose))
	for k, v := range loose {
		switch val := v.(type) {
		case string:
			m[k] = val
		default:
			m[k] = fmt.Sprint(val)
		}
	}
	return m, nil
}

// QueueItem is the single persistent entity of the delivery queue.
// Ownership transfer (pending -> processing by exactly one worker) is the
// sole synchronization primitive: no item is ever mutated by two owners
// concurrently.
type QueueItem struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	Target       string     `json:"target"`
	Payload      []byte     `json:"payload,omitempty"`
	Metadata     Metadata   `json:"metadata,omitempty"`
	Priority     Priority   `json:"priority"`
	Status       Status     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	OwnerID      *string    `json:"owner_id,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Quarantined  bool       `json:"quarantined,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// MetadataCorrupt is set by the store when the persisted metadata blob
	// could not be parsed. Not persisted; the dispatcher records a
	// quarantine marker and delivers with safe defaults.
	MetadataCorrupt bool `json:"-"`
}

// RetriesExhausted reports whether the item has used up its retry budget.
func (q *QueueItem) RetriesExhausted() bool {
	return q.RetryCount >= q.MaxRetries
}

// EnqueueRequest carries everything a producer supplies when enqueuing.
type EnqueueRequest struct {
	Kind        Kind       `json:"kind"`
	Target      string     `json:"target"`
	Payload     []byte     `json:"payload,omitempty"`
	Metadata    Metadata   `json:"metadata,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	MaxRetries  *int       `json:"max_retries,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	SkipDedup   bool       `json:"skip_dedup,omitempty"`
}

// MaxPayloadBytes is the default ceiling for payload plus metadata size.
// Oversized requests are rejected at enqueue, never truncated.
const MaxPayloadBytes = 256 * 1024

func (r *EnqueueRequest) Validate(maxPayload int) error {
	if !r.Kind.IsValid() {
		return ErrInvalidKind
	}
	if r.Target == "" {
		return ErrInvalidTarget
	}
	if r.Priority != "" && !r.Priority.IsValid() {
		return ErrInvalidPriority
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	size := len(r.Payload)
	for k, v := range r.Metadata {
		size += len(k) + len(v)
	}
	if size > maxPayload {
		return ErrPayloadTooLarge
	}
	return nil
}

// Stats is the aggregate state snapshot served to external consumers.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// SearchFilter holds query parameters for operator-facing item lookup.
// Term is matched as a substring against target, metadata, and payload.
type SearchFilter struct {
	Term   string
	Status *Status
	Kind   *Kind
	Limit  int
}
