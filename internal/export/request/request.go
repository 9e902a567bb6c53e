// Package request manages the export request lifecycle: a persisted status
// row per export, driven from pending through processing to a terminal
// state, with lifecycle events published through the transactional outbox.
package request

import (
	"errors"
	"fmt"
	"time"

	"github.com/altamedica/patient-export/internal/export"
	"github.com/altamedica/patient-export/internal/export/strategy"
)

// Status is the lifecycle state of an export request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// transitions defines the legal status machine. Completed exports expire
// via cleanup; pending and processing exports can be cancelled.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {StatusExpired},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrRequestNotFound indicates the export request row does not exist.
var ErrRequestNotFound = errors.New("export request not found")

// InvalidTransitionError reports an illegal status change attempt.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid export status transition: %s -> %s", e.From, e.To)
}

// ArtifactExpiry is how long completed export artifacts stay downloadable.
const ArtifactExpiry = 7 * 24 * time.Hour

// ExportRequest is the persisted export aggregate.
type ExportRequest struct {
	ID             string                  `json:"id"`
	PatientID      string                  `json:"patient_id"`
	RequestedBy    string                  `json:"requested_by"`
	Format         export.Format           `json:"format"`
	Categories     []export.DataCategory   `json:"categories"`
	DateRange      *export.DateRange       `json:"date_range,omitempty"`
	Options        strategy.Options        `json:"options"`
	IdempotencyKey string                  `json:"idempotency_key"`
	Status         Status                  `json:"status"`
	Progress       int                     `json:"progress"`
	Stage          string                  `json:"stage,omitempty"`
	DownloadURL    string                  `json:"download_url,omitempty"`
	FileSize       int64                   `json:"file_size,omitempty"`
	Checksum       string                  `json:"checksum,omitempty"`
	ErrorMessage   string                  `json:"error_message,omitempty"`
	ExpiresAt      *time.Time              `json:"expires_at,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// Validate checks the request is well-formed before it is queued.
func (r *ExportRequest) Validate() error {
	if r.PatientID == "" {
		return export.ErrPatientIDRequired
	}
	if r.Format == "" {
		return export.ErrFormatRequired
	}
	if len(r.Categories) == 0 {
		return errors.New("at least one data category is required")
	}
	for _, cat := range r.Categories {
		if !export.IsKnownCategory(cat) {
			return &export.UnknownCategoryError{Category: cat}
		}
	}
	if r.DateRange != nil && r.DateRange.To.Before(r.DateRange.From) {
		return errors.New("date range end precedes start")
	}
	return nil
}

// Event types published to the lifecycle topic.
const (
	EventRequested = "export.requested"
	EventCompleted = "export.completed"
	EventFailed    = "export.failed"
	EventExpired   = "export.expired"
	EventCancelled = "export.cancelled"
)

// Event is the payload carried on export lifecycle topics.
type Event struct {
	EventType  string        `json:"event_type"`
	ExportID   string        `json:"export_id"`
	PatientID  string        `json:"patient_id"`
	Format     export.Format `json:"format"`
	Status     Status        `json:"status"`
	OccurredAt time.Time     `json:"occurred_at"`
	Detail     string        `json:"detail,omitempty"`
}
