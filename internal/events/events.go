package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Origin string

const (
	OriginManual Origin = "manual"
	OriginAuto   Origin = "auto"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSent     Status = "SENT"
	StatusCanceled Status = "CANCELED"
	StatusFailed   Status = "FAILED"
)

// Source tags every record produced by this device.
const Source = "edge"

// MaxAttempts is how many publish failures a confirmation tolerates before it is marked FAILED.
const MaxAttempts = 3

var (
	ErrAlreadySent = errors.New("confirmation already sent")
	ErrNotFound    = errors.New("confirmation not found")
)

// Confirmation is one attendance mark. LocalID is generated on the device and is the
// idempotency key end to end: the outbox, the MQTT payload and the backend.
type Confirmation struct {
	LocalID     string    `json:"localId"`
	SessionID   string    `json:"sessionId"`
	StudentID   string    `json:"studentId"`
	Confidence  float64   `json:"confidence"`
	DetectedAt  time.Time `json:"detectedAt"`
	ConfirmedAt time.Time `json:"confirmedAt"`
	Origin      Origin    `json:"origin"`
	Source      string    `json:"source"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
}

func NewConfirmation(sessionID, studentID string, confidence float64, detectedAt, confirmedAt time.Time, origin Origin) *Confirmation {
	return &Confirmation{
		LocalID:     uuid.NewString(),
		SessionID:   sessionID,
		StudentID:   studentID,
		Confidence:  confidence,
		DetectedAt:  detectedAt,
		ConfirmedAt: confirmedAt,
		Origin:      origin,
		Source:      Source,
		Status:      StatusPending,
	}
}

// Sink persists confirmations until they are synced.
type Sink interface {
	RecordConfirmation(ctx context.Context, c *Confirmation) error
	// CancelConfirmation cancels the latest confirmation of a student in a session.
	// It returns ErrAlreadySent if that row was already published and ErrNotFound if there is none.
	CancelConfirmation(ctx context.Context, sessionID, studentID string) error
}
