// Package approval implements the durable human checkpoint. Requests are
// persisted before Submit returns, deadlines are absolute timestamps, and
// a restart resumes counting down from what the store says, never from a
// fresh in-memory timer.
package approval

import (
	"errors"
	"time"

	"github.com/tkingovr/aegis/api"
)

// ErrNotFound is returned for operations on an unknown request id.
var ErrNotFound = errors.New("approval request not found")

// ErrAlreadyResolved is returned when approve/deny hits a request that is
// no longer pending. Terminal states are immutable.
var ErrAlreadyResolved = errors.New("approval request already resolved")

// Request is one approval gate entry. Status transitions only from
// PENDING to exactly one of APPROVED/DENIED/EXPIRED.
type Request struct {
	ID          string             `gorm:"primaryKey;size:36" json:"id"`
	Description string             `json:"description"`
	Metadata    map[string]string  `gorm:"serializer:json" json:"metadata,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`
	TimeoutAt   time.Time          `gorm:"index" json:"timeout_at"`
	Status      api.ApprovalStatus `gorm:"index;size:16" json:"status"`
	ResolvedAt  *time.Time         `json:"resolved_at,omitempty"`
	Resolver    string             `json:"resolver,omitempty"`
}

// TableName keeps the schema name stable across gorm versions.
func (Request) TableName() string { return "approval_requests" }
