// Package store contains the persistence layer for validation requests and
// activated domains.
package store

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a validation request.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusFailed  Status = "FAILED"
)

// RequestType distinguishes the two validation products.
type RequestType string

const (
	TypeUI    RequestType = "UI"
	TypeEmail RequestType = "EMAIL"
)

var (
	// ErrNotFound is returned when a request does not exist
	ErrNotFound = errors.New("request not found")

	// ErrDuplicate is returned when a (target, type) pair already exists
	ErrDuplicate = errors.New("duplicate request")

	// ErrConnectionFailed is returned when the database cannot be reached
	ErrConnectionFailed = errors.New("connection failed")

	// ErrClosed is returned when attempting to use a closed store
	ErrClosed = errors.New("store is closed")
)

// Request is one row of the validation request table.
type Request struct {
	ID                  int64
	Target              string
	Type                RequestType
	Status              Status
	LastCheckResultJSON string
	LastCheckedAt       *time.Time
	NextCheckAt         *time.Time
	ActivatedAt         *time.Time
	FailReason          string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ExpiresAt           time.Time
}

// Key returns the scheduler identity of the request, "{TYPE}:{target}".
func (r *Request) Key() string {
	return string(r.Type) + ":" + r.Target
}

// NewRequest carries the fields of a request being created.
type NewRequest struct {
	Target    string
	Type      RequestType
	ExpiresAt time.Time
}

// Store is the persistence surface the scheduler and API depend on.
type Store interface {
	// InsertRequest creates a PENDING request. Returns ErrDuplicate when a
	// row with the same (target, type) already exists.
	InsertRequest(ctx context.Context, req *NewRequest) (*Request, error)

	// FindByID loads one request. Returns ErrNotFound when absent.
	FindByID(ctx context.Context, id int64) (*Request, error)

	// FindByTarget loads the request for a (target, type) pair. Returns
	// ErrNotFound when absent.
	FindByTarget(ctx context.Context, target string, typ RequestType) (*Request, error)

	// FindByTargetAll loads every request for a target, any type, newest
	// first. Used by the read-only query path.
	FindByTargetAll(ctx context.Context, target string) ([]*Request, error)

	// FindLastCreated returns the most recently created request for a
	// (target, type) pair regardless of status, or ErrNotFound.
	FindLastCreated(ctx context.Context, target string, typ RequestType) (*Request, error)

	// FindPendingNotExpired returns all PENDING requests whose deadline is
	// still in the future. Used to resume polling after a restart.
	FindPendingNotExpired(ctx context.Context, now time.Time) ([]*Request, error)

	// UpdateCheckResult persists a check result payload onto a request that
	// is still PENDING. Returns false when the row was not PENDING anymore,
	// in which case nothing was written.
	UpdateCheckResult(ctx context.Context, id int64, resultJSON string, checkedAt, nextCheckAt time.Time) (bool, error)

	// TouchLastChecked updates only the last-checked timestamp, regardless
	// of status. Used by the read-only query path's debounce.
	TouchLastChecked(ctx context.Context, id int64, checkedAt time.Time) error

	// TransitionActive promotes a PENDING request to ACTIVE. Returns false
	// when the request had already left PENDING.
	TransitionActive(ctx context.Context, id int64) (bool, error)

	// TransitionExpired moves a PENDING request to EXPIRED. Returns false
	// when the request had already left PENDING.
	TransitionExpired(ctx context.Context, id int64) (bool, error)

	// RecordCheckError persists a sanitized failure note on a request
	// without touching its status. The polling job keeps running.
	RecordCheckError(ctx context.Context, id int64, reason string) error

	// SetFailReason marks a request FAILED with an operator-readable reason.
	// Only an operator path calls this; the scheduler never does.
	SetFailReason(ctx context.Context, id int64, reason string) error

	// MarkDomainActive records a domain as activated. Idempotent.
	MarkDomainActive(ctx context.Context, domain string) error

	// CleanupOld deletes terminal-state requests last updated before the
	// cutoff. Returns the number of rows removed.
	CleanupOld(ctx context.Context, before time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close releases all database resources.
	Close() error
}
