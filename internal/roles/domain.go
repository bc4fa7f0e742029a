package roles

import (
	"time"

	"github.com/tessera-app/tessera/internal/authz"
)

// Role groups permissions under a numeric authority level. Level is a
// monotonic rank: a higher value outranks a lower one.
type Role struct {
	ID          int64
	Name        string
	Description string
	Level       int
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is an atomic named capability.
type Permission struct {
	ID          int64
	Name        string
	Description string
	IsActive    bool
}

// AssignmentStatus is the lifecycle state of a role assignment.
type AssignmentStatus string

const (
	// StatusActive marks an assignment that participates in resolution.
	StatusActive AssignmentStatus = "active"
	// StatusRevoked marks a soft-deleted assignment. Assignments are never
	// physically removed during normal operation.
	StatusRevoked AssignmentStatus = "revoked"
)

// Assignment ties a principal to a role within one scope.
type Assignment struct {
	PrincipalID int64
	RoleID      int64
	Scope       authz.Scope
	Status      AssignmentStatus
	CreatedAt   time.Time
	RevokedAt   *time.Time
}
