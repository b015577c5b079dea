// Package domain implements the membership consistency engine: membership
// commands, the project-admin invariant repair that runs after deletions,
// and the reactors that mirror user/project lifecycle events into local
// existence replicas.
package domain

import (
	"errors"
	"strings"
	"time"
)

// Role is a membership role within a project.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// State is the acceptance state of a membership.
type State string

const (
	// StateOpen marks an invited membership pending acceptance.
	StateOpen State = "OPEN"
	// StateAccepted marks an active membership.
	StateAccepted State = "ACCEPTED"
)

var (
	// ErrNoMembershipFound indicates a membership lookup matched nothing.
	ErrNoMembershipFound = errors.New("membership not found")
	// ErrNoUserFound indicates the user is absent from the user replica.
	ErrNoUserFound = errors.New("user not found")
	// ErrNoProjectFound indicates the project is absent from the project replica.
	ErrNoProjectFound = errors.New("project not found")
	// ErrMembershipExists indicates the (user, project) pair already has a membership.
	ErrMembershipExists = errors.New("membership already exists")
	// ErrImpossible indicates the store violated its own uniqueness guarantee.
	// It is fatal and must never be swallowed.
	ErrImpossible = errors.New("impossible membership state")
	// ErrStoreNotConfigured indicates the service is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("membership store is not configured")
	// ErrUserIDRequired indicates a user id is required.
	ErrUserIDRequired = errors.New("user id is required")
	// ErrProjectIDRequired indicates a project id is required.
	ErrProjectIDRequired = errors.New("project id is required")
	// ErrMembershipIDRequired indicates a membership id is required.
	ErrMembershipIDRequired = errors.New("membership id is required")
	// ErrInvalidRole indicates an unknown role label.
	ErrInvalidRole = errors.New("membership role is invalid")
	// ErrInvalidState indicates an unknown state label.
	ErrInvalidState = errors.New("membership state is invalid")
)

// Membership is the relationship between one user and one project. The
// (UserID, ProjectID) pair is unique across all memberships regardless of
// state.
type Membership struct {
	ID        string
	UserID    string
	ProjectID string
	Role      Role
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Authority is one ACCEPTED membership's grant, consumed by the
// authorization layer.
type Authority struct {
	ProjectID string
	Role      Role
}

// ParseRole returns the canonical role for a label.
func ParseRole(value string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "ADMIN":
		return RoleAdmin, nil
	case "MEMBER":
		return RoleMember, nil
	default:
		return "", ErrInvalidRole
	}
}

// ParseState returns the canonical state for a label.
func ParseState(value string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "OPEN":
		return StateOpen, nil
	case "ACCEPTED":
		return StateAccepted, nil
	default:
		return "", ErrInvalidState
	}
}
