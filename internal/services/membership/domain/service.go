package domain

import (
	"context"
	"fmt"
	mathrand "math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ticketfold/ticketfold/internal/platform/bus"
	"github.com/ticketfold/ticketfold/internal/platform/id"
)

// DeleteResult reports what a checked deletion did inside its transaction.
type DeleteResult struct {
	Deleted     Membership
	RowsDeleted int64
	Decision    RepairDecision
}

// Store is the domain persistence boundary for membership lifecycle
// behavior. Replica entries are existence-only caches of externally-owned
// aggregates; membership rows are owned by this subsystem.
type Store interface {
	AddUserReplica(ctx context.Context, userID string) error
	RemoveUserReplica(ctx context.Context, userID string) error
	ExistsUserReplica(ctx context.Context, userID string) (bool, error)

	AddProjectReplica(ctx context.Context, projectID string) error
	RemoveProjectReplica(ctx context.Context, projectID string) error
	ExistsProjectReplica(ctx context.Context, projectID string) (bool, error)

	PutMembership(ctx context.Context, membership Membership) error
	GetMembership(ctx context.Context, membershipID string) (Membership, error)
	ExistsMembership(ctx context.Context, userID string, projectID string) (bool, error)
	ListMembershipsByUser(ctx context.Context, userID string) ([]Membership, error)
	ListMembershipsByProject(ctx context.Context, projectID string) ([]Membership, error)
	ListAcceptedMembershipsByUser(ctx context.Context, userID string) ([]Membership, error)
	SetMembershipState(ctx context.Context, membershipID string, state State, at time.Time) error
	SetMembershipRole(ctx context.Context, membershipID string, role Role, at time.Time) error

	// DeleteMembershipChecked removes one membership and, inside the same
	// transaction, passes the remaining ACCEPTED memberships of the affected
	// project to decide. A RepairPromote decision is applied before commit,
	// stamping updated_at with at.
	DeleteMembershipChecked(ctx context.Context, membershipID string, at time.Time, decide func(remaining []Membership) RepairDecision) (DeleteResult, error)

	// DeleteMembershipsByProject removes every membership of a project and
	// returns the removed records.
	DeleteMembershipsByProject(ctx context.Context, projectID string) ([]Membership, error)
}

// CreateInput describes one membership creation request.
type CreateInput struct {
	UserID    string
	ProjectID string
	Role      Role
	// State defaults to OPEN, the invite flow. Project provisioning passes
	// ACCEPTED directly.
	State State
}

// Service orchestrates membership lifecycle behavior: command handling,
// the post-deletion admin invariant repair, and outgoing domain events.
type Service struct {
	store   Store
	publish func(bus.Event)
	clock   func() time.Time
	newID   func() (string, error)
	pick    func(n int) int
	tracer  trace.Tracer
}

// NewService constructs membership domain use-cases. publish may be nil for
// callers that do not fan events out. pick selects the member promoted when
// a project loses its last admin; it defaults to a uniform random pick.
func NewService(store Store, publish func(bus.Event), clock func() time.Time, newID func() (string, error), pick func(n int) int) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	if pick == nil {
		pick = mathrand.Intn
	}
	return &Service{
		store:   store,
		publish: publish,
		clock:   clock,
		newID:   newID,
		pick:    pick,
		tracer:  otel.Tracer("ticketfold.membership"),
	}
}

// Create validates the referenced project and user against the local
// replicas, enforces (user, project) uniqueness, persists the membership,
// and emits exactly one creation event depending on the initial state.
func (s *Service) Create(ctx context.Context, input CreateInput) (Membership, error) {
	if s == nil || s.store == nil {
		return Membership{}, ErrStoreNotConfigured
	}
	ctx, span := s.tracer.Start(ctx, "membership.create")
	defer span.End()

	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return Membership{}, ErrUserIDRequired
	}
	projectID := strings.TrimSpace(input.ProjectID)
	if projectID == "" {
		return Membership{}, ErrProjectIDRequired
	}
	role := input.Role
	if role != RoleAdmin && role != RoleMember {
		return Membership{}, ErrInvalidRole
	}
	state := input.State
	if state == "" {
		state = StateOpen
	}
	if state != StateOpen && state != StateAccepted {
		return Membership{}, ErrInvalidState
	}

	projectExists, err := s.store.ExistsProjectReplica(ctx, projectID)
	if err != nil {
		return Membership{}, err
	}
	if !projectExists {
		return Membership{}, fmt.Errorf("%w: %s", ErrNoProjectFound, projectID)
	}
	userExists, err := s.store.ExistsUserReplica(ctx, userID)
	if err != nil {
		return Membership{}, err
	}
	if !userExists {
		return Membership{}, fmt.Errorf("%w: %s", ErrNoUserFound, userID)
	}
	exists, err := s.store.ExistsMembership(ctx, userID, projectID)
	if err != nil {
		return Membership{}, err
	}
	if exists {
		return Membership{}, fmt.Errorf("%w: user %s in project %s", ErrMembershipExists, userID, projectID)
	}

	membershipID, err := s.newID()
	if err != nil {
		return Membership{}, err
	}
	now := s.nowUTC()
	membership := Membership{
		ID:        membershipID,
		UserID:    userID,
		ProjectID: projectID,
		Role:      role,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.PutMembership(ctx, membership); err != nil {
		return Membership{}, err
	}

	if membership.State == StateOpen {
		s.emit(TopicUnacceptedMembershipCreated, UnacceptedMembershipCreated{
			MembershipID: membership.ID,
			UserID:       membership.UserID,
			ProjectID:    membership.ProjectID,
		})
	} else {
		s.emit(TopicMembershipAccepted, MembershipAccepted{
			MembershipID: membership.ID,
			ProjectID:    membership.ProjectID,
			UserID:       membership.UserID,
		})
	}
	return membership, nil
}

// Get loads one membership by id.
func (s *Service) Get(ctx context.Context, membershipID string) (Membership, error) {
	if s == nil || s.store == nil {
		return Membership{}, ErrStoreNotConfigured
	}
	ctx, span := s.tracer.Start(ctx, "membership.get")
	defer span.End()

	membershipID = strings.TrimSpace(membershipID)
	if membershipID == "" {
		return Membership{}, ErrMembershipIDRequired
	}
	return s.store.GetMembership(ctx, membershipID)
}

// ListByUser lists a user's memberships. An empty result is a
// NoMembershipFound fault: callers such as authorization lookups treat "no
// memberships" as exceptional.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]Membership, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	ctx, span := s.tracer.Start(ctx, "membership.list_by_user")
	defer span.End()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	memberships, err := s.store.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return nil, fmt.Errorf("%w: no memberships for user %s", ErrNoMembershipFound, userID)
	}
	return memberships, nil
}

// ListByProject lists a project's memberships, failing on an empty result
// like ListByUser.
func (s *Service) ListByProject(ctx context.Context, projectID string) ([]Membership, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	ctx, span := s.tracer.Start(ctx, "membership.list_by_project")
	defer span.End()

	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, ErrProjectIDRequired
	}
	memberships, err := s.store.ListMembershipsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return nil, fmt.Errorf("%w: no memberships for project %s", ErrNoMembershipFound, projectID)
	}
	return memberships, nil
}

// ListActiveAuthoritiesByUser returns the roles granted by a user's
// ACCEPTED memberships. Unlike the list operations, an empty result is not
// an error.
func (s *Service) ListActiveAuthoritiesByUser(ctx context.Context, userID string) ([]Authority, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	ctx, span := s.tracer.Start(ctx, "membership.list_active_authorities")
	defer span.End()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	memberships, err := s.store.ListAcceptedMembershipsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	authorities := make([]Authority, 0, len(memberships))
	for _, m := range memberships {
		authorities = append(authorities, Authority{ProjectID: m.ProjectID, Role: m.Role})
	}
	return authorities, nil
}

// UserIDByMembership returns the user id behind a membership.
func (s *Service) UserIDByMembership(ctx context.Context, membershipID string) (string, error) {
	membership, err := s.Get(ctx, membershipID)
	if err != nil {
		return "", err
	}
	return membership.UserID, nil
}

// ProjectIDByMembership returns the project id behind a membership.
func (s *Service) ProjectIDByMembership(ctx context.Context, membershipID string) (string, error) {
	membership, err := s.Get(ctx, membershipID)
	if err != nil {
		return "", err
	}
	return membership.ProjectID, nil
}

// UpdateState sets the membership state and emits MembershipAccepted even
// when the state did not change. Downstream consumers rely on the
// re-confirm emission, so it stays unconditional. Direction of the
// transition is asserted at the API boundary, not here.
func (s *Service) UpdateState(ctx context.Context, membershipID string, state State) (Membership, error) {
	if s == nil || s.store == nil {
		return Membership{}, ErrStoreNotConfigured
	}
	ctx, span := s.tracer.Start(ctx, "membership.update_state")
	defer span.End()

	if state != StateOpen && state != StateAccepted {
		return Membership{}, ErrInvalidState
	}
	membership, err := s.Get(ctx, membershipID)
	if err != nil {
		return Membership{}, err
	}
	now := s.nowUTC()
	if err := s.store.SetMembershipState(ctx, membership.ID, state, now); err != nil {
		return Membership{}, err
	}
	membership.State = state
	membership.UpdatedAt = now

	s.emit(TopicMembershipAccepted, MembershipAccepted{
		MembershipID: membership.ID,
		ProjectID:    membership.ProjectID,
		UserID:       membership.UserID,
	})
	return membership, nil
}

// UpdateRole sets the membership role without re-checking the project
// admin invariant. Known gap: demoting a project's sole admin through this
// path is neither prevented nor repaired.
func (s *Service) UpdateRole(ctx context.Context, membershipID string, role Role) (Membership, error) {
	if s == nil || s.store == nil {
		return Membership{}, ErrStoreNotConfigured
	}
	ctx, span := s.tracer.Start(ctx, "membership.update_role")
	defer span.End()

	if role != RoleAdmin && role != RoleMember {
		return Membership{}, ErrInvalidRole
	}
	membership, err := s.Get(ctx, membershipID)
	if err != nil {
		return Membership{}, err
	}
	now := s.nowUTC()
	if err := s.store.SetMembershipRole(ctx, membership.ID, role, now); err != nil {
		return Membership{}, err
	}
	membership.Role = role
	membership.UpdatedAt = now
	return membership, nil
}

// Delete removes one membership, emits MembershipDeleted, and restores the
// project admin invariant before returning: if no ACCEPTED member remains
// it emits LastProjectMemberDeleted; if members remain without an admin,
// one survivor is promoted inside the deletion transaction.
func (s *Service) Delete(ctx context.Context, membershipID string) error {
	if s == nil || s.store == nil {
		return ErrStoreNotConfigured
	}
	ctx, span := s.tracer.Start(ctx, "membership.delete")
	defer span.End()

	membership, err := s.Get(ctx, membershipID)
	if err != nil {
		return err
	}

	result, err := s.store.DeleteMembershipChecked(ctx, membership.ID, s.nowUTC(), func(remaining []Membership) RepairDecision {
		return DecideRepair(remaining, s.pick)
	})
	if err != nil {
		return err
	}
	if result.RowsDeleted == 0 {
		return fmt.Errorf("%w: %s", ErrNoMembershipFound, membership.ID)
	}
	if result.RowsDeleted > 1 {
		return fmt.Errorf("%w: deleting membership %s removed %d rows", ErrImpossible, membership.ID, result.RowsDeleted)
	}

	s.emit(TopicMembershipDeleted, MembershipDeleted{
		MembershipID: membership.ID,
		ProjectID:    membership.ProjectID,
		UserID:       membership.UserID,
	})
	if result.Decision.Action == RepairLastMemberDeleted {
		s.emit(TopicLastProjectMemberDeleted, LastProjectMemberDeleted{
			UserID:    membership.UserID,
			ProjectID: membership.ProjectID,
		})
	}
	return nil
}

func (s *Service) emit(topic string, payload any) {
	if s.publish == nil {
		return
	}
	s.publish(bus.Event{Topic: topic, Payload: payload})
}

func (s *Service) nowUTC() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}
