package domain

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ticketfold/ticketfold/internal/platform/bus"
)

// Reactor translates user/project lifecycle events into replica updates
// and membership mutations. Delivery is at-least-once and unordered, so
// every handler is idempotent: replica inserts are existence-checked and a
// redelivered provisioning event surfaces as a caught ErrMembershipExists
// rather than corrupted state. Expected faults are logged and swallowed;
// ErrImpossible propagates as a hard failure.
type Reactor struct {
	service *Service
	store   Store
	publish func(bus.Event)
	logf    func(format string, args ...any)
}

// NewReactor constructs the lifecycle reactor. logf defaults to log.Printf.
func NewReactor(service *Service, store Store, publish func(bus.Event), logf func(format string, args ...any)) *Reactor {
	if logf == nil {
		logf = log.Printf
	}
	return &Reactor{
		service: service,
		store:   store,
		publish: publish,
		logf:    logf,
	}
}

// Register subscribes every lifecycle handler on the bus.
func (r *Reactor) Register(b *bus.Bus) {
	if r == nil || b == nil {
		return
	}
	b.Subscribe(TopicProjectCreated, payloadHandler(r.OnProjectCreated))
	b.Subscribe(TopicDefaultProjectCreated, payloadHandler(r.OnDefaultProjectCreated))
	b.Subscribe(TopicProjectDeleted, payloadHandler(r.OnProjectDeleted))
	b.Subscribe(TopicUserCreated, payloadHandler(r.OnUserCreated))
	b.Subscribe(TopicUserDeleted, payloadHandler(r.OnUserDeleted))
}

func payloadHandler[T any](handle func(ctx context.Context, payload T) error) bus.Handler {
	return func(ctx context.Context, evt bus.Event) error {
		payload, ok := evt.Payload.(T)
		if !ok {
			return fmt.Errorf("unexpected payload %T on topic %s", evt.Payload, evt.Topic)
		}
		return handle(ctx, payload)
	}
}

// OnProjectCreated records the project in the replica and provisions the
// creator's ADMIN/ACCEPTED membership.
func (r *Reactor) OnProjectCreated(ctx context.Context, evt ProjectCreated) error {
	if err := r.store.AddProjectReplica(ctx, evt.ProjectID); err != nil {
		return err
	}
	return r.provisionAdmin(ctx, evt.UserID, evt.ProjectID)
}

// OnDefaultProjectCreated records the project, self-heals the user replica
// (this event can outrun UserCreated), and provisions the ADMIN/ACCEPTED
// membership.
func (r *Reactor) OnDefaultProjectCreated(ctx context.Context, evt DefaultProjectCreated) error {
	if err := r.store.AddProjectReplica(ctx, evt.ProjectID); err != nil {
		return err
	}
	if err := r.store.AddUserReplica(ctx, evt.UserID); err != nil {
		return err
	}
	return r.provisionAdmin(ctx, evt.UserID, evt.ProjectID)
}

// OnProjectDeleted removes all memberships of the project, emits one
// MembershipDeleted per removed record, and drops the project replica
// entry. The admin invariant is not checked: the project itself is gone.
func (r *Reactor) OnProjectDeleted(ctx context.Context, evt ProjectDeleted) error {
	removed, err := r.store.DeleteMembershipsByProject(ctx, evt.ProjectID)
	if err != nil {
		return err
	}
	for _, membership := range removed {
		r.emit(TopicMembershipDeleted, MembershipDeleted{
			MembershipID: membership.ID,
			ProjectID:    membership.ProjectID,
			UserID:       membership.UserID,
		})
	}
	return r.store.RemoveProjectReplica(ctx, evt.ProjectID)
}

// OnUserCreated records the user in the replica.
func (r *Reactor) OnUserCreated(ctx context.Context, evt UserCreated) error {
	return r.store.AddUserReplica(ctx, evt.UserID)
}

// OnUserDeleted deletes every membership of the user through the command
// path, which emits MembershipDeleted and repairs the admin invariant per
// project, then drops the user replica entry. The reactor does not re-emit
// MembershipDeleted itself.
func (r *Reactor) OnUserDeleted(ctx context.Context, evt UserDeleted) error {
	memberships, err := r.service.ListByUser(ctx, evt.UserID)
	if err != nil && !errors.Is(err, ErrNoMembershipFound) {
		return err
	}
	for _, membership := range memberships {
		if err := r.service.Delete(ctx, membership.ID); err != nil {
			if errors.Is(err, ErrNoMembershipFound) {
				// Redelivered event; another delivery already removed it.
				r.logf("membership reactor: user %s membership %s already deleted", evt.UserID, membership.ID)
				continue
			}
			return err
		}
	}
	return r.store.RemoveUserReplica(ctx, evt.UserID)
}

// provisionAdmin creates the ADMIN/ACCEPTED membership for a freshly
// provisioned project, tolerating redelivery.
func (r *Reactor) provisionAdmin(ctx context.Context, userID, projectID string) error {
	_, err := r.service.Create(ctx, CreateInput{
		UserID:    userID,
		ProjectID: projectID,
		Role:      RoleAdmin,
		State:     StateAccepted,
	})
	if err != nil {
		if errors.Is(err, ErrMembershipExists) {
			r.logf("membership reactor: project %s already provisioned for user %s", projectID, userID)
			return nil
		}
		return err
	}
	return nil
}

func (r *Reactor) emit(topic string, payload any) {
	if r.publish == nil {
		return
	}
	r.publish(bus.Event{Topic: topic, Payload: payload})
}
