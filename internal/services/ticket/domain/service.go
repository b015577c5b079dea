// Package domain keeps ticket assignee state consistent with membership
// lifecycle events: a deleted membership unassigns its user from the
// project's tickets, and a deleted project drops its tickets entirely.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ticketfold/ticketfold/internal/platform/bus"
	membership "github.com/ticketfold/ticketfold/internal/services/membership/domain"
)

var (
	// ErrNoTicketFound indicates a ticket lookup matched nothing.
	ErrNoTicketFound = errors.New("ticket not found")
	// ErrStoreNotConfigured indicates the service is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("ticket store is not configured")
)

// Ticket is the slice of ticket state this projection cares about.
type Ticket struct {
	ID          string
	ProjectID   string
	Title       string
	AssigneeIDs []string
}

// IsAssignee reports whether the user is assigned to the ticket.
func (t Ticket) IsAssignee(userID string) bool {
	for _, assignee := range t.AssigneeIDs {
		if assignee == userID {
			return true
		}
	}
	return false
}

// Store is the persistence boundary for ticket assignee state.
type Store interface {
	PutTicket(ctx context.Context, ticket Ticket) error
	GetTicket(ctx context.Context, ticketID string) (Ticket, error)
	ListTicketsByProject(ctx context.Context, projectID string) ([]Ticket, error)
	DeleteTicketsByProject(ctx context.Context, projectID string) error
}

// Service reacts to membership and project lifecycle events.
type Service struct {
	store Store
}

// NewService constructs the ticket projection service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register subscribes the projection's handlers on the bus.
func (s *Service) Register(b *bus.Bus) {
	if s == nil || b == nil {
		return
	}
	b.Subscribe(membership.TopicMembershipDeleted, func(ctx context.Context, evt bus.Event) error {
		payload, ok := evt.Payload.(membership.MembershipDeleted)
		if !ok {
			return fmt.Errorf("unexpected payload %T on topic %s", evt.Payload, evt.Topic)
		}
		return s.OnMembershipDeleted(ctx, payload)
	})
	b.Subscribe(membership.TopicProjectDeleted, func(ctx context.Context, evt bus.Event) error {
		payload, ok := evt.Payload.(membership.ProjectDeleted)
		if !ok {
			return fmt.Errorf("unexpected payload %T on topic %s", evt.Payload, evt.Topic)
		}
		return s.OnProjectDeleted(ctx, payload)
	})
}

// OnMembershipDeleted removes the departed user from assignee sets of the
// project's tickets. Removing an absent assignee is a no-op, so redelivery
// is harmless.
func (s *Service) OnMembershipDeleted(ctx context.Context, evt membership.MembershipDeleted) error {
	if s == nil || s.store == nil {
		return ErrStoreNotConfigured
	}
	tickets, err := s.store.ListTicketsByProject(ctx, evt.ProjectID)
	if err != nil {
		return err
	}
	for _, ticket := range tickets {
		if !ticket.IsAssignee(evt.UserID) {
			continue
		}
		assignees := make([]string, 0, len(ticket.AssigneeIDs)-1)
		for _, assignee := range ticket.AssigneeIDs {
			if assignee != evt.UserID {
				assignees = append(assignees, assignee)
			}
		}
		ticket.AssigneeIDs = assignees
		if err := s.store.PutTicket(ctx, ticket); err != nil {
			return err
		}
	}
	return nil
}

// OnProjectDeleted drops all tickets of the deleted project.
func (s *Service) OnProjectDeleted(ctx context.Context, evt membership.ProjectDeleted) error {
	if s == nil || s.store == nil {
		return ErrStoreNotConfigured
	}
	return s.store.DeleteTicketsByProject(ctx, evt.ProjectID)
}

// Get loads one ticket by id.
func (s *Service) Get(ctx context.Context, ticketID string) (Ticket, error) {
	if s == nil || s.store == nil {
		return Ticket{}, ErrStoreNotConfigured
	}
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return Ticket{}, fmt.Errorf("%w: empty ticket id", ErrNoTicketFound)
	}
	return s.store.GetTicket(ctx, ticketID)
}
