package domain

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory Store. The ticket projection keeps no durable
// state of its own; it can be rebuilt from the ticket subsystem.
type MemStore struct {
	mu      sync.RWMutex
	tickets map[string]Ticket
}

// NewMemStore creates an empty in-memory ticket store.
func NewMemStore() *MemStore {
	return &MemStore{tickets: make(map[string]Ticket)}
}

// PutTicket inserts or replaces one ticket.
func (s *MemStore) PutTicket(ctx context.Context, ticket Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[ticket.ID] = cloneTicket(ticket)
	return nil
}

// GetTicket loads one ticket by id.
func (s *MemStore) GetTicket(ctx context.Context, ticketID string) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrNoTicketFound, ticketID)
	}
	return cloneTicket(ticket), nil
}

// ListTicketsByProject lists a project's tickets ordered by id.
func (s *MemStore) ListTicketsByProject(ctx context.Context, projectID string) ([]Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tickets []Ticket
	for _, ticket := range s.tickets {
		if ticket.ProjectID == projectID {
			tickets = append(tickets, cloneTicket(ticket))
		}
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].ID < tickets[j].ID })
	return tickets, nil
}

// DeleteTicketsByProject removes every ticket of a project.
func (s *MemStore) DeleteTicketsByProject(ctx context.Context, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ticket := range s.tickets {
		if ticket.ProjectID == projectID {
			delete(s.tickets, id)
		}
	}
	return nil
}

func cloneTicket(ticket Ticket) Ticket {
	assignees := make([]string, len(ticket.AssigneeIDs))
	copy(assignees, ticket.AssigneeIDs)
	ticket.AssigneeIDs = assignees
	return ticket
}
