// Package app wires the membership runtime: storage, the event bus, the
// domain service, and the lifecycle reactor subscriptions.
package app

import (
	"context"
	"fmt"
	"log"
	mathrand "math/rand"
	"strings"
	"sync"

	"github.com/ticketfold/ticketfold/internal/platform/bus"
	"github.com/ticketfold/ticketfold/internal/random"
	"github.com/ticketfold/ticketfold/internal/services/membership/domain"
	"github.com/ticketfold/ticketfold/internal/services/membership/storage/sqlite"
	ticketdomain "github.com/ticketfold/ticketfold/internal/services/ticket/domain"
)

// RuntimeConfig controls membership service startup and dependency wiring.
type RuntimeConfig struct {
	StoragePath string
}

// Server bundles the wired membership runtime for the process entrypoint
// and for integration tests.
type Server struct {
	Bus         *bus.Bus
	Store       *sqlite.Store
	Memberships *domain.Service
	Tickets     *ticketdomain.Service
}

// NewServer opens storage and subscribes every reactor on a fresh bus.
func NewServer(cfg RuntimeConfig) (*Server, error) {
	if strings.TrimSpace(cfg.StoragePath) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	store, err := sqlite.Open(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open membership storage: %w", err)
	}

	pick, err := newPicker()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	b := bus.New(bus.WithErrorFunc(func(topic string, err error) {
		log.Printf("membership bus: handler for %s failed (%s): %v", topic, domain.ErrorCode(err), err)
	}))
	memberships := domain.NewService(store, b.Publish, nil, nil, pick)
	reactor := domain.NewReactor(memberships, store, b.Publish, nil)
	reactor.Register(b)

	tickets := ticketdomain.NewService(ticketdomain.NewMemStore())
	tickets.Register(b)

	return &Server{
		Bus:         b,
		Store:       store,
		Memberships: memberships,
		Tickets:     tickets,
	}, nil
}

// Close drains the bus and closes storage.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.Bus != nil {
		s.Bus.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Printf("close membership storage: %v", err)
		}
	}
}

// Run starts the membership runtime until context cancellation.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	server, err := NewServer(cfg)
	if err != nil {
		return err
	}
	defer server.Close()

	log.Printf("membership service ready (storage %s)", cfg.StoragePath)
	<-ctx.Done()
	return nil
}

// newPicker returns a promotion picker backed by a crypto-seeded PRNG. The
// shared rng is guarded because deletions may run concurrently.
func newPicker() (func(n int) int, error) {
	seed, err := random.NewSeed()
	if err != nil {
		return nil, fmt.Errorf("seed promotion picker: %w", err)
	}
	rng := mathrand.New(mathrand.NewSource(seed))
	var mu sync.Mutex
	return func(n int) int {
		mu.Lock()
		defer mu.Unlock()
		return rng.Intn(n)
	}, nil
}
