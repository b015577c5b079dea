package domain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ticketfold/ticketfold/internal/platform/bus"
)

func newTestReactor(store *fakeStore, recorder *eventRecorder, logs *logRecorder, pick func(n int) int) *Reactor {
	svc := NewService(store, recorder.publish, nil, lockedIDGenerator(), pick)
	return NewReactor(svc, store, recorder.publish, logs.logf)
}

func TestReactor_ProjectCreatedProvisionsAdmin(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addUser("user-1")
	recorder := &eventRecorder{}
	reactor := newTestReactor(store, recorder, &logRecorder{}, nil)

	err := reactor.OnProjectCreated(context.Background(), ProjectCreated{ProjectID: "project-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("handle project created: %v", err)
	}

	exists, err := store.ExistsProjectReplica(context.Background(), "project-1")
	if err != nil || !exists {
		t.Fatalf("expected project replica entry, exists=%v err=%v", exists, err)
	}
	memberships, err := store.ListMembershipsByProject(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	if len(memberships) != 1 {
		t.Fatalf("expected one provisioned membership, got %d", len(memberships))
	}
	if memberships[0].Role != RoleAdmin || memberships[0].State != StateAccepted {
		t.Fatalf("expected ADMIN/ACCEPTED membership, got %s/%s", memberships[0].Role, memberships[0].State)
	}
	if got := recorder.countTopic(TopicMembershipAccepted); got != 1 {
		t.Fatalf("expected one MembershipAccepted event, got %d", got)
	}
}

func TestReactor_ProjectCreatedRedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addUser("user-1")
	recorder := &eventRecorder{}
	logs := &logRecorder{}
	reactor := newTestReactor(store, recorder, logs, nil)

	evt := ProjectCreated{ProjectID: "project-1", UserID: "user-1"}
	if err := reactor.OnProjectCreated(context.Background(), evt); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := reactor.OnProjectCreated(context.Background(), evt); err != nil {
		t.Fatalf("redelivery must not fail: %v", err)
	}

	if got := store.membershipCount(); got != 1 {
		t.Fatalf("expected one membership after redelivery, got %d", got)
	}
	if !logs.contains("already provisioned") {
		t.Fatalf("expected redelivery to be logged, got %v", logs.lines())
	}
}

func TestReactor_DefaultProjectCreatedSelfHealsUserReplica(t *testing.T) {
	t.Parallel()

	// No UserCreated delivery yet; the default-project event carries enough
	// to make progress anyway.
	store := newFakeStore()
	recorder := &eventRecorder{}
	reactor := newTestReactor(store, recorder, &logRecorder{}, nil)

	err := reactor.OnDefaultProjectCreated(context.Background(), DefaultProjectCreated{ProjectID: "project-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("handle default project created: %v", err)
	}

	userExists, err := store.ExistsUserReplica(context.Background(), "user-1")
	if err != nil || !userExists {
		t.Fatalf("expected user replica entry, exists=%v err=%v", userExists, err)
	}
	if got := store.membershipCount(); got != 1 {
		t.Fatalf("expected one provisioned membership, got %d", got)
	}
}

func TestReactor_UserCreatedRecordsReplica(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	reactor := newTestReactor(store, &eventRecorder{}, &logRecorder{}, nil)

	if err := reactor.OnUserCreated(context.Background(), UserCreated{UserID: "user-1"}); err != nil {
		t.Fatalf("handle user created: %v", err)
	}
	exists, err := store.ExistsUserReplica(context.Background(), "user-1")
	if err != nil || !exists {
		t.Fatalf("expected user replica entry, exists=%v err=%v", exists, err)
	}
}

func TestReactor_ProjectDeletedCascadesAndAnnouncesEachMembership(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addProject("project-1")
	store.seedMembership(Membership{ID: "mem-1", UserID: "user-1", ProjectID: "project-1", Role: RoleAdmin, State: StateAccepted})
	store.seedMembership(Membership{ID: "mem-2", UserID: "user-2", ProjectID: "project-1", Role: RoleMember, State: StateAccepted})
	store.seedMembership(Membership{ID: "mem-other", UserID: "user-1", ProjectID: "project-2", Role: RoleAdmin, State: StateAccepted})
	recorder := &eventRecorder{}
	reactor := newTestReactor(store, recorder, &logRecorder{}, nil)

	err := reactor.OnProjectDeleted(context.Background(), ProjectDeleted{ProjectID: "project-1"})
	if err != nil {
		t.Fatalf("handle project deleted: %v", err)
	}

	if got := recorder.countTopic(TopicMembershipDeleted); got != 2 {
		t.Fatalf("expected two MembershipDeleted events, got %d", got)
	}
	if got := recorder.countTopic(TopicLastProjectMemberDeleted); got != 0 {
		t.Fatalf("project teardown must not emit last-member events, got %d", got)
	}
	exists, err := store.ExistsProjectReplica(context.Background(), "project-1")
	if err != nil || exists {
		t.Fatalf("expected project replica removed, exists=%v err=%v", exists, err)
	}
	if got := store.membershipCount(); got != 1 {
		t.Fatalf("expected the unrelated membership to survive, got %d remaining", got)
	}
}

func TestReactor_UserDeletedRepairsEachProjectWithoutReEmitting(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addUser("user-1")
	// project-1: the user is its only member. project-2: the user is the only
	// admin among other accepted members.
	store.seedMembership(Membership{ID: "mem-solo", UserID: "user-1", ProjectID: "project-1", Role: RoleAdmin, State: StateAccepted})
	store.seedMembership(Membership{ID: "mem-admin", UserID: "user-1", ProjectID: "project-2", Role: RoleAdmin, State: StateAccepted})
	store.seedMembership(Membership{ID: "mem-peer", UserID: "user-2", ProjectID: "project-2", Role: RoleMember, State: StateAccepted})
	recorder := &eventRecorder{}
	reactor := newTestReactor(store, recorder, &logRecorder{}, func(n int) int { return 0 })

	if err := reactor.OnUserDeleted(context.Background(), UserDeleted{UserID: "user-1"}); err != nil {
		t.Fatalf("handle user deleted: %v", err)
	}

	// One MembershipDeleted per removed membership, emitted by the command
	// path only.
	if got := recorder.countTopic(TopicMembershipDeleted); got != 2 {
		t.Fatalf("expected two MembershipDeleted events, got %d", got)
	}
	if got := recorder.countTopic(TopicLastProjectMemberDeleted); got != 1 {
		t.Fatalf("expected one last-member event for the solo project, got %d", got)
	}
	peer, err := store.GetMembership(context.Background(), "mem-peer")
	if err != nil {
		t.Fatalf("load surviving peer: %v", err)
	}
	if peer.Role != RoleAdmin {
		t.Fatalf("expected surviving peer promoted to ADMIN, got %q", peer.Role)
	}
	userExists, err := store.ExistsUserReplica(context.Background(), "user-1")
	if err != nil || userExists {
		t.Fatalf("expected user replica removed, exists=%v err=%v", userExists, err)
	}
}

func TestReactor_UserDeletedWithoutMembershipsStillDropsReplica(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addUser("user-1")
	reactor := newTestReactor(store, &eventRecorder{}, &logRecorder{}, nil)

	if err := reactor.OnUserDeleted(context.Background(), UserDeleted{UserID: "user-1"}); err != nil {
		t.Fatalf("handle user deleted: %v", err)
	}
	exists, err := store.ExistsUserReplica(context.Background(), "user-1")
	if err != nil || exists {
		t.Fatalf("expected user replica removed, exists=%v err=%v", exists, err)
	}
}

func TestReactor_BusRedeliveryLeavesSingleMembership(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	recorder := &eventRecorder{}
	logs := &logRecorder{}
	svc := NewService(store, recorder.publish, nil, lockedIDGenerator(), nil)
	reactor := NewReactor(svc, store, recorder.publish, logs.logf)

	b := bus.New(bus.WithRedelivery(1), bus.WithErrorFunc(func(topic string, err error) {
		t.Errorf("unexpected handler failure on %s: %v", topic, err)
	}))
	defer b.Close()
	reactor.Register(b)

	b.Publish(bus.Event{Topic: TopicUserCreated, Payload: UserCreated{UserID: "user-1"}})
	b.Drain()
	b.Publish(bus.Event{Topic: TopicProjectCreated, Payload: ProjectCreated{ProjectID: "project-1", UserID: "user-1"}})
	b.Drain()

	if got := store.membershipCount(); got != 1 {
		t.Fatalf("expected one membership after duplicated deliveries, got %d", got)
	}
}

// lockedIDGenerator hands out unique ids under concurrent deliveries.
func lockedIDGenerator() func() (string, error) {
	var mu sync.Mutex
	next := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("mem-%d", next), nil
	}
}

type logRecorder struct {
	mu       sync.Mutex
	recorded []string
}

func (r *logRecorder) logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, fmt.Sprintf(format, args...))
}

func (r *logRecorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.recorded...)
}

func (r *logRecorder) contains(fragment string) bool {
	for _, line := range r.lines() {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}
