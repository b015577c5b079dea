package domain

// Topics consumed from the user and project subsystems.
const (
	TopicProjectCreated        = "project.created"
	TopicDefaultProjectCreated = "project.default_created"
	TopicProjectDeleted        = "project.deleted"
	TopicUserCreated           = "user.created"
	TopicUserDeleted           = "user.deleted"
)

// Topics emitted by the membership subsystem.
const (
	TopicUnacceptedMembershipCreated = "membership.unaccepted_created"
	TopicMembershipAccepted          = "membership.accepted"
	TopicMembershipDeleted           = "membership.deleted"
	TopicLastProjectMemberDeleted    = "membership.last_member_deleted"
)

// ProjectCreated announces a newly provisioned project and its creator.
type ProjectCreated struct {
	ProjectID string
	UserID    string
}

// DefaultProjectCreated announces a user's personal default project. It can
// arrive before the matching UserCreated event.
type DefaultProjectCreated struct {
	ProjectID string
	UserID    string
}

// ProjectDeleted announces that a project was removed.
type ProjectDeleted struct {
	ProjectID string
}

// UserCreated announces a newly registered user.
type UserCreated struct {
	UserID string
}

// UserDeleted announces that a user account was removed.
type UserDeleted struct {
	UserID string
}

// UnacceptedMembershipCreated is emitted when an invite is created in the
// OPEN state.
type UnacceptedMembershipCreated struct {
	MembershipID string
	UserID       string
	ProjectID    string
}

// MembershipAccepted is emitted when a membership enters (or re-confirms)
// the ACCEPTED state.
type MembershipAccepted struct {
	MembershipID string
	ProjectID    string
	UserID       string
}

// MembershipDeleted is emitted once per removed membership record.
type MembershipDeleted struct {
	MembershipID string
	ProjectID    string
	UserID       string
}

// LastProjectMemberDeleted signals that a project lost its final ACCEPTED
// member, so external systems can archive or clean it up.
type LastProjectMemberDeleted struct {
	UserID    string
	ProjectID string
}
