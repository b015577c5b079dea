// Package errors provides the machine-readable fault taxonomy shared with
// the transport layer.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Membership errors
	CodeMembershipNotFound   Code = "MEMBERSHIP_NOT_FOUND"
	CodeMembershipExists     Code = "MEMBERSHIP_ALREADY_EXISTS"
	CodeMembershipImpossible Code = "MEMBERSHIP_IMPOSSIBLE_STATE"

	// Replica errors
	CodeUserNotFound    Code = "USER_NOT_FOUND"
	CodeProjectNotFound Code = "PROJECT_NOT_FOUND"

	// Ticket errors
	CodeTicketNotFound Code = "TICKET_NOT_FOUND"

	// Storage errors
	CodeStorageNotConfigured Code = "STORAGE_NOT_CONFIGURED"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// NotFound - resource doesn't exist
	case CodeMembershipNotFound,
		CodeUserNotFound,
		CodeProjectNotFound,
		CodeTicketNotFound:
		return codes.NotFound

	// AlreadyExists - uniqueness rejection
	case CodeMembershipExists:
		return codes.AlreadyExists

	// Internal - broken invariants, misconfiguration
	case CodeMembershipImpossible,
		CodeStorageNotConfigured:
		return codes.Internal

	default:
		return codes.Internal
	}
}
