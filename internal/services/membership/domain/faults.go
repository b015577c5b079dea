package domain

import (
	"errors"

	apperrors "github.com/ticketfold/ticketfold/internal/errors"
)

// ErrorCode maps a domain fault to the shared error taxonomy.
func ErrorCode(err error) apperrors.Code {
	switch {
	case errors.Is(err, ErrNoMembershipFound):
		return apperrors.CodeMembershipNotFound
	case errors.Is(err, ErrMembershipExists):
		return apperrors.CodeMembershipExists
	case errors.Is(err, ErrNoUserFound):
		return apperrors.CodeUserNotFound
	case errors.Is(err, ErrNoProjectFound):
		return apperrors.CodeProjectNotFound
	case errors.Is(err, ErrImpossible):
		return apperrors.CodeMembershipImpossible
	case errors.Is(err, ErrStoreNotConfigured):
		return apperrors.CodeStorageNotConfigured
	default:
		return apperrors.CodeUnknown
	}
}
