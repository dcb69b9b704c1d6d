/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package ultimatum

import "errors"

var (
	ErrUnauthorized = errors.New("unauthorized")

	ErrUnknownPlayer     = errors.New("unknown player")
	ErrUnknownGame       = errors.New("unknown game")
	ErrDuplicateIdentity = errors.New("duplicate identity")

	ErrInvalidState   = errors.New("invalid state")
	ErrNotProposer    = errors.New("not the proposer")
	ErrNotResponder   = errors.New("not the responder")
	ErrAlreadyActive  = errors.New("treatment already active")
	ErrNotInTreatment = errors.New("not in a treatment")

	ErrOutOfRange          = errors.New("out of range")
	ErrInsufficientPlayers = errors.New("insufficient players")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// Category groups errors by how the boundary should report them.
type Category int

const (
	CategoryInternal Category = iota
	CategoryAuthorization
	CategoryIdentity
	CategoryProtocol
	CategoryValidation
)

func (c Category) String() string {
	switch c {
	case CategoryAuthorization:
		return "authorization"
	case CategoryIdentity:
		return "identity"
	case CategoryProtocol:
		return "protocol"
	case CategoryValidation:
		return "validation"
	default:
		return "internal"
	}
}

// CategoryOf reports the category of err, or CategoryInternal for errors
// that did not originate in this package.
func CategoryOf(err error) Category {
	switch {
	case err == nil:
		return CategoryInternal
	case errors.Is(err, ErrUnauthorized):
		return CategoryAuthorization
	case errors.Is(err, ErrUnknownPlayer),
		errors.Is(err, ErrUnknownGame),
		errors.Is(err, ErrDuplicateIdentity):
		return CategoryIdentity
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrNotProposer),
		errors.Is(err, ErrNotResponder),
		errors.Is(err, ErrAlreadyActive),
		errors.Is(err, ErrNotInTreatment):
		return CategoryProtocol
	case errors.Is(err, ErrOutOfRange),
		errors.Is(err, ErrInsufficientPlayers),
		errors.Is(err, ErrInvalidArgument):
		return CategoryValidation
	default:
		return CategoryInternal
	}
}
