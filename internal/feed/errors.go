package feed

import "errors"

var (
	ErrInvalidIdentity    = errors.New("invalid nickname")
	ErrIdentityInUse      = errors.New("nickname is already connected")
	ErrInvalidPost        = errors.New("invalid tuit")
	ErrNotLoggedIn        = errors.New("login required")
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrNotFound          = errors.New("not found")
	ErrDuplicateIdentity = errors.New("identity already exists")
)

// Error codes sent to clients.
const (
	CodeInvalidIdentity = "invalid_identity"
	CodeIdentityInUse   = "identity_in_use"
	CodeInvalidPost     = "invalid_post"
	CodeNotLoggedIn     = "not_logged_in"
	CodeBadRequest      = "bad_request"
	CodeRateLimited     = "rate_limited"
	CodeServerError     = "server_error"
)

// Code maps err to the code reported to the originating connection. Anything
// that is not a client mistake is reported as a generic server error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidIdentity):
		return CodeInvalidIdentity
	case errors.Is(err, ErrIdentityInUse):
		return CodeIdentityInUse
	case errors.Is(err, ErrInvalidPost):
		return CodeInvalidPost
	case errors.Is(err, ErrNotLoggedIn):
		return CodeNotLoggedIn
	default:
		return CodeServerError
	}
}

// Message returns the client-facing text for err. Server errors never leak
// their cause.
func Message(err error) string {
	if Code(err) == CodeServerError {
		return "internal server error"
	}
	return err.Error()
}
