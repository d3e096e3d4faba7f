package collab

import "errors"

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrNotFound             = errors.New("document not found")
	ErrTransientIO          = errors.New("transient io failure")

	ErrNotJoined        = errors.New("connection has not joined the document")
	ErrNotConnected     = errors.New("unknown connection")
	ErrDocumentLocked   = errors.New("document is locked")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrInvalidRequest   = errors.New("invalid request")

	// returned by a session that lost an eviction race; callers re-resolve it.
	errSessionClosed = errors.New("session closed")
)

// ErrorCode maps an error to the code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthenticationFailed), errors.Is(err, ErrNotConnected):
		return "UNAUTHENTICATED"
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, ErrNotFound), errors.Is(err, errSessionClosed):
		return "NOT_FOUND"
	case errors.Is(err, ErrTransientIO):
		return "TRANSIENT_IO"
	case errors.Is(err, ErrNotJoined):
		return "NOT_JOINED"
	case errors.Is(err, ErrDocumentLocked):
		return "DOCUMENT_LOCKED"
	case errors.Is(err, ErrInvalidOperation):
		return "INVALID_OPERATION"
	case errors.Is(err, ErrInvalidRequest):
		return "BAD_REQUEST"
	default:
		return "INTERNAL"
	}
}
