package storage

import "errors"

// Sentinel errors returned by storage backends. Callers match these with
// errors.Is; backends may wrap them with additional context.
var (
	// ErrPrincipalNotFound is returned when a principal does not exist.
	// The session manager maps this to the same outcome as a wrong
	// credential so callers cannot enumerate accounts.
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrTokenNotFound is returned when a session token does not exist
	ErrTokenNotFound = errors.New("session token not found")

	// ErrAuditConflict is returned by AppendAudit when the chain head moved
	// between the caller's read and the append. The caller re-reads the head
	// and recomputes the record hash.
	ErrAuditConflict = errors.New("audit chain head conflict")
)
