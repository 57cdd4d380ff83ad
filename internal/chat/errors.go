package chat

import "fmt"

// The four failure classes a connection can observe. All of them are caught
// at the hub's dispatch boundary and flattened into a single 'error' event
// to the originating connection; none of them take the process down.

// AuthenticationError refuses a connection attempt. It is terminal for the
// attempt and is raised before any registry state is touched.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e *AuthenticationError) Unwrap() error { return e.Err }

// ValidationError marks a malformed event payload. The connection stays alive.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError marks a referenced room or user that does not exist.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// StorageError wraps a persistence I/O failure. Delivery is never attempted
// after one of these; the cause is logged server-side and the client gets
// the generic message only.
type StorageError struct {
	Message string
	Err     error
}

func (e *StorageError) Error() string { return e.Message + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// userMessage picks the text sent on the 'error' wire event. Validation and
// not-found messages are safe to show as-is; anything else gets the
// handler's generic fallback so internals do not leak to clients.
func userMessage(err error, fallback string) string {
	switch e := err.(type) {
	case *ValidationError:
		return e.Message
	case *NotFoundError:
		return e.Message
	case *StorageError:
		return e.Message
	default:
		return fallback
	}
}
