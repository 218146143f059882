package realtime

import (
	"errors"
	"fmt"
)

// Sentinel kinds for the chat core's operation errors.
//
// Propagation policy:
//   - ErrAuth refuses the connection attempt entirely.
//   - ErrForbidden, ErrNotFound, and ErrPersistence are reported to the
//     initiating connection only; the connection stays open.
//   - None of them ever reach other participants as a broadcast.
var (
	// ErrAuth means the presented credential was bad or expired.
	ErrAuth = errors.New("authentication failed")
	// ErrForbidden means the acting identity is not a participant of the
	// target conversation (or not the sender of the target message).
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound means the target message or conversation is absent or
	// already tombstoned.
	ErrNotFound = errors.New("not found")
	// ErrPersistence means the conversation store failed. The core does not
	// retry; retry policy belongs to the adapter or caller.
	ErrPersistence = errors.New("persistence failed")
)

// OpError is a typed operation error with a stable Op + Kind contract for
// callers/tests. Kind MUST be one of the sentinel kinds above. Msg may include
// human-readable context; do not include message bodies or tokens.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind, err error) error {
	return OpError{Op: op, Kind: kind, Err: err}
}

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPersistence reports whether err represents ErrPersistence.
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }

// IsAuth reports whether err represents ErrAuth.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }
