package kernel

import (
	"errors"
	"fmt"
)

// Error kinds (spec §7). Every error surfaced across a top-level
// operation boundary is wrapped with one of these sentinels so callers
// can classify it with errors.Is regardless of the detail message.
var (
	// ErrArgument is malformed user input: a bad location, a bad cache
	// key, malformed transaction metadata. Never cached as a ban.
	ErrArgument = errors.New("kernel: argument error")

	// ErrClientMode is raised when a resource isn't in the cache while
	// client-mode is on. Recoverable by fetching or disabling client mode.
	ErrClientMode = errors.New("kernel: client mode error")

	// ErrExecution is a deterministic replay failure: hash mismatch,
	// invalid action, determinism violation. Triggers a cache ban.
	ErrExecution = errors.New("kernel: execution error")

	// ErrTrust is raised when code from an untrusted txid is about to
	// run. Cached as a ban with untrusted=txid; cleared when that txid
	// becomes trusted.
	ErrTrust = errors.New("kernel: trust error")

	// ErrTimeout is raised when a top-level operation exceeds its
	// Timeout. Never silently recovered.
	ErrTimeout = errors.New("kernel: timeout error")

	// ErrInternal marks an invariant violation — a bug, not user error.
	// Never cached.
	ErrInternal = errors.New("kernel: internal error")

	// ErrNotImplemented is raised by an abstract collaborator method a
	// concrete oracle chose not to support.
	ErrNotImplemented = errors.New("kernel: not implemented")
)

// Wrap tags err with kind, preserving errors.Is against both kind and
// the original err (Go 1.20+ fmt.Errorf supports multiple %w verbs).
func Wrap(kind error, detail string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", kind, detail)
	}
	return fmt.Errorf("%w: %s: %w", kind, detail, err)
}

// BansOnFailure reports whether an error of this kind should write a
// cache ban for the location it occurred on (spec §7: ExecutionError and
// TrustError do; the rest don't).
func BansOnFailure(err error) bool {
	return errors.Is(err, ErrExecution) || errors.Is(err, ErrTrust)
}
