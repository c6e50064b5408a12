// Package rederr defines the error kinds shared across the node.
//
// Each kind is a sentinel error. Wrap it with fmt.Errorf("context: %w", ...)
// to add operational context while keeping errors.Is matching intact.
package rederr

import "errors"

var (
	// ErrValidation marks malformed input: bad domain syntax, reserved
	// names, out-of-range configuration values.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a missing entity: tab, download, document, domain.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a state collision: domain already registered,
	// dispute already active, duplicate request inside the dedupe window.
	ErrConflict = errors.New("conflict")

	// ErrTimeout marks an exceeded deadline: DNS query, page load,
	// sandbox execution, dispute voting.
	ErrTimeout = errors.New("timeout")

	// ErrPermission marks a denied action: non-owner registration,
	// blacklisted peer acting.
	ErrPermission = errors.New("permission denied")

	// ErrIntegrity marks a failed authenticity or consistency check:
	// bad envelope, delta checksum mismatch.
	ErrIntegrity = errors.New("integrity error")
)
