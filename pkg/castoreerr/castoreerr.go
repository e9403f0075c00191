// Package castoreerr defines the sentinel error kinds shared by the
// blob, directory and path-info service implementations.
package castoreerr

import "errors"

var (
	// NotFound is returned when a lookup by digest or store path finds nothing.
	NotFound = errors.New("not found")

	// InvalidRequest is returned when the caller-supplied data fails validation
	// before any storage operation is attempted.
	InvalidRequest = errors.New("invalid request")

	// AlreadyExists is returned by insert operations that refuse to silently
	// overwrite existing content.
	AlreadyExists = errors.New("already exists")

	// Internal wraps unexpected storage-layer failures that aren't the
	// caller's fault (disk I/O, corruption, etc).
	Internal = errors.New("internal error")
)
