// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/engine/remote layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidArgument indicates a request that failed validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStorageUnavailable indicates the local store could not be opened, read or committed.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRemoteUnavailable indicates the remote store could not be reached.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrRemoteRejected indicates the remote store refused the request.
	ErrRemoteRejected = errors.New("remote rejected")

	// ErrSyncFailed indicates a foreground synchronization did not complete.
	ErrSyncFailed = errors.New("sync failed")
)
