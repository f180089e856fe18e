package shared

import "errors"

var (
	// ErrMissingCredentials occurs when a request carries no credential.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrInvalidCredentials indicates an expired, malformed or forged credential.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
