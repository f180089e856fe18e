package rbac

import (
	"errors"
	"fmt"

	"github.com/workline/workline/internal/platform/httpx"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrInvalidScope indicates a malformed scope type/id combination.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrScopeRequired indicates a role grant without the scope id its role requires.
	ErrScopeRequired = errors.New("scope id required")
	// ErrScopeNotFound indicates a scope id that does not resolve to an existing entity.
	ErrScopeNotFound = errors.New("scope not found")
	// ErrUnauthenticated is returned by the credential stage for missing or invalid credentials.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// asHTTPError maps rbac sentinels onto the httpx taxonomy.
func asHTTPError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %s", httpx.ErrNotFound, err.Error())
	case errors.Is(err, ErrInvalidScope), errors.Is(err, ErrScopeRequired), errors.Is(err, ErrScopeNotFound):
		return fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	case errors.Is(err, ErrUnauthenticated):
		return fmt.Errorf("%w: %s", httpx.ErrUnauthorized, err.Error())
	}
	return err
}
