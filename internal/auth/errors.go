package auth

import (
	"errors"
	"fmt"
)

// Kind identifies a class of authentication failure.
type Kind string

const (
	KindStateMismatch      Kind = "state_mismatch"
	KindProviderError      Kind = "provider_error"
	KindMissingToken       Kind = "missing_token"
	KindMissingIdentity    Kind = "missing_identity"
	KindProfileFetchFailed Kind = "profile_fetch_failed"
	KindNotAuthenticated   Kind = "not_authenticated"
	KindUnauthorized       Kind = "unauthorized"
)

// AuthError is an authentication failure with a closed kind set.
type AuthError struct {
	Kind    Kind
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewAuthError creates an AuthError with the given kind and message.
func NewAuthError(kind Kind, format string, args ...any) *AuthError {
	return &AuthError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is an AuthError of the given kind.
func IsKind(err error, kind Kind) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Kind == kind
}
