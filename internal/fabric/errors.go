package fabric

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of messaging failure.
type Kind string

const (
	KindRequestTimeout     Kind = "request_timeout"
	KindCommunicationError Kind = "communication_error"
	KindNoActiveTab        Kind = "no_active_tab"
	KindUnsupportedPage    Kind = "unsupported_page"
	KindUnknownType        Kind = "unknown_type"
)

// MessagingError is a cross-context messaging failure with a closed kind set.
type MessagingError struct {
	Kind    Kind
	Message string
}

func (e *MessagingError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewMessagingError creates a MessagingError with the given kind and message.
func NewMessagingError(kind Kind, format string, args ...any) *MessagingError {
	return &MessagingError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a MessagingError of the given kind.
func IsKind(err error, kind Kind) bool {
	var msgErr *MessagingError
	return errors.As(err, &msgErr) && msgErr.Kind == kind
}

// RemoteError is a structured {ok:false, error} response from the other
// context. It is an application-level outcome, not a channel failure.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// KindFromRemote recovers a messaging kind that crossed a hop as a response
// error string. MessagingError.Error always leads with its kind, so a relay
// forwarding an agent failure preserves the classification.
func KindFromRemote(err error) (Kind, bool) {
	var remote *RemoteError
	if !errors.As(err, &remote) {
		return "", false
	}

	head, _, _ := strings.Cut(remote.Message, ":")
	switch kind := Kind(strings.TrimSpace(head)); kind {
	case KindRequestTimeout, KindCommunicationError, KindNoActiveTab,
		KindUnsupportedPage, KindUnknownType:
		return kind, true
	}
	return "", false
}
