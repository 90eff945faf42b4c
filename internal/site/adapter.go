// Package site defines the page-specific capability the content agent drives:
// locating the editable area, extracting the draft and the last remote
// message, and injecting a formatted block. Concrete browser-page adapters
// live outside this repository; the file-backed adapter here is the dev and
// test harness.
package site

import "strings"

// EventKind classifies page events the adapter surfaces to the agent.
type EventKind string

const (
	// EventEdit fires when the editable content changed.
	EventEdit EventKind = "edit"
	// EventSend fires when a send action was detected.
	EventSend EventKind = "send"
	// EventStructure fires when the page re-rendered; the agent uses it as
	// its bounded re-scan trigger.
	EventStructure EventKind = "structure"
)

type Event struct {
	Kind EventKind
}

// Editable is the page's single editable element, read-only from here; all
// mutation goes through Adapter.InjectBlock so read and write cannot be
// interleaved by the caller.
type Editable interface {
	Read() (string, error)
}

// Adapter is the per-site capability contract.
type Adapter interface {
	URL() string
	LocateEditable() (Editable, error)
	ExtractDraft() (string, error)
	ExtractRemoteMessage() (string, error)
	// InjectBlock appends the pre-formatted block after existing content,
	// preserving at least one blank separator, and raises whatever synthetic
	// change notification the page needs to observe the mutation.
	InjectBlock(block string) error
	Events() <-chan Event
	Close() error
}

// IsSupported reports whether some registered adapter can attach to the page.
func IsSupported(pageURL string) bool {
	return strings.HasPrefix(pageURL, "file:")
}
