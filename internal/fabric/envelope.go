// Package fabric implements the cross-context message envelope protocol:
// line-delimited JSON envelopes with request/response correlation, a closed
// type vocabulary, and per-call timeout handling.
package fabric

import (
	"encoding/json"

	"github.com/agenticmem/membridge/internal/core"
)

// Type is the envelope discriminant tag. The set is closed: unknown types
// are rejected with a typed error, never silently ignored.
type Type string

const (
	TypeHello              Type = "HELLO"
	TypePing               Type = "PING"
	TypeGetUserID          Type = "GET_USER_ID"
	TypeGetCurrentMessages Type = "GET_CURRENT_MESSAGES"
	TypeAppendMemories     Type = "APPEND_MEMORIES"
	TypeListTabs           Type = "LIST_TABS"
	TypeActiveTab          Type = "ACTIVE_TAB"
	TypeInjectAgent        Type = "INJECT_AGENT"
	TypeAgentGone          Type = "AGENT_GONE"
)

// Known reports whether t belongs to the protocol vocabulary.
func (t Type) Known() bool {
	switch t {
	case TypeHello, TypePing, TypeGetUserID, TypeGetCurrentMessages,
		TypeAppendMemories, TypeListTabs, TypeActiveTab, TypeInjectAgent,
		TypeAgentGone:
		return true
	}
	return false
}

// envelope is the wire form. A request carries both id and type, a response
// carries id without type, a notification carries type without id.
type envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    Type            `json:"type,omitempty"`
	Tab     core.TabID      `json:"tab,omitempty"`
	TS      int64           `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (e envelope) isResponse() bool     { return e.ID != "" && e.Type == "" }
func (e envelope) isRequest() bool      { return e.ID != "" && e.Type != "" }
func (e envelope) isNotification() bool { return e.ID == "" && e.Type != "" }

// Request is an inbound or outbound request as seen by handlers and callers.
type Request struct {
	Type    Type
	Tab     core.TabID
	TS      int64
	Payload json.RawMessage
}

// NewRequest builds a Request, marshaling payload when non-nil.
func NewRequest(t Type, payload any) (Request, error) {
	req := Request{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Request{}, err
		}
		req.Payload = data
	}
	return req, nil
}

// Connection roles announced in the HELLO handshake.
const (
	RoleAgent = "agent"
	RolePopup = "popup"
)

type HelloPayload struct {
	Role string   `json:"role"`
	Tab  core.Tab `json:"tab,omitempty"`
}

// HelloResult acknowledges the handshake; agents receive the tab identity
// the relay settled on (reused when the page was already known).
type HelloResult struct {
	Tab core.Tab `json:"tab,omitempty"`
}

type PingResult struct {
	Timestamp int64 `json:"timestamp"`
}

type UserIDResult struct {
	UserID string `json:"userId"`
}

type CurrentMessagesResult struct {
	LatestMessages string `json:"latestMessages"`
}

type AppendMemoriesPayload struct {
	Memories []core.Memory `json:"memories"`
}

// AppendMemoriesResult reports either how many entries were appended or that
// the whole call was skipped as a duplicate of an earlier injection.
type AppendMemoriesResult struct {
	Appended int    `json:"appended,omitempty"`
	Skipped  string `json:"skipped,omitempty"`
}

type ActiveTabResult struct {
	Tab core.Tab `json:"tab"`
}

type ListTabsResult struct {
	Tabs []core.Tab `json:"tabs"`
}

type InjectAgentPayload struct {
	Tab core.TabID `json:"tab"`
}

type InjectAgentResult struct {
	PID int `json:"pid,omitempty"`
}
