package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agenticmem/membridge/internal/fabric"
)

// Handle dispatches one inbound envelope. It never panics and never lets an
// internal error escape unwrapped: an uncaught failure at the dispatch
// boundary would silently break the calling context's pending request.
func (a *Agent) Handle(ctx context.Context, req fabric.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("handler panic", "type", req.Type, "panic", r)
			result, err = nil, fmt.Errorf("internal error: %v", r)
		}
	}()

	switch req.Type {
	case fabric.TypePing:
		return fabric.PingResult{Timestamp: time.Now().UnixMilli()}, nil

	case fabric.TypeGetCurrentMessages:
		return a.handleGetCurrentMessages(), nil

	case fabric.TypeAppendMemories:
		return a.handleAppendMemories(req)

	default:
		return nil, fabric.NewMessagingError(fabric.KindUnknownType, "agent does not handle %s", req.Type)
	}
}

// handleGetCurrentMessages flushes the very latest keystroke, consumes the
// draft, and concatenates it with the last remote message. It always
// responds, even when both sides are empty.
func (a *Agent) handleGetCurrentMessages() fabric.CurrentMessagesResult {
	a.updateDraft()
	draft := a.takeDraft()

	remote, err := a.adapter.ExtractRemoteMessage()
	if err != nil {
		a.logger.Debug("remote message extraction failed", "error", err)
		remote = ""
	}

	var latest string
	switch {
	case draft != "" && remote != "":
		latest = draft + "\n" + remote
	case draft != "":
		latest = draft
	default:
		latest = remote
	}

	return fabric.CurrentMessagesResult{LatestMessages: latest}
}

func (a *Agent) handleAppendMemories(req fabric.Request) (any, error) {
	var payload fabric.AppendMemoriesPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return nil, fmt.Errorf("malformed payload: %v", err)
		}
	}
	return a.appendMemories(payload.Memories, req.TS)
}
