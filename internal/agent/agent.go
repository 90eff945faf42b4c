// Package agent implements the content agent: the per-page capture state
// machine, the protocol request handlers, and idempotent memory injection.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agenticmem/membridge/internal/site"
)

// IdentityFunc resolves the current user id, typically by asking the
// background relay; the agent context has no access to session storage.
type IdentityFunc func(ctx context.Context) (string, error)

// Agent owns one page: it caches the draft, watches adapter events, and
// answers protocol requests. All handlers run on the single event loop of
// their context, so no lock is needed around the editable element itself;
// the draft cache gets one because the fabric dispatches requests on their
// own goroutines.
type Agent struct {
	adapter  site.Adapter
	notifier *Notifier
	identity IdentityFunc
	logger   *slog.Logger

	mu           sync.Mutex
	currentDraft string
}

// New creates an agent over the given adapter. notifier and identity may be
// nil when capture forwarding is disabled (tests).
func New(adapter site.Adapter, notifier *Notifier, identity IdentityFunc, logger *slog.Logger) *Agent {
	return &Agent{
		adapter:  adapter,
		notifier: notifier,
		identity: identity,
		logger:   logger,
	}
}

// Run consumes adapter events until the context ends or the adapter closes.
func (a *Agent) Run(ctx context.Context) error {
	events := a.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			a.handleEvent(ctx, event)
		}
	}
}

func (a *Agent) handleEvent(ctx context.Context, event site.Event) {
	switch event.Kind {
	case site.EventEdit:
		a.updateDraft()
	case site.EventSend:
		a.detectSend(ctx)
	case site.EventStructure:
		// Bounded re-scan: flush whatever the re-rendered page holds now.
		// The adapter guarantees its own listeners are wired exactly once.
		a.updateDraft()
	}
}

// updateDraft recomputes the draft and overwrites the cache only when the
// new value is non-empty: an edit that clears the field must not erase the
// last meaningful draft.
func (a *Agent) updateDraft() {
	draft, err := a.adapter.ExtractDraft()
	if err != nil {
		a.logger.Debug("draft extraction failed", "error", err)
		return
	}
	if draft == "" {
		return
	}

	a.mu.Lock()
	a.currentDraft = draft
	a.mu.Unlock()
}

// takeDraft atomically reads and clears the cached draft.
func (a *Agent) takeDraft() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	draft := a.currentDraft
	a.currentDraft = ""
	return draft
}

// detectSend handles a send action: flush the latest keystrokes, consume the
// draft, pull the last remote message, and hand the pair to the capture
// notifier. Best-effort throughout; failure must never disturb page use.
func (a *Agent) detectSend(ctx context.Context) {
	a.updateDraft()
	draft := a.takeDraft()

	remote, err := a.adapter.ExtractRemoteMessage()
	if err != nil {
		a.logger.Debug("remote message extraction failed", "error", err)
		remote = ""
	}

	message := composeCapture(draft, remote)
	if message == "" {
		return
	}

	userID := ""
	if a.identity != nil {
		if id, err := a.identity(ctx); err == nil {
			userID = id
		} else {
			a.logger.Debug("identity lookup failed", "error", err)
		}
	}

	if a.notifier != nil {
		a.notifier.Enqueue(Capture{Message: message, UserID: userID})
	}
}

// composeCapture renders the draft/remote pair the way the backend expects a
// conversational snippet.
func composeCapture(draft, remote string) string {
	switch {
	case draft != "" && remote != "":
		return fmt.Sprintf("Assistant: %s\nUser: %s", remote, draft)
	case draft != "":
		return "User: " + draft
	case remote != "":
		return "Assistant: " + remote
	default:
		return ""
	}
}
