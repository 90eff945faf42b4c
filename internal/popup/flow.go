// Package popup drives one user-triggered retrieval: verify the session,
// find the active page, make sure a content agent is alive there, pull the
// conversational context, call the retrieval service, and hand the results
// back for injection.
package popup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agenticmem/membridge/internal/auth"
	"github.com/agenticmem/membridge/internal/core"
	"github.com/agenticmem/membridge/internal/fabric"
	"github.com/agenticmem/membridge/internal/site"
)

const (
	defaultPingWait       = 1 * time.Second
	defaultSettleDelay    = 500 * time.Millisecond
	defaultRequestTimeout = 5 * time.Second
)

// Session is the slice of the session manager the flow needs.
type Session interface {
	IsAuthenticated() bool
}

// Searcher calls the retrieval service.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]core.Memory, error)
}

// Channel is the popup's connection to the relay.
type Channel interface {
	Request(ctx context.Context, req fabric.Request) (json.RawMessage, error)
}

// Report is the user-facing outcome of one retrieval run.
type Report struct {
	Status   string
	Tab      core.Tab
	Context  string
	Appended int
	Skipped  bool
	Empty    bool
}

// Flow is one retrieval workflow with injected collaborators.
type Flow struct {
	Session Session
	Channel Channel
	Search  Searcher
	Limit   int
	Logger  *slog.Logger

	PingWait       time.Duration
	SettleDelay    time.Duration
	RequestTimeout time.Duration

	// Sleep and Now are clock hooks for tests.
	Sleep func(time.Duration)
	Now   func() time.Time
}

func (f *Flow) pingWait() time.Duration {
	if f.PingWait > 0 {
		return f.PingWait
	}
	return defaultPingWait
}

func (f *Flow) settleDelay() time.Duration {
	if f.SettleDelay > 0 {
		return f.SettleDelay
	}
	return defaultSettleDelay
}

func (f *Flow) requestTimeout() time.Duration {
	if f.RequestTimeout > 0 {
		return f.RequestTimeout
	}
	return defaultRequestTimeout
}

func (f *Flow) sleep(d time.Duration) {
	if f.Sleep != nil {
		f.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (f *Flow) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Run executes the retrieval workflow once.
func (f *Flow) Run(ctx context.Context) (Report, error) {
	if !f.Session.IsAuthenticated() {
		return Report{}, auth.NewAuthError(auth.KindNotAuthenticated, "please sign in")
	}

	tab, err := f.activeTab(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Tab: tab}

	if err := f.ensureAgent(ctx, tab); err != nil {
		return report, err
	}

	// The same timestamp travels with the context request and the later
	// injection; the agent uses it as the deduplication marker.
	ts := f.now().UnixMilli()

	latest, err := f.currentMessages(ctx, tab, ts)
	if err != nil {
		return report, err
	}
	report.Context = latest

	if latest == "" {
		report.Empty = true
		report.Status = "no latest messages"
		return report, nil
	}

	// The session may have expired between the first check and now.
	if !f.Session.IsAuthenticated() {
		return report, auth.NewAuthError(auth.KindNotAuthenticated, "session expired during retrieval")
	}

	memories, err := f.Search.Search(ctx, latest, f.Limit)
	if err != nil {
		return report, err
	}

	if len(memories) == 0 {
		report.Status = "no memories found"
		return report, nil
	}

	result, err := f.appendMemories(ctx, tab, memories, ts)
	if err != nil {
		return report, err
	}

	if result.Skipped != "" {
		report.Skipped = true
		report.Status = fmt.Sprintf("skipped: %s", result.Skipped)
		return report, nil
	}

	report.Appended = result.Appended
	report.Status = fmt.Sprintf("injected %d memories", result.Appended)
	return report, nil
}

// activeTab identifies the page the retrieval targets.
func (f *Flow) activeTab(ctx context.Context) (core.Tab, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.requestTimeout())
	defer cancel()

	payload, err := f.Channel.Request(reqCtx, fabric.Request{Type: fabric.TypeActiveTab})
	if err != nil {
		return core.Tab{}, remapRemote(err)
	}

	var result fabric.ActiveTabResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return core.Tab{}, fabric.NewMessagingError(fabric.KindCommunicationError, "decode active tab: %v", err)
	}
	return result.Tab, nil
}

// ensureAgent liveness-checks the content agent and performs the single
// injection-and-retry attempt. An unsupported page fails fast before any
// injection is attempted.
func (f *Flow) ensureAgent(ctx context.Context, tab core.Tab) error {
	if err := f.ping(ctx, tab); err == nil {
		return nil
	}

	if !site.IsSupported(tab.URL) {
		return fabric.NewMessagingError(fabric.KindUnsupportedPage, "%s", tab.URL)
	}

	f.Logger.Info("content agent unresponsive, injecting", "tab", tab.ID)

	injectPayload, err := json.Marshal(fabric.InjectAgentPayload{Tab: tab.ID})
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.requestTimeout())
	defer cancel()
	if _, err := f.Channel.Request(reqCtx, fabric.Request{Type: fabric.TypeInjectAgent, Payload: injectPayload}); err != nil {
		return remapRemote(err)
	}

	f.sleep(f.settleDelay())

	if err := f.ping(ctx, tab); err != nil {
		return fabric.NewMessagingError(fabric.KindCommunicationError, "content agent did not come up after injection")
	}
	return nil
}

func (f *Flow) ping(ctx context.Context, tab core.Tab) error {
	pingCtx, cancel := context.WithTimeout(ctx, f.pingWait())
	defer cancel()

	_, err := f.Channel.Request(pingCtx, fabric.Request{Type: fabric.TypePing, Tab: tab.ID})
	return remapRemote(err)
}

func (f *Flow) currentMessages(ctx context.Context, tab core.Tab, ts int64) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.requestTimeout())
	defer cancel()

	payload, err := f.Channel.Request(reqCtx, fabric.Request{Type: fabric.TypeGetCurrentMessages, Tab: tab.ID, TS: ts})
	if err != nil {
		return "", remapRemote(err)
	}

	var result fabric.CurrentMessagesResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fabric.NewMessagingError(fabric.KindCommunicationError, "decode context response: %v", err)
	}
	return result.LatestMessages, nil
}

func (f *Flow) appendMemories(ctx context.Context, tab core.Tab, memories []core.Memory, ts int64) (fabric.AppendMemoriesResult, error) {
	appendPayload, err := json.Marshal(fabric.AppendMemoriesPayload{Memories: memories})
	if err != nil {
		return fabric.AppendMemoriesResult{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.requestTimeout())
	defer cancel()

	payload, err := f.Channel.Request(reqCtx, fabric.Request{
		Type:    fabric.TypeAppendMemories,
		Tab:     tab.ID,
		TS:      ts,
		Payload: appendPayload,
	})
	if err != nil {
		return fabric.AppendMemoriesResult{}, remapRemote(err)
	}

	var result fabric.AppendMemoriesResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return fabric.AppendMemoriesResult{}, fabric.NewMessagingError(fabric.KindCommunicationError, "decode injection response: %v", err)
	}
	return result, nil
}

// remapRemote restores messaging kinds that crossed the relay hop as error
// strings, so callers keep typed classification.
func remapRemote(err error) error {
	if err == nil {
		return nil
	}
	if kind, ok := fabric.KindFromRemote(err); ok {
		return &fabric.MessagingError{Kind: kind, Message: err.Error()}
	}
	return err
}
