package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agenticmem/membridge/internal/core"
	"github.com/agenticmem/membridge/internal/fabric"
	"github.com/agenticmem/membridge/internal/site"
)

// fakeAdapter is an in-memory site adapter for agent tests.
type fakeAdapter struct {
	mu       sync.Mutex
	draft    string
	remote   string
	editable string
	noTarget bool
	events   chan site.Event
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{events: make(chan site.Event, 8)}
}

func (f *fakeAdapter) URL() string { return "file:///tmp/page" }

func (f *fakeAdapter) LocateEditable() (site.Editable, error) {
	if f.noTarget {
		return nil, errors.New("nothing editable here")
	}
	return f, nil
}

func (f *fakeAdapter) Read() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.editable, nil
}

func (f *fakeAdapter) ExtractDraft() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draft, nil
}

func (f *fakeAdapter) ExtractRemoteMessage() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote, nil
}

func (f *fakeAdapter) InjectBlock(block string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editable != "" {
		f.editable += "\n\n"
	}
	f.editable += block
	return nil
}

func (f *fakeAdapter) Events() <-chan site.Event { return f.events }
func (f *fakeAdapter) Close() error              { return nil }

func (f *fakeAdapter) set(draft, remote string) {
	f.mu.Lock()
	f.draft = draft
	f.remote = remote
	f.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDraftCacheKeepsLastNonEmptyValue(t *testing.T) {
	adapter := newFakeAdapter()
	a := New(adapter, nil, nil, testLogger())

	adapter.set("first draft", "")
	a.updateDraft()

	// Clearing the field must not erase the cached draft.
	adapter.set("", "")
	a.updateDraft()

	if got := a.takeDraft(); got != "first draft" {
		t.Errorf("draft = %q, want %q", got, "first draft")
	}

	// takeDraft consumes the value.
	if got := a.takeDraft(); got != "" {
		t.Errorf("second take = %q, want empty", got)
	}
}

func TestGetCurrentMessagesConcatenation(t *testing.T) {
	cases := []struct {
		name   string
		draft  string
		remote string
		want   string
	}{
		{"both", "my draft", "their reply", "my draft\ntheir reply"},
		{"draft only", "my draft", "", "my draft"},
		{"remote only", "", "their reply", "their reply"},
		{"neither", "", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := newFakeAdapter()
			adapter.set(tc.draft, tc.remote)
			a := New(adapter, nil, nil, testLogger())

			result, err := a.Handle(context.Background(), fabric.Request{Type: fabric.TypeGetCurrentMessages})
			if err != nil {
				t.Fatalf("Handle() error: %v", err)
			}

			got := result.(fabric.CurrentMessagesResult)
			if got.LatestMessages != tc.want {
				t.Errorf("latest messages = %q, want %q", got.LatestMessages, tc.want)
			}
		})
	}
}

func TestAppendMemoriesIdempotent(t *testing.T) {
	adapter := newFakeAdapter()
	a := New(adapter, nil, nil, testLogger())

	memories := []core.Memory{
		{Title: "Preference", Content: "likes dark mode", Similarity: 0.91},
		{Content: "wrote a relay in Go"},
	}

	payload, _ := json.Marshal(fabric.AppendMemoriesPayload{Memories: memories})
	req := fabric.Request{Type: fabric.TypeAppendMemories, TS: 1700000000000, Payload: payload}

	result, err := a.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("first append error: %v", err)
	}
	first := result.(fabric.AppendMemoriesResult)
	if first.Appended != 2 {
		t.Errorf("appended = %d, want 2", first.Appended)
	}

	// Same timestamp again: marker already present, call is a no-op.
	result, err = a.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("second append error: %v", err)
	}
	second := result.(fabric.AppendMemoriesResult)
	if second.Skipped != "duplicate" {
		t.Errorf("skipped = %q, want duplicate", second.Skipped)
	}
	if second.Appended != 0 {
		t.Errorf("appended = %d, want 0 on duplicate", second.Appended)
	}

	content, _ := adapter.Read()
	if got, want := len(content), 0; got == want {
		t.Fatal("editable should contain the injected block")
	}
}

func TestAppendMemoriesDistinctTimestampsBothLand(t *testing.T) {
	adapter := newFakeAdapter()
	a := New(adapter, nil, nil, testLogger())

	payload, _ := json.Marshal(fabric.AppendMemoriesPayload{
		Memories: []core.Memory{{Content: "a fact"}},
	})

	for _, ts := range []int64{1000, 2000} {
		result, err := a.Handle(context.Background(), fabric.Request{
			Type: fabric.TypeAppendMemories, TS: ts, Payload: payload,
		})
		if err != nil {
			t.Fatalf("append ts=%d error: %v", ts, err)
		}
		if r := result.(fabric.AppendMemoriesResult); r.Appended != 1 {
			t.Errorf("ts=%d appended = %d, want 1", ts, r.Appended)
		}
	}
}

func TestAppendMemoriesNoTarget(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.noTarget = true
	a := New(adapter, nil, nil, testLogger())

	payload, _ := json.Marshal(fabric.AppendMemoriesPayload{
		Memories: []core.Memory{{Content: "a fact"}},
	})

	_, err := a.Handle(context.Background(), fabric.Request{
		Type: fabric.TypeAppendMemories, TS: 1, Payload: payload,
	})
	if !errors.Is(err, ErrNoTarget) {
		t.Errorf("error = %v, want ErrNoTarget", err)
	}
}

func TestAppendMemoriesEmptyPayload(t *testing.T) {
	adapter := newFakeAdapter()
	a := New(adapter, nil, nil, testLogger())

	_, err := a.Handle(context.Background(), fabric.Request{Type: fabric.TypeAppendMemories, TS: 1})
	if !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("error = %v, want ErrEmptyPayload", err)
	}
}

func TestHandleUnknownType(t *testing.T) {
	a := New(newFakeAdapter(), nil, nil, testLogger())

	_, err := a.Handle(context.Background(), fabric.Request{Type: fabric.TypeListTabs})
	if !fabric.IsKind(err, fabric.KindUnknownType) {
		t.Errorf("error = %v, want kind %v", err, fabric.KindUnknownType)
	}
}

func TestHandlePing(t *testing.T) {
	a := New(newFakeAdapter(), nil, nil, testLogger())

	result, err := a.Handle(context.Background(), fabric.Request{Type: fabric.TypePing})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if result.(fabric.PingResult).Timestamp == 0 {
		t.Error("ping timestamp should be set")
	}
}

func TestSendDetectionForwardsCapture(t *testing.T) {
	adapter := newFakeAdapter()
	sink := &fakeSink{}
	notifier := NewNotifier(sink, testLogger())

	identity := func(_ context.Context) (string, error) { return "sub-1", nil }
	a := New(adapter, notifier, identity, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	adapter.set("my question", "their answer")
	adapter.events <- site.Event{Kind: site.EventSend}

	// Delivery is asynchronous; wait for the sink to see it.
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.captures()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("agent loop did not stop")
	}
	notifier.Close()

	captures := sink.captures()
	if len(captures) != 1 {
		t.Fatalf("captures = %d, want 1", len(captures))
	}
	want := "Assistant: their answer\nUser: my question"
	if captures[0].Message != want {
		t.Errorf("message = %q, want %q", captures[0].Message, want)
	}
	if captures[0].UserID != "sub-1" {
		t.Errorf("user id = %q, want sub-1", captures[0].UserID)
	}
}

func TestSendDetectionSkipsEmptyCapture(t *testing.T) {
	adapter := newFakeAdapter()
	sink := &fakeSink{}
	notifier := NewNotifier(sink, testLogger())

	a := New(adapter, notifier, nil, testLogger())
	a.detectSend(context.Background())

	notifier.Close()
	if got := len(sink.captures()); got != 0 {
		t.Errorf("captures = %d, want 0 when there is nothing to capture", got)
	}
}
