package fabric

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnvelopeLogAppends(t *testing.T) {
	dir := t.TempDir()
	log := NewEnvelopeLog(dir, nil)

	log.write([]byte(`{"id":"1","type":"PING"}`))
	log.read([]byte(`{"id":"1","ok":true}`))

	matches, err := filepath.Glob(filepath.Join(dir, "envelopes_*.jsonl"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("log files = %v (err %v), want one daily file", matches, err)
	}

	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var directions []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry struct {
			Direction string          `json:"direction"`
			Envelope  json.RawMessage `json:"envelope"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("malformed log line: %v", err)
		}
		directions = append(directions, entry.Direction)
	}

	if len(directions) != 2 || directions[0] != "send" || directions[1] != "recv" {
		t.Errorf("directions = %v, want [send recv]", directions)
	}
}

// A connection's log must be attached before its read loop starts; the
// idle-conn sequence is the supported way to get there.
func TestIdleConnLogsWhenAttachedBeforeStart(t *testing.T) {
	dir := t.TempDir()

	agentR, popupW := io.Pipe()
	popupR, agentW := io.Pipe()

	agent := NewConn(func(_ context.Context, _ Request) (any, error) {
		return PingResult{Timestamp: 1}, nil
	}, agentW, agentR)
	defer agent.Close()

	popup := NewIdleConn(popupW, popupR)
	popup.SetLog(NewEnvelopeLog(dir, nil))
	popup.Start()
	defer popup.Close()

	if _, err := popup.Request(context.Background(), Request{Type: TypePing}); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "envelopes_*.jsonl"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("log files = %v (err %v), want one", matches, err)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"send"`) || !strings.Contains(string(data), `"recv"`) {
		t.Errorf("log should carry both directions, got %s", data)
	}
}

func TestNilEnvelopeLogIsSafe(t *testing.T) {
	var log *EnvelopeLog
	log.write([]byte(`{}`))
	log.read([]byte(`{}`))
}
