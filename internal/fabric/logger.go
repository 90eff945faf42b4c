package fabric

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EnvelopeLog appends raw envelopes to a daily JSONL file for debugging.
// A nil *EnvelopeLog is valid and logs nothing.
type EnvelopeLog struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

type envelopeLogEntry struct {
	Timestamp string          `json:"timestamp"`
	Direction string          `json:"direction"`
	Envelope  json.RawMessage `json:"envelope"`
}

// NewEnvelopeLog creates an envelope log writing under dir.
func NewEnvelopeLog(dir string, logger *slog.Logger) *EnvelopeLog {
	return &EnvelopeLog{dir: dir, logger: logger}
}

func (l *EnvelopeLog) read(data []byte)  { l.append("recv", data) }
func (l *EnvelopeLog) write(data []byte) { l.append("send", data) }

func (l *EnvelopeLog) append(direction string, data []byte) {
	if l == nil || l.dir == "" {
		return
	}

	entry := envelopeLogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Direction: direction,
		Envelope:  append(json.RawMessage(nil), data...),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_ = os.MkdirAll(l.dir, 0o755)
	logFile := filepath.Join(l.dir, fmt.Sprintf("envelopes_%s.jsonl", time.Now().Format("2006-01-02")))

	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if l.logger != nil {
			l.logger.Warn("envelope log open failed", "error", err)
		}
		return
	}
	defer f.Close()

	_, _ = f.Write(append(line, '\n'))
}
