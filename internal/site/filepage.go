package site

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	composeFile  = "compose.txt"
	messagesFile = "messages.jsonl"
	sendSentinel = "send"
)

// FilePage adapts a directory to the page capability: compose.txt is the
// editable element, messages.jsonl the remote transcript, and touching a
// `send` sentinel file stands in for the send control. Edits are detected by
// polling file modification times.
type FilePage struct {
	dir     string
	pageURL string
	logger  *slog.Logger

	events chan Event
	stop   chan struct{}
	once   sync.Once

	mu sync.Mutex // serializes compose.txt access
}

type transcriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewFilePage attaches to a file: URL pointing at a page directory.
func NewFilePage(pageURL string, pollInterval time.Duration, logger *slog.Logger) (*FilePage, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Scheme != "file" {
		return nil, fmt.Errorf("filepage: unsupported url %q", pageURL)
	}

	dir := parsed.Path
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("filepage: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("filepage: %s is not a directory", dir)
	}

	p := &FilePage{
		dir:     dir,
		pageURL: pageURL,
		logger:  logger,
		events:  make(chan Event, 16),
		stop:    make(chan struct{}),
	}
	go p.poll(pollInterval)
	return p, nil
}

func (p *FilePage) URL() string          { return p.pageURL }
func (p *FilePage) Events() <-chan Event { return p.events }

func (p *FilePage) Close() error {
	p.once.Do(func() { close(p.stop) })
	return nil
}

type fileEditable struct {
	path string
}

func (e fileEditable) Read() (string, error) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *FilePage) LocateEditable() (Editable, error) {
	path := filepath.Join(p.dir, composeFile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("filepage: no editable element: %w", err)
	}
	return fileEditable{path: path}, nil
}

func (p *FilePage) ExtractDraft() (string, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, composeFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *FilePage) ExtractRemoteMessage() (string, error) {
	f, err := os.Open(filepath.Join(p.dir, messagesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry transcriptEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Role != "user" && strings.TrimSpace(entry.Content) != "" {
			last = strings.TrimSpace(entry.Content)
		}
	}
	return last, scanner.Err()
}

func (p *FilePage) InjectBlock(block string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := filepath.Join(p.dir, composeFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("filepage: read editable: %w", err)
	}

	content := string(data)
	switch {
	case content == "":
	case strings.HasSuffix(content, "\n\n"):
	case strings.HasSuffix(content, "\n"):
		content += "\n"
	default:
		content += "\n\n"
	}
	content += block

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("filepage: write editable: %w", err)
	}

	// The mtime bump is the synthetic input notification: the poll loop (and
	// anything else watching the page) observes the change on the next tick.
	return nil
}

func (p *FilePage) poll(interval time.Duration) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var composeSeen, messagesSeen time.Time

	for {
		select {
		case <-p.stop:
			close(p.events)
			return
		case <-ticker.C:
		}

		if info, err := os.Stat(filepath.Join(p.dir, sendSentinel)); err == nil && info.Mode().IsRegular() {
			_ = os.Remove(filepath.Join(p.dir, sendSentinel))
			p.emit(Event{Kind: EventSend})
			continue
		}

		if info, err := os.Stat(filepath.Join(p.dir, composeFile)); err == nil {
			if info.ModTime().After(composeSeen) {
				if !composeSeen.IsZero() {
					p.emit(Event{Kind: EventEdit})
				}
				composeSeen = info.ModTime()
			}
		}

		if info, err := os.Stat(filepath.Join(p.dir, messagesFile)); err == nil {
			if info.ModTime().After(messagesSeen) {
				if !messagesSeen.IsZero() {
					p.emit(Event{Kind: EventStructure})
				}
				messagesSeen = info.ModTime()
			}
		}
	}
}

func (p *FilePage) emit(event Event) {
	select {
	case p.events <- event:
	default:
		p.logger.Debug("dropping page event, agent is behind", "kind", event.Kind)
	}
}
