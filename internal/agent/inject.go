package agent

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agenticmem/membridge/internal/core"
	"github.com/agenticmem/membridge/internal/fabric"
)

const (
	blockHeader  = "[Retrieved Memories]"
	blockFooter  = "[End Memories]"
	previewLimit = 10
	summaryLimit = 160
)

// Injection failures surfaced as structured results, never thrown across the
// messaging boundary.
var (
	ErrNoTarget     = errors.New("no editable target on page")
	ErrEmptyPayload = errors.New("no memories to inject")
)

// injectionMarker derives the per-retrieval deduplication token from the
// request timestamp.
func injectionMarker(ts int64) string {
	return fmt.Sprintf("<!--mem:%d-->", ts)
}

// appendMemories performs the idempotent injection: a repeated call with the
// same ts against content that already carries its marker is a no-op
// reported as skipped, not an error.
func (a *Agent) appendMemories(memories []core.Memory, ts int64) (fabric.AppendMemoriesResult, error) {
	editable, err := a.adapter.LocateEditable()
	if err != nil {
		a.logger.Warn("injection target missing", "error", err)
		return fabric.AppendMemoriesResult{}, ErrNoTarget
	}

	if len(memories) == 0 {
		return fabric.AppendMemoriesResult{}, ErrEmptyPayload
	}

	current, err := editable.Read()
	if err != nil {
		return fabric.AppendMemoriesResult{}, fmt.Errorf("read editable: %v", err)
	}

	marker := injectionMarker(ts)
	if strings.Contains(current, marker) {
		a.logger.Info("duplicate injection suppressed", "ts", ts)
		return fabric.AppendMemoriesResult{Skipped: "duplicate"}, nil
	}

	lines := formatPreview(memories)
	block := blockHeader + "\n" + strings.Join(lines, "\n") + "\n" + blockFooter + "\n" + marker

	if err := a.adapter.InjectBlock(block); err != nil {
		return fabric.AppendMemoriesResult{}, fmt.Errorf("inject block: %v", err)
	}

	a.logger.Info("memories injected", "count", len(lines), "ts", ts)
	return fabric.AppendMemoriesResult{Appended: len(lines)}, nil
}

// formatPreview renders a bounded preview: one line per memory, identifying
// label plus a whitespace-collapsed, truncated content summary, similarity
// suffix when the service scored the match.
func formatPreview(memories []core.Memory) []string {
	if len(memories) > previewLimit {
		memories = memories[:previewLimit]
	}

	lines := make([]string, 0, len(memories))
	for i, memory := range memories {
		label := strings.TrimSpace(memory.Title)
		if label == "" {
			label = fmt.Sprintf("(%d)", i+1)
		}

		content := strings.Join(strings.Fields(memory.Content), " ")
		if len(content) > summaryLimit {
			cut := summaryLimit
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut] + "…"
		}

		line := fmt.Sprintf("- %s: %s", label, content)
		if memory.Similarity > 0 {
			line += fmt.Sprintf(" (sim %.3f)", memory.Similarity)
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	return lines
}
