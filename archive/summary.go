package archive

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/becomeliminal/nim-archive/core"
)

// emptyContentText stands in for records without text (attachment-only
// messages) so they still get an embedding and a citable summary.
const emptyContentText = "[no text content]"

// TruncatingSummarizer keeps the first maxLen runes of the final content.
type TruncatingSummarizer struct{}

// Summarize returns the record content cut to maxLen runes.
func (TruncatingSummarizer) Summarize(_ context.Context, rec *core.Record, maxLen int) (string, error) {
	return truncate(embeddingText(rec), maxLen), nil
}

// embeddingText is the text a record is embedded and summarized from.
func embeddingText(rec *core.Record) string {
	text := strings.TrimSpace(rec.Content)
	if text == "" {
		return emptyContentText
	}
	return text
}

// truncate cuts s to maxLen runes, marking the cut with "...".
func truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string([]rune(s)[:maxLen])
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}
