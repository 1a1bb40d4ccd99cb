package adjudication

import (
	"sort"
	"strings"
)

const highlightMarker = "**"

// HighlightSentence returns the sentence that contains current, with every
// matched token of that sentence wrapped in ** markers. Offsets are byte offsets
// into text; when they do not fit the text the stored sentence is returned.
func HighlightSentence(text string, current Annotation, siblings []Annotation) string {
	start, end := current.SentenceStart, current.SentenceEnd
	if start < 0 || end > len(text) || start >= end {
		return current.Sentence
	}

	matches := make([]Annotation, 0, len(siblings)+1)
	matches = append(matches, siblings...)
	if len(siblings) == 0 {
		matches = append(matches, current)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].NoteStart < matches[j].NoteStart
	})

	var builder strings.Builder
	position := start
	for _, match := range matches {
		if match.NoteStart < position || match.NoteEnd > end || match.NoteStart >= match.NoteEnd {
			continue
		}
		builder.WriteString(text[position:match.NoteStart])
		builder.WriteString(highlightMarker)
		builder.WriteString(text[match.NoteStart:match.NoteEnd])
		builder.WriteString(highlightMarker)
		position = match.NoteEnd
	}
	builder.WriteString(text[position:end])
	return strings.TrimSpace(builder.String())
}
