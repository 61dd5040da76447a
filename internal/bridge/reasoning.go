package bridge

import (
	"strings"
	"unicode/utf8"
)

// ReasoningAggregator collects streamed reasoning text for one turn.
type ReasoningAggregator struct {
	sections []string
	current  strings.Builder
}

// AppendDelta appends text to the in-progress section.
func (r *ReasoningAggregator) AppendDelta(text string) {
	r.current.WriteString(text)
}

// SectionBreak closes the in-progress section if it has any text.
func (r *ReasoningAggregator) SectionBreak() {
	if r.current.Len() == 0 {
		return
	}
	r.sections = append(r.sections, r.current.String())
	r.current.Reset()
}

// TakeText drains the aggregator. Sections are trimmed, blank ones dropped,
// and the rest joined by a blank line. ok is false when nothing remains.
func (r *ReasoningAggregator) TakeText() (text string, ok bool) {
	r.SectionBreak()
	sections := r.sections
	r.sections = nil

	kept := make([]string, 0, len(sections))
	for _, s := range sections {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	if len(kept) == 0 {
		return "", false
	}
	return strings.Join(kept, "\n\n"), true
}

// ChooseFinalText drains the aggregator and returns the longer (by trimmed
// character count) of the aggregated text and final. A nil final means the
// engine supplied none.
func (r *ReasoningAggregator) ChooseFinalText(final *string) (string, bool) {
	aggregated, haveAggregated := r.TakeText()

	haveFinal := final != nil && strings.TrimSpace(*final) != ""
	switch {
	case !haveAggregated && !haveFinal:
		return "", false
	case !haveFinal:
		return aggregated, true
	case !haveAggregated:
		return *final, true
	}

	if trimmedLen(*final) > trimmedLen(aggregated) {
		return *final, true
	}
	return aggregated, true
}

func trimmedLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}
