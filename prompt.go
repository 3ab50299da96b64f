package creditgate

import (
	"fmt"
	"strings"
)

// Kind is the output format requested for a summary.
type Kind string

const (
	KindPlain         Kind = "plain"
	KindMarkdownTable Kind = "markdown_table"
	KindPDF           Kind = "pdf"
	KindHTML          Kind = "html"
	KindJSON          Kind = "json"
)

// SummarizeSystemPrompt is sent as the system instruction on every
// summarize call.
const SummarizeSystemPrompt = "Respond with only the summarized content—concise, direct, and in the same language as the input text and in the indicated format."

var kindFormats = map[Kind]string{
	KindPlain:         "Bullet Point",
	KindMarkdownTable: "Markdown Table",
	KindPDF:           "PDF Document",
	KindHTML:          "HTML Static Website",
	KindJSON:          "JSON Object",
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := kindFormats[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Format returns the human-readable format name placed in the prompt.
func (k Kind) Format() string { return kindFormats[k] }

// SummarizePrompt renders the user prompt for a summarize call. Newlines
// in the input are sent as <br> so the input block stays on one line.
func SummarizePrompt(text string, kind Kind, maxOutputTokens int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<tokens-config>\nMaximum output tokens: %d\nMaximum output characters: %d\n</tokens-config> \n",
		maxOutputTokens, maxOutputTokens*DefaultTokenWeight)
	fmt.Fprintf(&b, "<format>\n%s\n</format> \n", kind.Format())
	fmt.Fprintf(&b, "<input action=[summarize]>\n%s\n</input>", strings.ReplaceAll(text, "\n", "<br>"))
	return b.String()
}
