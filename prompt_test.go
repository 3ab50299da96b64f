package creditgate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cg "github.com/ineyio/creditgate"
)

func TestParseKind(t *testing.T) {
	for _, name := range []string{"plain", "markdown_table", "pdf", "html", "json"} {
		k, err := cg.ParseKind(name)
		require.NoError(t, err, name)
		assert.Equal(t, cg.Kind(name), k)
		assert.NotEmpty(t, k.Format())
	}

	_, err := cg.ParseKind("PLAIN")
	assert.ErrorIs(t, err, cg.ErrUnknownKind)
	_, err = cg.ParseKind("")
	assert.ErrorIs(t, err, cg.ErrUnknownKind)
}

func TestSummarizePrompt(t *testing.T) {
	got := cg.SummarizePrompt("first\nsecond", cg.KindHTML, 1024)
	want := "<tokens-config>\nMaximum output tokens: 1024\nMaximum output characters: 4096\n</tokens-config> \n" +
		"<format>\nHTML Static Website\n</format> \n" +
		"<input action=[summarize]>\nfirst<br>second\n</input>"
	assert.Equal(t, want, got)
}
