package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"control chars", "he\x00llo\x1fworld\x7f", "helloworld"},
		{"whitespace runs", "a  b\t\tc\n\nd", "a b c d"},
		{"leading trailing", "  spaced  ", "spaced"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestCleanIdempotent(t *testing.T) {
	inputs := []string{"a  b\tc", "\x01x\x02y", "plain text", "  mixed \x1f stuff  "}
	for _, in := range inputs {
		once := Clean(in)
		assert.Equal(t, once, Clean(once), "Clean not idempotent on %q", in)
	}
}

func TestHostname(t *testing.T) {
	assert.Equal(t, "mail.example.com", Hostname("Mail.Example.COM."))
	assert.Equal(t, "mail.example.com", Hostname(" mail.\texample.com "))
	assert.Equal(t, Hostname("Mail.Example.COM."), Hostname(Hostname("Mail.Example.COM.")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exact", Truncate("exact", 5))

	got := Truncate("abcdefghij", 8)
	assert.Equal(t, "abcde...", got)
	assert.LessOrEqual(t, len(got), 8)

	// Idempotent: a truncated value fits the cap and passes through.
	assert.Equal(t, got, Truncate(got, 8))

	// Tiny caps degrade to a hard cut.
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}

func TestHeader(t *testing.T) {
	assert.Equal(t, "subject line", Header("subject\r\nline"))
	assert.Equal(t, "clean", Header("cle\x00an"))
}

func TestBody(t *testing.T) {
	in := "line one\nline two\x00\ttabbed"
	got := Body(in, 1000)
	assert.Equal(t, "line one\nline two tabbed", got)

	capped := Body(strings.Repeat("x", 50), 10)
	assert.LessOrEqual(t, len(capped), 10)
}

func TestCapListNoTruncation(t *testing.T) {
	values := []string{"a.example.com", "b.example.com"}
	got := CapList(values, 10, 100)

	require.Equal(t, values, got.Values)
	assert.Equal(t, 2, got.Total)
	assert.False(t, got.Truncated)
	assert.Empty(t, got.Hash)
}

func TestCapListItemCap(t *testing.T) {
	values := []string{"a", "b", "c", "d"}
	got := CapList(values, 2, 100)

	assert.Equal(t, []string{"a", "b"}, got.Values)
	assert.Equal(t, 4, got.Total)
	assert.True(t, got.Truncated)
	assert.Equal(t, HashLines(values), got.Hash)
}

func TestCapListValueTruncation(t *testing.T) {
	long := strings.Repeat("v", 64)
	got := CapList([]string{long}, 10, 16)

	require.Len(t, got.Values, 1)
	assert.LessOrEqual(t, len(got.Values[0]), 16)
	assert.True(t, got.Truncated)
	assert.NotEmpty(t, got.Hash)

	// Hash covers the pre-truncation originals.
	assert.Equal(t, HashLines([]string{long}), got.Hash)
}

func TestCapListEmpty(t *testing.T) {
	got := CapList(nil, 5, 5)
	assert.Equal(t, 0, got.Total)
	assert.False(t, got.Truncated)
	assert.Empty(t, got.Hash)
}
