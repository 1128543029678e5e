package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLToTextStripsStyleBeforeTags(t *testing.T) {
	// Stripping tags first would leak the CSS text into the body.
	got := htmlToText(`<style>.a{color:red}</style><p>Hi &amp; bye</p>`)
	assert.Equal(t, "Hi & bye", got)
}

func TestHTMLToTextStripsScriptContent(t *testing.T) {
	got := htmlToText(`<script>var x = "<b>evil</b>";</script><div>Safe text</div>`)
	assert.Equal(t, "Safe text", got)
}

func TestHTMLToTextEntities(t *testing.T) {
	got := htmlToText(`<p>a&nbsp;&lt;tag&gt;&quot;quoted&quot;&#39;s</p>`)
	assert.Equal(t, `a <tag>"quoted"'s`, got)
}

func TestHTMLToTextCollapsesWhitespace(t *testing.T) {
	got := htmlToText("<div>one\n\n   two</div>\t<div>three</div>")
	assert.Equal(t, "one two three", got)
}

func TestResolveSender(t *testing.T) {
	tests := []struct {
		from string
		want string
	}{
		{"Alice Example <alice@example.com>", "Alice Example <alice@example.com>"},
		{"alice@example.com", "alice@example.com"},
		{"Just A Name", "Just A Name"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolveSender(tt.from), tt.from)
	}
}

func TestParsePlainText(t *testing.T) {
	raw := strings.Join([]string{
		"From: Alice Example <alice@example.com>",
		"To: bob@example.com",
		"Subject: Quarterly report",
		"Message-Id: <report-1@example.com>",
		"Date: Mon, 02 Jan 2006 15:04:05 -0700",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Numbers are up.",
	}, "\r\n")

	parsed, targets := Parse([]byte(raw), 42)
	assert.Equal(t, "<report-1@example.com>", parsed.MessageID)
	assert.Equal(t, "Alice Example <alice@example.com>", parsed.Sender)
	assert.Equal(t, "Quarterly report", parsed.Subject)
	assert.Equal(t, "Numbers are up.", parsed.Body)
	assert.Equal(t, 2006, parsed.Date.Year())
	assert.Empty(t, targets)
}

func TestParseDefaults(t *testing.T) {
	raw := strings.Join([]string{
		"To: bob@example.com",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Anonymous note.",
	}, "\r\n")

	before := time.Now()
	parsed, _ := Parse([]byte(raw), 7)

	assert.Equal(t, "uid-7", parsed.MessageID)
	assert.Equal(t, "(no subject)", parsed.Subject)
	assert.Equal(t, "unknown", parsed.Sender)
	assert.False(t, parsed.Date.Before(before.Add(-time.Second)))
}

func TestParseHTMLFallback(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"Subject: Styled",
		"Content-Type: text/html; charset=utf-8",
		"",
		`<style>.a{color:red}</style><p>Hi &amp; bye</p>`,
	}, "\r\n")

	parsed, _ := Parse([]byte(raw), 3)
	assert.Equal(t, "Hi & bye", parsed.Body)
	assert.NotEmpty(t, parsed.HTML)
}

func TestParseAttachments(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"Subject: With attachment",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="XYZ"`,
		"",
		"--XYZ",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"See attached.",
		"--XYZ",
		`Content-Type: application/pdf; name="doc.pdf"`,
		`Content-Disposition: attachment; filename="doc.pdf"`,
		"Content-Transfer-Encoding: base64",
		"",
		"JVBERi0xLjQ=",
		"--XYZ--",
	}, "\r\n")

	parsed, targets := Parse([]byte(raw), 9)
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "doc.pdf", parsed.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", parsed.Attachments[0].ContentType)
	assert.Greater(t, parsed.Attachments[0].Size, 0)

	require.Len(t, targets, 1)
	assert.Equal(t, "doc.pdf", targets[0].Filename)
	assert.NotEmpty(t, targets[0].Data)
	assert.Equal(t, "See attached.", parsed.Body)
}

func TestParseUnparseableFallsBackToRaw(t *testing.T) {
	parsed, targets := Parse([]byte("not: a: real: message"), 5)
	assert.Equal(t, "uid-5", parsed.MessageID)
	assert.Empty(t, targets)
}
