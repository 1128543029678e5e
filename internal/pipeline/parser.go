package pipeline

import (
	"bytes"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/metal0/mailpilot-sub003/pkg/types"
)

var (
	stylePattern  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	scriptPattern = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	tagPattern    = regexp.MustCompile(`<[^>]*>`)
	spacePattern  = regexp.MustCompile(`\s+`)

	entityReplacer = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
)

// ScanTarget is an attachment payload staged just long enough to be
// scanned.
type ScanTarget struct {
	Filename string
	Data     []byte
}

// Parse normalizes a raw message into a ParsedEmail plus the attachment
// payloads needed for scanning. Missing headers get defaults: subject
// "(no subject)", a synthetic uid-<sequence> message id, the current
// time for the date.
func Parse(raw []byte, uid uint32) (*types.ParsedEmail, []ScanTarget) {
	parsed := &types.ParsedEmail{
		MessageID: fmt.Sprintf("uid-%d", uid),
		Sender:    "unknown",
		Subject:   "(no subject)",
		Date:      time.Now(),
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		// Unparseable MIME: keep the raw text as the body so the
		// classifier still has something to work with.
		parsed.Body = strings.TrimSpace(string(raw))
		return parsed, nil
	}

	if id := strings.TrimSpace(env.GetHeader("Message-Id")); id != "" {
		parsed.MessageID = id
	}
	if subject := strings.TrimSpace(env.GetHeader("Subject")); subject != "" {
		parsed.Subject = subject
	}
	if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		parsed.Date = date
	}
	parsed.Sender = resolveSender(env.GetHeader("From"))

	parsed.Body = strings.TrimSpace(env.Text)
	parsed.HTML = env.HTML
	if parsed.Body == "" && env.HTML != "" {
		parsed.Body = htmlToText(env.HTML)
	}

	var targets []ScanTarget
	for _, att := range env.Attachments {
		parsed.Attachments = append(parsed.Attachments, types.Attachment{
			Filename:    att.FileName,
			ContentType: att.ContentType,
			Size:        len(att.Content),
		})
		targets = append(targets, ScanTarget{
			Filename: att.FileName,
			Data:     att.Content,
		})
	}

	return parsed, targets
}

// resolveSender renders the first From address as "Name <address>",
// falling back to address-only, then name-only, then "unknown".
func resolveSender(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return "unknown"
	}

	addrs, err := mail.ParseAddressList(from)
	if err != nil || len(addrs) == 0 {
		// Not a parseable address; treat the raw header as a bare
		// display name.
		return from
	}

	addr := addrs[0]
	switch {
	case addr.Name != "" && addr.Address != "":
		return fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
	case addr.Address != "":
		return addr.Address
	case addr.Name != "":
		return addr.Name
	default:
		return "unknown"
	}
}

// htmlToText derives a plain-text body from HTML. Style and script
// blocks are removed with their contents before any other tags are
// stripped; doing it the other way around would leak CSS and JS text
// into the body.
func htmlToText(html string) string {
	text := stylePattern.ReplaceAllString(html, "")
	text = scriptPattern.ReplaceAllString(text, "")
	text = tagPattern.ReplaceAllString(text, "")
	text = entityReplacer.Replace(text)
	text = spacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
