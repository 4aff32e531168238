// Package mailfile reads RFC 5322 message files (.eml) into resolution
// messages, so saved mail can be run through the pipeline.
package mailfile

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/textnorm"
)

// DefaultMaxBodySize caps the body and each attachment's text.
const DefaultMaxBodySize = 1 << 20

// maxDepth bounds nested multiparts and attached messages.
const maxDepth = 8

// Options controls parsing.
type Options struct {
	// MaxBodySize truncates long bodies. Zero means DefaultMaxBodySize.
	MaxBodySize int
	// FallbackDate is used when the Date header is missing or unreadable.
	FallbackDate time.Time
}

// Result is a parsed message plus anything that was skipped on the way.
type Result struct {
	Message  *resolution.Message
	Warnings []string
}

// ParseFile parses the file at path. The file's modification time is the
// fallback date unless opts sets one.
func ParseFile(path string, opts Options) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if opts.FallbackDate.IsZero() {
		if info, err := os.Stat(path); err == nil {
			opts.FallbackDate = info.ModTime()
		}
	}
	return Parse(data, opts)
}

// Parse parses one raw message.
func Parse(data []byte, opts Options) (*Result, error) {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	p := &parser{opts: opts, result: &Result{}}

	m, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &resolution.Message{}
	p.result.Message = msg
	p.headers(m.Header, msg)

	var b body
	p.entity(m.Header, m.Body, &b, 0)
	msg.Body = b.text()
	msg.Attachments = b.attachments

	if msg.ID == "" {
		msg.ID = "eml-" + textnorm.Fingerprint(string(data))[:24]
		p.warn("no Message-ID; derived one from the content")
	}
	return p.result, nil
}

type parser struct {
	opts   Options
	result *Result
}

func (p *parser) warn(format string, args ...any) {
	p.result.Warnings = append(p.result.Warnings, fmt.Sprintf(format, args...))
}

func (p *parser) headers(h mail.Header, msg *resolution.Message) {
	msg.ID = cleanMessageID(h.Get("Message-Id"))

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.SenderAddress = strings.ToLower(from[0].Address)
		msg.SenderName = from[0].Name
	} else if raw := h.Get("From"); raw != "" {
		msg.SenderAddress, msg.SenderName = parseRawAddress(decodeHeader(raw))
		p.warn("malformed From header: %s", raw)
	}

	// The raw sender header survives relays that rewrite From.
	for _, name := range []string{"Sender", "X-Original-From", "X-Original-Sender"} {
		if v := h.Get(name); v != "" {
			msg.ApparentSender = decodeHeader(v)
			break
		}
	}

	msg.Subject = decodeHeader(h.Get("Subject"))
	msg.ReceivedAt = p.date(h)

	refs := parseReferences(h.Get("References"))
	if reply := cleanMessageID(h.Get("In-Reply-To")); reply != "" && !contains(refs, reply) {
		refs = append(refs, reply)
	}
	if len(refs) > 0 {
		msg.ThreadID = refs[0]
		msg.ThreadPosition = len(refs)
	}
}

var dateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02 15:04:05",
}

func (p *parser) date(h mail.Header) time.Time {
	raw := h.Get("Date")
	if raw != "" {
		if t, err := mail.ParseDate(raw); err == nil {
			return t.UTC()
		}
		for _, f := range dateFormats {
			if t, err := time.Parse(f, raw); err == nil {
				return t.UTC()
			}
		}
		p.warn("could not parse date: %s", raw)
	}
	if !p.opts.FallbackDate.IsZero() {
		return p.opts.FallbackDate.UTC()
	}
	return time.Now().UTC()
}

// header is the subset of part headers the walker needs.
type header interface {
	Get(key string) string
}

// body accumulates text while walking the MIME tree.
type body struct {
	plain       []string
	html        []string
	forwarded   []string
	attachments []resolution.AttachmentText
}

// text prefers plain parts, falls back to stripped HTML, and appends any
// attached forwarded messages.
func (b *body) text() string {
	parts := b.plain
	if len(parts) == 0 {
		for _, h := range b.html {
			parts = append(parts, stripHTML(h))
		}
	}
	parts = append(parts, b.forwarded...)
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func (p *parser) entity(h header, r io.Reader, b *body, depth int) {
	if depth > maxDepth {
		p.warn("MIME nesting deeper than %d; rest skipped", maxDepth)
		return
	}

	contentType := h.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, params = "text/plain", nil
	}
	disposition, dispParams, _ := mime.ParseMediaType(h.Get("Content-Disposition"))
	filename := decodeHeader(dispParams["filename"])
	if filename == "" {
		filename = decodeHeader(params["name"])
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		mr := multipart.NewReader(r, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return
			}
			if err != nil {
				p.warn("failed to read part: %v", err)
				return
			}
			p.entity(part.Header, part, b, depth+1)
		}

	case mediaType == "message/rfc822":
		raw, err := io.ReadAll(decodeTransfer(r, h.Get("Content-Transfer-Encoding")))
		if err != nil {
			p.warn("failed to read attached message: %v", err)
			return
		}
		nested, err := mail.ReadMessage(bytes.NewReader(raw))
		if err != nil {
			p.warn("failed to parse attached message: %v", err)
			return
		}
		var nb body
		p.entity(nested.Header, nested.Body, &nb, depth+1)
		b.forwarded = append(b.forwarded, forwardedBlock(nested.Header, nb.text()))
		b.attachments = append(b.attachments, nb.attachments...)

	case disposition == "attachment" || (filename != "" && disposition != "inline") || !strings.HasPrefix(mediaType, "text/"):
		b.attachments = append(b.attachments, p.attachment(h, r, mediaType, params, filename))

	default:
		text, err := p.readText(h, r, params)
		if err != nil {
			p.warn("failed to read %s part: %v", mediaType, err)
			return
		}
		if mediaType == "text/html" {
			b.html = append(b.html, text)
		} else {
			b.plain = append(b.plain, text)
		}
	}
}

// attachment keeps the text of text/* attachments. Other types need OCR
// or PDF extraction, which happens upstream, and are recorded as failed.
func (p *parser) attachment(h header, r io.Reader, mediaType string, params map[string]string, filename string) resolution.AttachmentText {
	att := resolution.AttachmentText{Filename: filename}
	if !strings.HasPrefix(mediaType, "text/") {
		att.Status = resolution.AttachmentFailed
		return att
	}
	text, err := p.readText(h, r, params)
	switch {
	case err != nil:
		p.warn("failed to read attachment %s: %v", filename, err)
		att.Status = resolution.AttachmentFailed
	case strings.TrimSpace(text) == "":
		att.Status = resolution.AttachmentEmpty
	default:
		if mediaType == "text/html" {
			text = stripHTML(text)
		}
		att.Text = text
		att.Status = resolution.AttachmentExtracted
	}
	return att
}

func (p *parser) readText(h header, r io.Reader, params map[string]string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(decodeTransfer(r, h.Get("Content-Transfer-Encoding")), int64(p.opts.MaxBodySize)+1))
	if err != nil {
		return "", err
	}
	if len(data) > p.opts.MaxBodySize {
		data = data[:p.opts.MaxBodySize]
		p.warn("part truncated to %d bytes", p.opts.MaxBodySize)
	}
	if cs := params["charset"]; cs != "" {
		decoded, err := decodeCharset(data, cs)
		if err != nil {
			p.warn("charset %s: %v", cs, err)
		} else {
			data = decoded
		}
	}
	return strings.ToValidUTF8(string(data), "\uFFFD"), nil
}

// forwardedBlock renders an attached message the way mail clients quote a
// forward, so forward markers and original headers stay visible.
func forwardedBlock(h mail.Header, text string) string {
	var sb strings.Builder
	sb.WriteString("---------- Forwarded message ----------\n")
	for _, name := range []string{"From", "Date", "Subject", "To"} {
		if v := h.Get(name); v != "" {
			fmt.Fprintf(&sb, "%s: %s\n", name, decodeHeader(v))
		}
	}
	sb.WriteString("\n")
	sb.WriteString(text)
	return sb.String()
}

// decodeTransfer handles base64 and quoted-printable. multipart.Reader
// already strips quoted-printable from parts, which leaves the header
// unset.
func decodeTransfer(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

func decodeCharset(data []byte, charset string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "utf-8", "utf8", "us-ascii", "ascii":
		return data, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return data, fmt.Errorf("unknown charset: %w", err)
	}
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), enc.NewDecoder()))
	if err != nil {
		return data, fmt.Errorf("charset decoding failed: %w", err)
	}
	return out, nil
}

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, err
		}
		return transform.NewReader(input, enc.NewDecoder()), nil
	},
}

func decodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func cleanMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

func parseReferences(refs string) []string {
	var out []string
	for _, f := range strings.Fields(refs) {
		if id := cleanMessageID(f); id != "" && !contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

var angleAddr = regexp.MustCompile(`^\s*"?([^"<]*?)"?\s*<([^>]+)>\s*$`)

// parseRawAddress handles From headers net/mail rejects, e.g. unquoted
// commas in the display name.
func parseRawAddress(raw string) (address, name string) {
	if m := angleAddr.FindStringSubmatch(raw); m != nil {
		return strings.ToLower(strings.TrimSpace(m[2])), strings.TrimSpace(m[1])
	}
	return strings.ToLower(strings.TrimSpace(raw)), ""
}

var (
	dropBlocks = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
	lineBreaks = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/tr|/li|/h[1-6])\s*/?>`)
	cellBreaks = regexp.MustCompile(`(?i)</t[dh]\s*>`)
	tags       = regexp.MustCompile(`<[^>]*>`)
	blankRuns  = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
)

// stripHTML reduces an HTML body to text, keeping line and cell breaks so
// "Label: value" extraction still works on table layouts.
func stripHTML(s string) string {
	s = dropBlocks.ReplaceAllString(s, "")
	s = lineBreaks.ReplaceAllString(s, "\n")
	s = cellBreaks.ReplaceAllString(s, " ")
	s = tags.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
