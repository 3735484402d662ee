package sources

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type parsedMessage struct {
	Sender     string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// parseMessage decodes an RFC 5322 message. The body is the first inline
// text/plain part, falling back to the first text/html part as plain text.
// A missing or malformed Date header yields now.
func parseMessage(r io.Reader, now time.Time) (parsedMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return parsedMessage{}, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	var out parsedMessage
	out.Sender = decodeSender(mr.Header)
	if out.Subject, err = mr.Header.Subject(); err != nil {
		out.Subject = mr.Header.Get("Subject")
	}
	out.Subject = strings.TrimSpace(out.Subject)
	if out.ReceivedAt, err = mr.Header.Date(); err != nil || out.ReceivedAt.IsZero() {
		out.ReceivedAt = now
	}

	var plain, htmlBody string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return parsedMessage{}, fmt.Errorf("read part: %w", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		switch {
		case ct == "text/plain" && plain == "":
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return parsedMessage{}, fmt.Errorf("read text part: %w", err)
			}
			plain = string(b)
		case ct == "text/html" && htmlBody == "":
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return parsedMessage{}, fmt.Errorf("read html part: %w", err)
			}
			htmlBody = string(b)
		}
		if plain != "" {
			break
		}
	}

	if strings.TrimSpace(plain) != "" {
		out.Body = strings.TrimSpace(plain)
	} else if htmlBody != "" {
		out.Body = htmlToText(htmlBody)
	}
	return out, nil
}

func decodeSender(h mail.Header) string {
	if text, err := h.Text("From"); err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	return strings.TrimSpace(h.Get("From"))
}

var blockTags = map[atom.Atom]bool{
	atom.Br: true, atom.P: true, atom.Div: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Table: true, atom.Ul: true, atom.Ol: true,
}

// htmlToText strips markup, drops script and style content, decodes
// entities and collapses whitespace. Block elements become line breaks.
func htmlToText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var buf bytes.Buffer
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseWhitespace(buf.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.DataAtom == atom.Script || tok.DataAtom == atom.Style {
				if tok.Type == html.StartTagToken {
					skip++
				}
				continue
			}
			if blockTags[tok.DataAtom] {
				buf.WriteByte('\n')
			}
		case html.EndTagToken:
			tok := z.Token()
			if (tok.DataAtom == atom.Script || tok.DataAtom == atom.Style) && skip > 0 {
				skip--
				continue
			}
			if blockTags[tok.DataAtom] {
				buf.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				buf.WriteString(z.Token().Data)
			}
		}
	}
}

func collapseWhitespace(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
