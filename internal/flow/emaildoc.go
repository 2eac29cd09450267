package flow

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/net/html"
)

// Email is what the client extracted from an open message.
type Email struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId,omitempty"`
	Subject   string `json:"subject,omitempty"`
	From      string `json:"from,omitempty"`
	Date      string `json:"date,omitempty"`
	HTML      string `json:"html,omitempty"`
}

const maxFilenameRunes = 100

// WrapEmailDocument embeds the message body in a standalone HTML document
// with a From/Subject/Date header, suitable for upload as an attachment.
// Header values are escaped; the body is kept as sent.
func WrapEmailDocument(e Email) string {
	title := e.Subject
	if title == "" {
		title = "Email"
	}
	from := e.From
	if from == "" {
		from = "Unknown"
	}
	subject := e.Subject
	if subject == "" {
		subject = "No subject"
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><meta charset=\"UTF-8\"><title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title></head>\n<body>\n")
	b.WriteString("  <p><strong>From:</strong> " + html.EscapeString(from) + "</p>\n")
	b.WriteString("  <p><strong>Subject:</strong> " + html.EscapeString(subject) + "</p>\n")
	if e.Date != "" {
		b.WriteString("  <p><strong>Date:</strong> " + html.EscapeString(e.Date) + "</p>\n")
	}
	b.WriteString("  <hr>\n")
	b.WriteString(e.HTML)
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

// SanitizeFilename strips characters that are unsafe in file names and
// caps the length. An empty result falls back to "Email".
func SanitizeFilename(name string) string {
	var b strings.Builder
	n := 0
	for _, r := range name {
		if n == maxFilenameRunes {
			break
		}
		if strings.ContainsRune(`<>:"/\|?*`, r) || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		n++
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "Email"
	}
	return out
}

// AttachmentName is the file name used for wrapped email documents.
func AttachmentName(at time.Time) string {
	return "email-" + strconv.FormatInt(at.UnixMilli(), 10) + ".html"
}
