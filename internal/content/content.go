package content

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"parley/internal/models"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxMessageLength       = 5000
	MaxStatusMessageLength = 200
)

var (
	policy       = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()
)

// clean returns input unchanged unless p would drop or rewrite markup in it.
// In that case the sanitized text is returned unescaped, since values are
// stored as plain text and escaped at render time.
func clean(p *bluemonday.Policy, input string) string {
	sanitized := html.UnescapeString(p.Sanitize(input))
	if sanitized == html.UnescapeString(input) {
		return input
	}
	return sanitized
}

// Sanitize drops markup the UGC policy does not allow. Text is not escaped.
func Sanitize(input string) string {
	return clean(policy, input)
}

// Text strips all markup. Text without markup is returned as is.
func Text(input string) string {
	return strings.TrimSpace(clean(strictPolicy, input))
}

// MessageBody validates and sanitizes a chat message body.
// An empty body is allowed only when the message carries attachments.
func MessageBody(body string, hasAttachments bool) (string, error) {
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) > MaxMessageLength {
		return "", models.Invalid("content", fmt.Sprintf("exceeds %d characters", MaxMessageLength))
	}
	body = strings.TrimSpace(Sanitize(body))
	if body == "" && !hasAttachments {
		return "", models.Invalid("content", "message content cannot be empty")
	}
	return body, nil
}

// StatusMessage validates a free-text status message. Markup is stripped entirely.
func StatusMessage(msg string) (string, error) {
	msg = Text(msg)
	if utf8.RuneCountInString(msg) > MaxStatusMessageLength {
		return "", models.Invalid("status_message", fmt.Sprintf("exceeds %d characters", MaxStatusMessageLength))
	}
	return msg, nil
}
