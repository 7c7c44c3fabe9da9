package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const maxIDLength = 128

// ValidateMessageContent validates message content. Model-specific limits
// are enforced by the session.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a chat, branch or message id. Ids come from other
// clients too, so any printable token is accepted.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New("id exceeds maximum length")
	}
	for _, r := range id {
		if r <= ' ' || r == 0x7f || r == '/' {
			return errors.New("id contains invalid characters")
		}
	}
	return nil
}

// ValidateTitle validates a chat title.
func ValidateTitle(title string) error {
	if len(title) > 256 {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}
