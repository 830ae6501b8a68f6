// Package validation checks identifiers taken from request paths.
package validation

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrInvalidSlot = errors.New("session id must be a positive integer")
	ErrInvalidChat = errors.New("chat id must be a WhatsApp address like 5511999999999@s.whatsapp.net")
)

var chatPattern = regexp.MustCompile(`^[0-9A-Za-z.:_-]+@(s\.whatsapp\.net|g\.us|lid|broadcast|newsletter)$`)

// ParseSlot reads a session slot number.
func ParseSlot(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || id < 1 {
		return 0, ErrInvalidSlot
	}
	return id, nil
}

// ValidateChatJID ensures a conversation address is well formed.
func ValidateChatJID(chatJID string) error {
	if !chatPattern.MatchString(strings.TrimSpace(chatJID)) {
		return ErrInvalidChat
	}
	return nil
}
