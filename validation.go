package mailvault

import (
	"fmt"
	"strings"
)

// isValidUserID checks if a user ID is valid.
// Valid user IDs are non-empty and contain only safe characters.
// This prevents blob key injection and other security issues.
func isValidUserID(userID string) bool {
	if userID == "" {
		return false
	}
	// Allow alphanumeric, hyphen, underscore, period, at-sign
	// Disallow: *, :, /, \, spaces, and control characters
	for _, c := range userID {
		if c == '*' || c == ':' || c == '/' || c == '\\' ||
			c == ' ' || c == '\t' || c == '\n' || c == '\r' ||
			c < 32 || c == 127 {
			return false
		}
	}
	return true
}

// Local part length limit from RFC 5321.
const maxLocalPartLength = 64

// normalizeAddress lowercases an address and trims surrounding whitespace.
// Addresses are stored and compared in normalized form so "A@x" and "a@x"
// resolve to the same mailbox.
func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// validateAddress checks that address is a well-formed mailbox address in
// the given domain. The address must already be normalized.
func validateAddress(address, domain string) error {
	local, addrDomain, ok := strings.Cut(address, "@")
	if !ok {
		return &ValidationError{Field: "address", Message: "missing @"}
	}
	if addrDomain != domain {
		return &ValidationError{
			Field:   "address",
			Message: fmt.Sprintf("domain %q is not served here", addrDomain),
		}
	}
	if local == "" {
		return &ValidationError{Field: "address", Message: "empty local part"}
	}
	if len(local) > maxLocalPartLength {
		return &ValidationError{
			Field:   "address",
			Message: fmt.Sprintf("local part exceeds %d characters", maxLocalPartLength),
		}
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return &ValidationError{Field: "address", Message: "malformed dots in local part"}
	}
	for _, c := range local {
		if !isLocalPartChar(c) {
			return &ValidationError{
				Field:   "address",
				Message: fmt.Sprintf("invalid character %q in local part", c),
			}
		}
	}
	return nil
}

// isLocalPartChar reports whether c is allowed in an unquoted local part.
// The accepted set is the RFC 5321 atext characters minus the rarely used
// specials that tend to break downstream tooling.
func isLocalPartChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '.' || c == '-' || c == '_' || c == '+':
		return true
	}
	return false
}

// validateInbound checks an inbound email before any storage work happens.
func validateInbound(in InboundEmail, maxRawSize int64) error {
	if in.To == "" {
		return &ValidationError{Field: "to", Message: "recipient address is required"}
	}
	if in.From == "" {
		return &ValidationError{Field: "from", Message: "sender address is required"}
	}
	if len(in.Raw) == 0 {
		return &ValidationError{Field: "raw", Message: "raw message is required"}
	}
	if int64(len(in.Raw)) > maxRawSize {
		return &ValidationError{
			Field:   "raw",
			Message: fmt.Sprintf("raw message of %d bytes exceeds limit of %d", len(in.Raw), maxRawSize),
		}
	}
	return nil
}
