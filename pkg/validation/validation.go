package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// EmailRegex validates email format
	EmailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

	// IdentifierRegex validates ticket, profile, request and session ids
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateEmail validates email address
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(email) > 254 {
		return fmt.Errorf("email is too long (max 254 characters)")
	}
	if !EmailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// ValidateIdentifier validates an opaque id used in URLs and channel names.
func ValidateIdentifier(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateTicketID validates ticket ID. Ticket ids become part of broadcast
// channel names, so they are restricted to the identifier alphabet.
func ValidateTicketID(ticketID string) error {
	return ValidateIdentifier(ticketID, "ticket ID")
}

// ValidateProfileID validates profile ID
func ValidateProfileID(profileID string) error {
	return ValidateIdentifier(profileID, "profile ID")
}

// ValidateRole validates a profile role
func ValidateRole(role string) error {
	switch role {
	case "customer", "engineer":
		return nil
	default:
		return fmt.Errorf("invalid role (must be customer or engineer)")
	}
}

// ValidateDisplayName validates a profile display name
func ValidateDisplayName(name string) error {
	if err := ValidateNonEmptyString(name, "display name"); err != nil {
		return err
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return ValidateStringLength(name, 1, 100, "display name")
}

// ValidateSDP checks the minimal structure of a session description.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP is required")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("SDP must start with v=")
	}
	for _, field := range []string{"v=", "o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("SDP is missing required field %s", field)
		}
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
