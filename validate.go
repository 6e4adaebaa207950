package safenest

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Input limits enforced before a request leaves the client.
const (
	MaxTextLength    = 50_000
	MaxMessages      = 100
	MaxUploadBytes   = 25 << 20
	MaxSituationText = 5_000
)

func validateText(field, text string, max int) error {
	if strings.TrimSpace(text) == "" {
		return newValidationError(field + " must not be empty")
	}
	if n := utf8.RuneCountInString(text); n > max {
		return newValidationError(fmt.Sprintf("%s is too long: %d characters (max %d)", field, n, max))
	}
	return nil
}

func validateMessages(messages []Message) error {
	if len(messages) == 0 {
		return newValidationError("messages must not be empty")
	}
	if len(messages) > MaxMessages {
		return newValidationError(fmt.Sprintf("too many messages: %d (max %d)", len(messages), MaxMessages))
	}
	for i, m := range messages {
		if err := validateText(fmt.Sprintf("messages[%d].content", i), m.Content, MaxTextLength); err != nil {
			return err
		}
	}
	return nil
}

func validateUpload(field string, data []byte) error {
	if len(data) == 0 {
		return newValidationError(field + " must not be empty")
	}
	if len(data) > MaxUploadBytes {
		return newValidationError(fmt.Sprintf("%s is too large: %d bytes (max %d)", field, len(data), MaxUploadBytes))
	}
	return nil
}

func validateChildAge(age int) error {
	if age < 0 || age > 18 {
		return newValidationError(fmt.Sprintf("child age must be between 0 and 18, got %d", age))
	}
	return nil
}
