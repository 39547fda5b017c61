package api

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/postwatch/postwatch/internal/models"
)

const (
	maxNameLength     = 120
	maxUsernameLength = 64
	maxManagerLength  = 120
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateCandidate validates the fields of a client about to be added
func ValidateCandidate(c models.ClientCandidate) error {
	if strings.TrimSpace(c.Name) == "" {
		return ValidationError{Field: "name", Message: "Name is required"}
	}
	if err := validateName(c.Name); err != nil {
		return err
	}
	if err := validateUsername(c.Username); err != nil {
		return err
	}
	return validateManager(c.Manager)
}

// ValidateClientFields validates a partial client edit. Nil fields are skipped.
func ValidateClientFields(f models.ClientFields) error {
	if f.Name == nil && f.Username == nil && f.Manager == nil {
		return ValidationError{Field: "body", Message: "At least one of name, username or manager is required"}
	}
	if f.Name != nil {
		if strings.TrimSpace(*f.Name) == "" {
			return ValidationError{Field: "name", Message: "Name cannot be empty"}
		}
		if err := validateName(*f.Name); err != nil {
			return err
		}
	}
	if f.Username != nil {
		if err := validateUsername(*f.Username); err != nil {
			return err
		}
	}
	if f.Manager != nil {
		return validateManager(*f.Manager)
	}
	return nil
}

func validateName(name string) error {
	if utf8.RuneCountInString(strings.TrimSpace(name)) > maxNameLength {
		return ValidationError{Field: "name", Message: fmt.Sprintf("Name must be at most %d characters", maxNameLength)}
	}
	return nil
}

func validateUsername(username string) error {
	handle := models.NormalizeUsername(username)
	if handle == "" {
		return ValidationError{Field: "username", Message: "Username is required"}
	}
	if utf8.RuneCountInString(handle) > maxUsernameLength {
		return ValidationError{Field: "username", Message: fmt.Sprintf("Username must be at most %d characters", maxUsernameLength)}
	}
	if strings.IndexFunc(handle, unicode.IsSpace) >= 0 {
		return ValidationError{Field: "username", Message: "Username cannot contain spaces"}
	}
	return nil
}

func validateManager(manager string) error {
	if utf8.RuneCountInString(strings.TrimSpace(manager)) > maxManagerLength {
		return ValidationError{Field: "manager", Message: fmt.Sprintf("Manager must be at most %d characters", maxManagerLength)}
	}
	return nil
}
