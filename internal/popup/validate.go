package popup

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

// ErrInvalidContact is wrapped by every ValidationError.
var ErrInvalidContact = errors.New("popup: invalid contact")

// ContactKind is the channel a visitor subscribes with.
type ContactKind string

const (
	ContactEmail ContactKind = "email"
	ContactSMS   ContactKind = "sms"
)

// Valid reports whether the kind is known.
func (k ContactKind) Valid() bool {
	return k == ContactEmail || k == ContactSMS
}

// ValidationError describes a rejected contact value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidContact.Error(), e.Field, e.Reason)
}

// Unwrap exposes ErrInvalidContact to errors.Is.
func (e *ValidationError) Unwrap() error { return ErrInvalidContact }

var (
	phoneAllowedPattern = regexp.MustCompile(`^\+?[0-9()\-.\s]+$`)
	phoneDigitsPattern  = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	phoneStripper       = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "", "\t", "")
)

// NormalizeContact validates value for kind and returns its canonical form: a lower-cased bare
// address for email, digits with an optional leading plus for sms.
func NormalizeContact(kind ContactKind, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch kind {
	case ContactEmail:
		return normalizeEmail(value)
	case ContactSMS:
		return normalizePhone(value)
	default:
		return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported contact kind %q", kind)}
	}
}

func normalizeEmail(value string) (string, error) {
	if value == "" {
		return "", &ValidationError{Field: "email", Reason: "is required"}
	}
	if len(value) > 254 {
		return "", &ValidationError{Field: "email", Reason: "is too long"}
	}
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Address != value || addr.Name != "" {
		return "", &ValidationError{Field: "email", Reason: "is not a valid address"}
	}
	at := strings.LastIndex(value, "@")
	domain := value[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", &ValidationError{Field: "email", Reason: "domain is not valid"}
	}
	return strings.ToLower(value), nil
}

func normalizePhone(value string) (string, error) {
	if value == "" {
		return "", &ValidationError{Field: "phone", Reason: "is required"}
	}
	if !phoneAllowedPattern.MatchString(value) {
		return "", &ValidationError{Field: "phone", Reason: "contains invalid characters"}
	}
	normalized := phoneStripper.Replace(value)
	if !phoneDigitsPattern.MatchString(normalized) {
		return "", &ValidationError{Field: "phone", Reason: "must contain 7 to 15 digits"}
	}
	return normalized, nil
}
