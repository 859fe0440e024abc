package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode"
)

const defaultStringLimit = 256

// sanitizeString drops control characters and limits length to avoid log injection.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		cleaned = append(cleaned, r)
	}
	if len(cleaned) > limit {
		cleaned = cleaned[:limit]
	}
	return string(cleaned)
}

// SanitizeRoute removes control characters and enforces length constraints on routes.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod removes control characters in HTTP methods.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// HashVisitor returns a short stable digest of a visitor key so logs never carry the raw cookie value.
func HashVisitor(visitor string) string {
	if visitor == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(visitor))
	return hex.EncodeToString(sum[:6])
}
