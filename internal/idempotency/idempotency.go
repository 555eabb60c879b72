// Package idempotency derives deterministic idempotency keys from ordered identity
// tuples. All functions are pure and deterministic.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// separator joins formatted parts before hashing. The unit separator control
// character never appears in PBX identifiers, phone numbers or JSON text.
const separator = "\x1f"

// MaxKeyLength bounds caller-supplied keys. Longer keys are replaced by their digest.
const MaxKeyLength = 128

// Create formats each part, joins them with the separator and returns the
// lowercase hex SHA-256 digest. Timestamps are normalized to UTC RFC 3339,
// booleans to "0"/"1" and nil values to the empty string, so the same logical
// identity always yields the same key.
func Create(parts ...any) string {
	formatted := make([]string, len(parts))
	for i, p := range parts {
		formatted[i] = format(p)
	}
	return digest(strings.Join(formatted, separator))
}

// Normalize passes a caller-supplied key through unchanged unless it exceeds
// MaxKeyLength, in which case the key is hashed to a fixed-length digest.
// A key of only whitespace is absent and normalizes to "".
func Normalize(key string) string {
	if IsBlank(key) {
		return ""
	}
	if len(key) <= MaxKeyLength {
		return key
	}
	return digest(key)
}

// IsBlank reports whether key is empty or only whitespace.
func IsBlank(key string) bool { return strings.TrimSpace(key) == "" }

// PayloadHash returns the hex SHA-256 digest of a raw payload.
func PayloadHash(payload string) string {
	return digest(payload)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func format(p any) string {
	switch v := p.(type) {
	case nil:
		return ""
	case string:
		return v
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case time.Time:
		return formatTime(v)
	case *time.Time:
		if v == nil {
			return ""
		}
		return formatTime(*v)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case *bool:
		if v == nil {
			return ""
		}
		return format(*v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case *int64:
		if v == nil {
			return ""
		}
		return strconv.FormatInt(*v, 10)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
