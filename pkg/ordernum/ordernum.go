// Package ordernum generates human-readable order numbers of the form
// NP-20260115-4K7QZX. Uniqueness is probabilistic; callers must retry on a
// unique-constraint collision.
package ordernum

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
)

const (
	prefix    = "NP"
	suffixLen = 6
	alphabet  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

var pattern = regexp.MustCompile(`^NP-\d{8}-[0-9A-Z]{6}$`)

// Generate returns a new order number for the given point in time.
func Generate(now time.Time) (string, error) {
	buf := make([]byte, suffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random suffix: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102"), buf), nil
}

// IsValid reports whether the value matches the order number format.
func IsValid(value string) bool {
	return pattern.MatchString(value)
}
