// Package target normalizes and validates customer-submitted domain names.
package target

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// MaxLength is the longest accepted domain name, per RFC 1035 presentation
// format.
const MaxLength = 253

var (
	// ErrEmpty is returned for empty or whitespace-only input.
	ErrEmpty = errors.New("target is empty")

	// ErrTooLong is returned when the normalized name exceeds MaxLength.
	ErrTooLong = errors.New("target exceeds maximum length")

	// ErrInvalid is returned for anything that is not a plain DNS name:
	// schemes, paths, ports, IP literals, bad labels.
	ErrInvalid = errors.New("invalid target")
)

// Normalize trims, lowercases, and strips the trailing dot from a submitted
// domain, rejecting anything outside the accepted grammar. It is idempotent
// on its accepted set.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrEmpty
	}

	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character", ErrInvalid)
		}
		if r > 0x7e {
			return "", fmt.Errorf("%w: non-ASCII character", ErrInvalid)
		}
	}

	if strings.Contains(s, "://") {
		return "", fmt.Errorf("%w: URL scheme not allowed", ErrInvalid)
	}
	if strings.ContainsAny(s, " \t/\\?#@:") {
		return "", fmt.Errorf("%w: forbidden character", ErrInvalid)
	}

	s = strings.ToLower(s)
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return "", ErrEmpty
	}
	if len(s) > MaxLength {
		return "", ErrTooLong
	}

	if net.ParseIP(s) != nil {
		return "", fmt.Errorf("%w: IP literal not allowed", ErrInvalid)
	}

	for _, label := range strings.Split(s, ".") {
		if err := checkLabel(label); err != nil {
			return "", err
		}
	}
	return s, nil
}

func checkLabel(label string) error {
	if label == "" {
		return fmt.Errorf("%w: empty label", ErrInvalid)
	}
	if len(label) > 63 {
		return fmt.Errorf("%w: label exceeds 63 characters", ErrInvalid)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Errorf("%w: label starts or ends with hyphen", ErrInvalid)
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return fmt.Errorf("%w: label contains %q", ErrInvalid, c)
		}
	}
	return nil
}
