package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
	"strings"

	pkgerrors "github.com/burrowhq/burrow/pkg/errors"
)

const (
	// MinSubdomainLength is the minimum allowed subdomain length
	MinSubdomainLength = 2
	// MaxSubdomainLength is the maximum allowed subdomain length
	MaxSubdomainLength = 32
)

var (
	// subdomainRegex validates subdomain format: lowercase alphanumeric and
	// hyphens, no leading or trailing hyphen.
	subdomainRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

	// Reserved subdomains that cannot be registered
	reservedSubdomains = map[string]bool{
		"www":       true,
		"api":       true,
		"admin":     true,
		"app":       true,
		"dashboard": true,
		"status":    true,
		"health":    true,
		"metrics":   true,
	}
)

// IsValidSubdomain checks if a subdomain is valid
func IsValidSubdomain(subdomain string) bool {
	if len(subdomain) < MinSubdomainLength || len(subdomain) > MaxSubdomainLength {
		return false
	}

	if !subdomainRegex.MatchString(subdomain) {
		return false
	}

	if IsReservedSubdomain(subdomain) {
		return false
	}

	return true
}

// IsReservedSubdomain checks if a subdomain is reserved
func IsReservedSubdomain(subdomain string) bool {
	return reservedSubdomains[strings.ToLower(subdomain)]
}

// NormalizeSubdomain normalizes a subdomain (lowercase, trim)
func NormalizeSubdomain(subdomain string) string {
	return strings.ToLower(strings.TrimSpace(subdomain))
}

// DeriveSubdomain derives a deterministic subdomain from a client public key:
// lowercase hex of the first 8 bytes of SHA-256(key).
func DeriveSubdomain(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}

// Example: ExtractSubdomain("myapp.burrow.dev:443", "burrow.dev") -> "myapp".
// The base domain itself yields an empty subdomain.
func ExtractSubdomain(host, baseDomain string) (string, error) {
	// Strip port if present; host may be a bare name or host:port
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	if host == baseDomain {
		return "", nil
	}

	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", pkgerrors.NewAppError("INVALID_HOST", "host not under base domain", nil)
	}

	subdomain := strings.TrimSuffix(host, suffix)
	if subdomain == "" {
		return "", nil
	}

	return subdomain, nil
}
