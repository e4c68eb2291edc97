package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/kursadbilgin/smshook/internal/domain"
)

// ErrURLRejected is wrapped by every URL validation failure.
var ErrURLRejected = errors.New("destination url rejected")

// RejectedURLError explains why a destination URL may not be called.
type RejectedURLError struct {
	URL    string
	Reason string
}

func (e *RejectedURLError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.URL == "" {
		return fmt.Sprintf("url rejected: %s", e.Reason)
	}
	return fmt.Sprintf("url rejected: %s: %s", e.Reason, e.URL)
}

// Unwrap lets callers match both the policy sentinel and domain.ErrValidation.
func (e *RejectedURLError) Unwrap() []error {
	return []error{ErrURLRejected, domain.ErrValidation}
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// ValidateURL rejects destinations that would send traffic somewhere other than
// a public http(s) endpoint. Hostnames are not resolved.
func ValidateURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return reject("", "url is empty")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return reject("", "malformed url")
	}
	display := SanitizeURL(trimmed)

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return reject(display, "scheme must be http or https")
	}
	if u.Opaque != "" {
		return reject(display, "malformed url")
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return reject(display, "missing host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return reject(display, "localhost is not allowed")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if reason := blockedAddr(addr.Unmap()); reason != "" {
			return reject(display, reason)
		}
	} else if looksNumeric(host) {
		return reject(display, "ambiguous numeric host")
	}

	if hasTraversal(u) {
		return reject(display, "path traversal is not allowed")
	}

	return nil
}

func reject(display, reason string) error {
	return &RejectedURLError{URL: display, Reason: reason}
}

func blockedAddr(addr netip.Addr) string {
	switch {
	case addr.IsLoopback():
		return "loopback address is not allowed"
	case addr.IsPrivate():
		return "private network address is not allowed"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local address is not allowed"
	case addr.IsUnspecified():
		return "unspecified address is not allowed"
	case addr.IsMulticast():
		return "multicast address is not allowed"
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return "reserved address is not allowed"
		}
	}
	return ""
}

// looksNumeric catches legacy IPv4 spellings such as 2130706433 or 0x7f.1
// that net/netip does not parse but some resolvers still accept.
func looksNumeric(host string) bool {
	last := host
	if i := strings.LastIndexByte(host, '.'); i >= 0 {
		last = host[i+1:]
	}
	if last == "" {
		return false
	}
	if strings.HasPrefix(last, "0x") {
		return true
	}
	for _, r := range last {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func hasTraversal(u *url.URL) bool {
	for _, p := range []string{u.Path, u.EscapedPath()} {
		normalized := strings.ReplaceAll(strings.ToLower(p), "%2e", ".")
		normalized = strings.ReplaceAll(normalized, "%2f", "/")
		normalized = strings.ReplaceAll(normalized, "\\", "/")
		for _, segment := range strings.Split(normalized, "/") {
			if segment == ".." {
				return true
			}
		}
	}
	return false
}
