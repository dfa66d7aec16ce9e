// Package urlcheck validates candidate article URLs before any network
// traffic happens. The private-address check is lexical: it classifies the
// hostname as written, it does not resolve DNS. A name that resolves to a
// private IP after this check passes is not caught here, which is why the
// fetcher re-runs Validate against the final URL after redirects.
package urlcheck

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

var (
	// ErrInvalidURL means the input does not parse as an absolute URL.
	ErrInvalidURL = errors.New("invalid URL")
	// ErrDisallowedScheme means the URL scheme is not http or https.
	ErrDisallowedScheme = errors.New("only HTTP and HTTPS URLs are allowed")
	// ErrPrivateAddress means the hostname points at loopback, link-local,
	// or RFC1918 space.
	ErrPrivateAddress = errors.New("URL points to a private or reserved address")
)

var privateBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateBlocks = append(privateBlocks, block)
	}
}

// allowLocal reports whether the test escape hatch is set, so httptest
// servers on 127.0.0.1 can be fetched in tests.
func allowLocal() bool {
	return os.Getenv("BINDERY_TEST_ALLOW_LOCAL") == "1"
}

// isPrivateIP reports whether ip falls in a loopback, link-local, or
// private block.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// IsPrivateIP reports whether ip is in private or reserved space. The test
// escape hatch disables the check.
func IsPrivateIP(ip net.IP) bool {
	if allowLocal() {
		return false
	}
	return isPrivateIP(ip)
}

// isPrivateHost classifies a hostname lexically. IP literals are checked
// against the private blocks; names are matched against the reserved names
// and dotted prefixes that always denote private space.
func isPrivateHost(host string) bool {
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" || host == "0.0.0.0" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return isPrivateIP(ip)
	}
	return false
}

// Validate checks that raw is an absolute http(s) URL whose hostname does
// not point at private or reserved address space. It returns nil or one of
// ErrInvalidURL, ErrDisallowedScheme, ErrPrivateAddress (wrapped with
// context).
func Validate(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w (got %q)", ErrDisallowedScheme, parsed.Scheme)
	}
	if allowLocal() {
		return nil
	}
	if isPrivateHost(parsed.Hostname()) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, parsed.Hostname())
	}
	return nil
}

// ValidateURL is Validate for an already-parsed URL, used for re-checking
// the final URL after redirects.
func ValidateURL(u *url.URL) error {
	if u == nil {
		return ErrInvalidURL
	}
	return Validate(u.String())
}
