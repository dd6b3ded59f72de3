package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// MaxURILength bounds any URL a caller hands us to store or fetch.
const MaxURILength = 2048

var (
	ErrInvalidURL = errors.New("security: invalid URL")
	ErrBlockedURL = errors.New("security: URL targets a blocked address")
)

// LookupHost resolves hostnames for ValidateEndpointURL. Tests replace it.
var LookupHost = net.LookupHost

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// ValidateEndpointURL checks that a URL we will POST to from the server
// (notification webhooks) is http(s) and does not reach a private,
// loopback, link-local or unspecified address, either literally or after
// DNS resolution.
func ValidateEndpointURL(rawURL string) error {
	u, err := parseBounded(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if blockedHosts[strings.ToLower(host)] {
		return fmt.Errorf("%w: host %q", ErrBlockedURL, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	addrs, err := LookupHost(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrInvalidURL, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q: %w", host, err)
			}
		}
	}
	return nil
}

// ValidateEvidenceURI checks a file reference attached to dispute or court
// evidence. It is stored and shown to the counterparty and the jurors,
// never fetched, so only its shape is checked: https, http or ipfs, with a
// host or content id and no embedded credentials.
func ValidateEvidenceURI(raw string) error {
	u, err := parseBounded(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https", "http":
		if u.Hostname() == "" {
			return fmt.Errorf("%w: missing host", ErrInvalidURL)
		}
	case "ipfs":
		if u.Host == "" && strings.Trim(u.Path, "/") == "" {
			return fmt.Errorf("%w: missing content id", ErrInvalidURL)
		}
	default:
		return fmt.Errorf("%w: scheme must be https, http or ipfs", ErrInvalidURL)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials are not allowed in evidence links", ErrInvalidURL)
	}
	return nil
}

func parseBounded(raw string) (*url.URL, error) {
	if raw == "" || len(raw) > MaxURILength {
		return nil, fmt.Errorf("%w: must be 1 to %d characters", ErrInvalidURL, MaxURILength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return u, nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback %s", ErrBlockedURL, ip)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private %s", ErrBlockedURL, ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local %s", ErrBlockedURL, ip)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified %s", ErrBlockedURL, ip)
	}
	return nil
}
