// Package security validates outbound HTTP targets before the link
// expander fetches them. Documents under ingestion can contain
// arbitrary URLs, so every candidate is screened against internal
// hosts and private address ranges (SSRF).
package security

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// HTTP validates outbound request targets.
type HTTP struct {
	maxResponseSize int64
	allowedSchemes  []string
}

// NewHTTP creates a new HTTP validator.
func NewHTTP() *HTTP {
	return &HTTP{
		maxResponseSize: 5 * 1024 * 1024, // 5MB
		allowedSchemes:  []string{"http", "https"},
	}
}

// ValidateURL reports whether a URL is safe to fetch.
// Checks scheme, hostname and every resolved IP address.
func (v *HTTP) ValidateURL(urlStr string) error {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsedURL.Scheme)
	if !slices.Contains(v.allowedSchemes, scheme) {
		return fmt.Errorf("disallowed protocol: %s (only http/https allowed)", parsedURL.Scheme)
	}

	hostname := parsedURL.Hostname()
	if hostname == "" {
		return fmt.Errorf("invalid hostname")
	}

	if isDangerousHostname(hostname) {
		slog.Warn("SSRF attempt - dangerous hostname detected",
			"url", urlStr,
			"hostname", hostname,
			"security_event", "ssrf_dangerous_hostname")
		return fmt.Errorf("access denied: accessing internal networks or metadata services is not allowed")
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("unable to resolve hostname: %w", err)
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			slog.Warn("SSRF attempt - private IP detected",
				"url", urlStr,
				"hostname", hostname,
				"resolved_ip", ip.String(),
				"security_event", "ssrf_private_ip")
			return fmt.Errorf("access denied: accessing internal network IPs is not allowed (%s)", ip.String())
		}
	}

	return nil
}

// MaxResponseSize returns the maximum response size limit.
func (v *HTTP) MaxResponseSize() int64 {
	return v.maxResponseSize
}

// CreateSafeHTTPClient returns an http.Client that re-validates every
// redirect hop and stops after 3 redirects.
func (v *HTTP) CreateSafeHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				slog.Warn("excessive redirects detected",
					"url", req.URL.String(),
					"redirect_count", len(via),
					"security_event", "excessive_redirects")
				return fmt.Errorf("stopped after 3 redirects")
			}

			if err := v.ValidateURL(req.URL.String()); err != nil {
				slog.Warn("SSRF attempt - unsafe redirect detected",
					"redirect_url", req.URL.String(),
					"original_url", via[0].URL.String(),
					"security_event", "ssrf_unsafe_redirect")
				return fmt.Errorf("redirect to unsafe URL: %w", err)
			}

			return nil
		},
	}
}

// isDangerousHostname matches local hosts and cloud metadata endpoints.
func isDangerousHostname(hostname string) bool {
	hostname = strings.ToLower(hostname)

	localHostnames := []string{
		"localhost",
		"127.0.0.1",
		"::1",
		"0.0.0.0",
	}
	if slices.Contains(localHostnames, hostname) {
		return true
	}

	metadataEndpoints := []string{
		"169.254.169.254", // AWS, Azure, GCP
		"metadata.google.internal",
		"metadata",
	}
	for _, endpoint := range metadataEndpoints {
		if hostname == endpoint || strings.Contains(hostname, endpoint) {
			return true
		}
	}

	return false
}

// isPrivateIP reports whether ip falls in a private or reserved range.
func isPrivateIP(ip net.IP) bool {
	privateIPv4Ranges := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local, also AWS metadata
		"0.0.0.0/8",
		"224.0.0.0/4", // multicast
		"240.0.0.0/4", // reserved
	}

	for _, cidr := range privateIPv4Ranges {
		_, subnet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if subnet.Contains(ip) {
			return true
		}
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	// IPv6 unique local addresses fc00::/7
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && (v6[0] == 0xfc || v6[0] == 0xfd) {
		return true
	}

	return false
}
