// Package httpclient builds the outbound HTTP client used by plan HTTP steps,
// with optional SSRF protection for deployments that must not reach
// internal addresses.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/stagee/errors"
)

// Options controls the guard. The zero value allows private addresses.
type Options struct {
	Timeout        time.Duration
	BlockPrivateIP bool
	MaxRedirects   int      // Default: 10
	AllowedSchemes []string // Default: ["http", "https"]
}

// Guard validates outbound URLs and builds clients that enforce the same
// rules on redirects and at dial time.
type Guard struct {
	allowedSchemes []string
	blockPrivateIP bool
	maxRedirects   int
	timeout        time.Duration
}

// NewGuard applies defaults to opts.
func NewGuard(opts Options) *Guard {
	g := &Guard{
		allowedSchemes: opts.AllowedSchemes,
		blockPrivateIP: opts.BlockPrivateIP,
		maxRedirects:   opts.MaxRedirects,
		timeout:        opts.Timeout,
	}
	if len(g.allowedSchemes) == 0 {
		g.allowedSchemes = []string{"http", "https"}
	}
	if g.maxRedirects <= 0 {
		g.maxRedirects = 10
	}
	return g
}

// Client returns an http.Client whose redirects and dials are checked.
func (g *Guard) Client() *http.Client {
	client := &http.Client{Timeout: g.timeout}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= g.maxRedirects {
			return errors.Newf("stopped after %d redirects", g.maxRedirects)
		}
		if err := g.Check(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if g.blockPrivateIP {
		// Resolve before dialing so DNS rebinding cannot smuggle a private address.
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if isPrivateIP(ip) {
					return nil, errors.Newf("private IP address blocked: %s", ip)
				}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		}
	}
	client.Transport = transport
	return client
}

// Check validates u against the scheme allow-list and, when blocking is on,
// against localhost and literal private addresses.
func (g *Guard) Check(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range g.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, g.allowedSchemes)
	}
	if u.User != nil {
		// http://evil.com@localhost/ style confusion
		return errors.New("URL must not carry userinfo")
	}
	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}
	if !g.blockPrivateIP {
		return nil
	}
	if isLocalhost(hostname) {
		return errors.New("localhost access blocked")
	}
	if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
		return errors.Newf("private IP address blocked: %s", hostname)
	}
	return nil
}

// ParseURL parses and checks a URL string.
func (g *Guard) ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := g.Check(u); err != nil {
		return nil, err
	}
	return u, nil
}

var privateBlocks = []net.IPNet{
	{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},
	{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)}, // link-local, cloud metadata
	{IP: net.IPv4(0, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}, // carrier-grade NAT
	{IP: net.IPv4(224, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
	{IP: net.IPv4(240, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
}

// isPrivateIP reports loopback, private, link-local and reserved ranges.
func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range privateBlocks {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	// fec0::/10, deprecated site-local
	return len(ip) == net.IPv6len && ip[0] == 0xfe && ip[1]&0xc0 == 0xc0
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
