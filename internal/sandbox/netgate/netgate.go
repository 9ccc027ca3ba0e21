// Package netgate decides whether sandboxed code may reach a URL and keeps
// the per-execution request budget.
package netgate

import (
	"context"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

const defaultLookupTimeout = 2 * time.Second

// Resolver looks up the addresses of a host name.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) Option {
	return func(g *Gatekeeper) { g.resolver = r }
}

// WithLookupTimeout bounds each DNS lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(g *Gatekeeper) { g.lookupTimeout = d }
}

// Gatekeeper applies the network rule of one policy. It is safe for
// concurrent use.
type Gatekeeper struct {
	blockAll     bool
	domains      []string
	ips          []net.IP
	httpsOnly    bool
	blockPrivate bool
	blockLocal   bool
	maxRequests  int64

	resolver      Resolver
	lookupTimeout time.Duration
	used          atomic.Int64
}

// New returns a Gatekeeper for cfg's network rule.
func New(cfg policy.Config, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		blockAll:      cfg.BlockAllNetwork,
		httpsOnly:     cfg.HTTPSOnly,
		blockPrivate:  cfg.BlockPrivateIPs,
		blockLocal:    cfg.BlockLocalhost,
		maxRequests:   int64(cfg.MaxRequests),
		resolver:      net.DefaultResolver,
		lookupTimeout: defaultLookupTimeout,
	}
	for _, d := range cfg.AllowedDomains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			g.domains = append(g.domains, d)
		}
	}
	for _, s := range cfg.AllowedIPs {
		if ip := net.ParseIP(strings.TrimSpace(s)); ip != nil {
			g.ips = append(g.ips, ip)
		}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Permit checks rawURL and, when it passes, consumes one request from the
// budget. A denial is a *policy.Violation.
func (g *Gatekeeper) Permit(rawURL string) error {
	return g.PermitContext(context.Background(), rawURL)
}

// PermitContext is Permit with a caller context for the DNS lookup.
func (g *Gatekeeper) PermitContext(ctx context.Context, rawURL string) error {
	if err := g.check(ctx, rawURL); err != nil {
		return err
	}
	for {
		cur := g.used.Load()
		if cur >= g.maxRequests {
			return deny("request budget exhausted (%d allowed)", g.maxRequests)
		}
		if g.used.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Check evaluates rawURL without consuming budget.
func (g *Gatekeeper) Check(rawURL string) error {
	if err := g.check(context.Background(), rawURL); err != nil {
		return err
	}
	if g.used.Load() >= g.maxRequests {
		return deny("request budget exhausted (%d allowed)", g.maxRequests)
	}
	return nil
}

// Used reports how many requests have been permitted.
func (g *Gatekeeper) Used() int64 {
	return g.used.Load()
}

// CheckAddr applies the address rules to an IP the transport is about to
// dial. It closes the window between the DNS answer Permit saw and the one
// the dialer gets.
func (g *Gatekeeper) CheckAddr(ip net.IP) error {
	if g.blockLocal && isLocal(ip) {
		return deny("connection to loopback address %s blocked", ip)
	}
	if g.blockPrivate && isPrivate(ip) {
		return deny("connection to private address %s blocked", ip)
	}
	return nil
}

func (g *Gatekeeper) check(ctx context.Context, rawURL string) error {
	if g.blockAll {
		return deny("all network access is blocked")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return deny("invalid URL %q: %v", rawURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if g.httpsOnly {
			return deny("only HTTPS is allowed: %q", rawURL)
		}
	default:
		return deny("unsupported scheme %q", u.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return deny("URL %q has no host", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := g.CheckAddr(ip); err != nil {
			return err
		}
		if !slices.ContainsFunc(g.ips, ip.Equal) {
			return deny("IP %s is not in the allowed list", ip)
		}
		return nil
	}

	if g.blockLocal && isLocalName(host) {
		return deny("localhost access blocked: %q", host)
	}
	if !g.domainAllowed(host) {
		return deny("domain %q is not in the allowed list", host)
	}
	if g.blockLocal || g.blockPrivate {
		return g.checkResolved(ctx, host)
	}
	return nil
}

func (g *Gatekeeper) checkResolved(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return deny("DNS resolution failed for %q: %v", host, err)
	}
	if len(addrs) == 0 {
		return deny("DNS returned no addresses for %q", host)
	}
	for _, a := range addrs {
		if err := g.CheckAddr(a.IP); err != nil {
			return deny("host %q resolves to a blocked address: %v", host, err)
		}
	}
	return nil
}

func (g *Gatekeeper) domainAllowed(host string) bool {
	for _, d := range g.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func isLocalName(host string) bool {
	switch host {
	case "localhost", "localhost.localdomain":
		return true
	}
	return strings.HasSuffix(host, ".localhost")
}

func isLocal(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsUnspecified()
}

var reservedNets = mustCIDRs(
	"100.64.0.0/10",   // carrier-grade NAT
	"192.0.2.0/24",    // TEST-NET-1
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"2001:db8::/32",
)

func isPrivate(ip net.IP) bool {
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip.Equal(net.IPv4bcast) {
		return true
	}
	for _, n := range reservedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

func deny(format string, args ...any) error {
	return policy.Violationf(policy.NetworkAccess, format, args...)
}

// DenyAll closes the network.
func DenyAll() policy.Option {
	return policy.WithBlockAllNetwork(true)
}

// AllowDomains opens the network to domains with HTTPS-only, private and
// loopback blocking, and a budget of 10 requests.
func AllowDomains(domains ...string) policy.Option {
	return func(c *policy.Config) {
		policy.WithAllowedDomains(domains...)(c)
		c.HTTPSOnly = true
		c.BlockPrivateIPs = true
		c.BlockLocalhost = true
	}
}
